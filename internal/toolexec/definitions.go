package toolexec

import "github.com/inkwell/assistant-core/internal/domain"

func fn(name, description string, params map[string]any) domain.ToolDefinition {
	return domain.ToolDefinition{
		Type: "function",
		Function: domain.FunctionDef{
			Name:        name,
			Description: description,
			Parameters:  params,
		},
	}
}

func obj(required []string, props map[string]any) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func str(description string) map[string]any {
	return map[string]any{"type": "string", "description": description}
}

// Definitions lists the tool schemas exposed to the model.
func (e *ContentExecutor) Definitions() []domain.ToolDefinition {
	return []domain.ToolDefinition{
		fn("create_note", "Create a new note, optionally inside a notebook or folder.",
			obj([]string{"title"}, map[string]any{
				"title":       str("Note title"),
				"content":     str("Markdown body of the note"),
				"notebook_id": str("Notebook to create the note in"),
				"folder_id":   str("Folder to create the note in"),
			})),
		fn("update_note", "Update a note's title, content, or folder.",
			obj([]string{"id"}, map[string]any{
				"id":        str("Note id"),
				"title":     str("New title"),
				"content":   str("New markdown body, replaces the old one"),
				"folder_id": str("Folder to move the note into; empty to detach"),
			})),
		fn("delete_note", "Delete a note permanently.",
			obj([]string{"id"}, map[string]any{
				"id": str("Note id"),
			})),
		fn("create_folder", "Create a folder inside a notebook.",
			obj([]string{"notebook_id", "name"}, map[string]any{
				"notebook_id": str("Notebook id"),
				"name":        str("Folder name"),
			})),
		fn("delete_folder", "Delete a folder. Its notes are kept and detached.",
			obj([]string{"id"}, map[string]any{
				"id": str("Folder id"),
			})),
		fn("create_notebook", "Create a new notebook.",
			obj([]string{"name"}, map[string]any{
				"name": str("Notebook name"),
			})),
		fn("delete_notebook", "Delete a notebook and everything inside it.",
			obj([]string{"id"}, map[string]any{
				"id": str("Notebook id"),
			})),
		fn("list_notebooks", "List the caller's notebooks.",
			obj(nil, map[string]any{})),
		fn("search_notes", "Search notes by title and content.",
			obj([]string{"query"}, map[string]any{
				"query": str("Search text"),
				"limit": map[string]any{"type": "integer", "description": "Maximum results, default 20"},
			})),
	}
}
