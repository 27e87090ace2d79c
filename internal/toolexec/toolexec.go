// Package toolexec executes the tool calls the model emits against the
// content store and normalizes every outcome, success or failure, into a
// ToolResult the model can read back.
package toolexec

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/inkwell/assistant-core/internal/contentstore"
	"github.com/inkwell/assistant-core/internal/domain"
)

// Result codes fed back to the model.
const (
	CodeUnknownTool      = "UNKNOWN_TOOL"
	CodeInvalidArguments = "INVALID_ARGUMENTS"
	CodeNotFound         = "NOT_FOUND"
	CodeExecutionError   = "EXECUTION_ERROR"
)

// Executor runs one tool call for a caller identity. Implementations must
// never panic outward; every call produces exactly one result.
type Executor interface {
	Execute(ctx context.Context, call domain.ToolCall, callerID string) domain.ToolResult
	Definitions() []domain.ToolDefinition
}

// ContentExecutor executes the note/folder/notebook tools against a
// content store.
type ContentExecutor struct {
	store    contentstore.Store
	logger   *slog.Logger
	maxBytes int
}

var _ Executor = (*ContentExecutor)(nil)

// NewContentExecutor creates an executor. maxBytes caps the serialized
// payload size of any single result; 0 means the 8KiB default.
func NewContentExecutor(store contentstore.Store, logger *slog.Logger, maxBytes int) *ContentExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	if maxBytes <= 0 {
		maxBytes = 8192
	}
	return &ContentExecutor{store: store, logger: logger, maxBytes: maxBytes}
}

// Execute dispatches the call and converts any failure into an error
// result. Panics inside a tool are recovered into a result as well.
func (e *ContentExecutor) Execute(ctx context.Context, call domain.ToolCall, callerID string) (res domain.ToolResult) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("tool execution panicked",
				slog.String("tool", call.Function.Name),
				slog.Any("panic", r),
			)
			res = e.errorResult(call, CodeExecutionError, fmt.Sprintf("internal error: %v", r))
		}
		res.Duration = time.Since(start)
	}()

	payload, err := e.dispatch(ctx, call, callerID)
	if err != nil {
		switch {
		case errors.Is(err, contentstore.ErrNotFound):
			return e.errorResult(call, CodeNotFound, err.Error())
		case errors.As(err, new(*argumentError)):
			return e.errorResult(call, CodeInvalidArguments, err.Error())
		case errors.As(err, new(*unknownToolError)):
			return e.errorResult(call, CodeUnknownTool, err.Error())
		default:
			return e.errorResult(call, CodeExecutionError, err.Error())
		}
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return e.errorResult(call, CodeExecutionError, "failed to encode result")
	}

	return domain.ToolResult{
		ToolCallID: call.ID,
		ToolName:   call.Function.Name,
		Success:    true,
		Payload:    truncateJSON(raw, e.maxBytes),
	}
}

func (e *ContentExecutor) errorResult(call domain.ToolCall, code, msg string) domain.ToolResult {
	e.logger.Warn("tool execution failed",
		slog.String("tool", call.Function.Name),
		slog.String("code", code),
		slog.String("message", msg),
	)
	return domain.ToolResult{
		ToolCallID: call.ID,
		ToolName:   call.Function.Name,
		Success:    false,
		Code:       code,
		Message:    msg,
	}
}

type argumentError struct{ msg string }

func (e *argumentError) Error() string { return e.msg }

func argErr(format string, args ...any) error {
	return &argumentError{msg: fmt.Sprintf(format, args...)}
}

type unknownToolError struct{ name string }

func (e *unknownToolError) Error() string { return "unknown tool: " + e.name }

func (e *ContentExecutor) dispatch(ctx context.Context, call domain.ToolCall, callerID string) (any, error) {
	name := call.Function.Name
	raw := []byte(call.Function.Arguments)

	switch name {
	case "create_note":
		var args struct {
			Title      string `json:"title"`
			Content    string `json:"content"`
			NotebookID string `json:"notebook_id"`
			FolderID   string `json:"folder_id"`
		}
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		if args.Title == "" {
			return nil, argErr("create_note requires a title")
		}
		return e.store.CreateNote(ctx, callerID, contentstore.Note{
			Title:      args.Title,
			Content:    args.Content,
			NotebookID: args.NotebookID,
			FolderID:   args.FolderID,
		})

	case "update_note":
		var args struct {
			ID       string  `json:"id"`
			Title    *string `json:"title"`
			Content  *string `json:"content"`
			FolderID *string `json:"folder_id"`
		}
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		if args.ID == "" {
			return nil, argErr("update_note requires an id")
		}
		if args.Title == nil && args.Content == nil && args.FolderID == nil {
			return nil, argErr("update_note requires at least one field to change")
		}
		return e.store.UpdateNote(ctx, callerID, args.ID, contentstore.NoteUpdate{
			Title:    args.Title,
			Content:  args.Content,
			FolderID: args.FolderID,
		})

	case "delete_note":
		var args struct {
			ID string `json:"id"`
		}
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		if args.ID == "" {
			return nil, argErr("delete_note requires an id")
		}
		if err := e.store.DeleteNote(ctx, callerID, args.ID); err != nil {
			return nil, err
		}
		return map[string]string{"deleted": args.ID}, nil

	case "create_folder":
		var args struct {
			NotebookID string `json:"notebook_id"`
			Name       string `json:"name"`
		}
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		if args.NotebookID == "" || args.Name == "" {
			return nil, argErr("create_folder requires notebook_id and name")
		}
		return e.store.CreateFolder(ctx, callerID, args.NotebookID, args.Name)

	case "delete_folder":
		var args struct {
			ID string `json:"id"`
		}
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		if args.ID == "" {
			return nil, argErr("delete_folder requires an id")
		}
		if err := e.store.DeleteFolder(ctx, callerID, args.ID); err != nil {
			return nil, err
		}
		return map[string]string{"deleted": args.ID}, nil

	case "create_notebook":
		var args struct {
			Name string `json:"name"`
		}
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		if args.Name == "" {
			return nil, argErr("create_notebook requires a name")
		}
		return e.store.CreateNotebook(ctx, callerID, args.Name)

	case "delete_notebook":
		var args struct {
			ID string `json:"id"`
		}
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		if args.ID == "" {
			return nil, argErr("delete_notebook requires an id")
		}
		if err := e.store.DeleteNotebook(ctx, callerID, args.ID); err != nil {
			return nil, err
		}
		return map[string]string{"deleted": args.ID}, nil

	case "list_notebooks":
		notebooks, err := e.store.ListNotebooks(ctx, callerID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"notebooks": notebooks}, nil

	case "search_notes":
		var args struct {
			Query string `json:"query"`
			Limit int    `json:"limit"`
		}
		if err := decodeArgs(raw, &args); err != nil {
			return nil, err
		}
		if args.Query == "" {
			return nil, argErr("search_notes requires a query")
		}
		notes, err := e.store.SearchNotes(ctx, callerID, args.Query, args.Limit)
		if err != nil {
			return nil, err
		}
		return map[string]any{"notes": notes, "count": len(notes)}, nil

	default:
		return nil, &unknownToolError{name: name}
	}
}

func decodeArgs(raw []byte, dst any) error {
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return argErr("malformed arguments: %v", err)
	}
	return nil
}

// truncateJSON caps raw at maxBytes without splitting a UTF-8 sequence. A
// truncated payload is wrapped so it stays valid JSON.
func truncateJSON(raw json.RawMessage, maxBytes int) json.RawMessage {
	if len(raw) <= maxBytes {
		return raw
	}
	cut := maxBytes
	for cut > 0 && !utf8.RuneStart(raw[cut]) {
		cut--
	}
	wrapped, err := json.Marshal(map[string]any{
		"truncated":      true,
		"original_bytes": len(raw),
		"preview":        string(raw[:cut]),
	})
	if err != nil {
		return json.RawMessage(`{"truncated":true}`)
	}
	return wrapped
}
