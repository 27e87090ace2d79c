// Package contentstore owns the user content the assistant's tools act on:
// notebooks, folders, and notes.
package contentstore

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a referenced record does not exist or is not
// owned by the caller.
var ErrNotFound = errors.New("not found")

// Notebook is the top-level container.
type Notebook struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"-"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Folder groups notes inside a notebook.
type Folder struct {
	ID         string    `json:"id"`
	OwnerID    string    `json:"-"`
	NotebookID string    `json:"notebook_id"`
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"created_at"`
}

// Note is one document.
type Note struct {
	ID         string    `json:"id"`
	OwnerID    string    `json:"-"`
	NotebookID string    `json:"notebook_id,omitempty"`
	FolderID   string    `json:"folder_id,omitempty"`
	Title      string    `json:"title"`
	Content    string    `json:"content,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// NoteUpdate carries the mutable note fields; nil means leave unchanged.
type NoteUpdate struct {
	Title    *string
	Content  *string
	FolderID *string
}

// Store is the content boundary used by the tool executor. All operations
// are scoped to an owner identity; cross-owner access reports ErrNotFound.
type Store interface {
	CreateNotebook(ctx context.Context, ownerID, name string) (Notebook, error)
	DeleteNotebook(ctx context.Context, ownerID, id string) error
	ListNotebooks(ctx context.Context, ownerID string) ([]Notebook, error)

	CreateFolder(ctx context.Context, ownerID, notebookID, name string) (Folder, error)
	DeleteFolder(ctx context.Context, ownerID, id string) error

	CreateNote(ctx context.Context, ownerID string, note Note) (Note, error)
	UpdateNote(ctx context.Context, ownerID, id string, upd NoteUpdate) (Note, error)
	DeleteNote(ctx context.Context, ownerID, id string) error
	GetNote(ctx context.Context, ownerID, id string) (Note, error)
	SearchNotes(ctx context.Context, ownerID, query string, limit int) ([]Note, error)

	Close() error
}
