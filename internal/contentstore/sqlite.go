package contentstore

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the SQLite-backed content store.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL; PRAGMA synchronous=NORMAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS notebooks (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			name TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS folders (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			notebook_id TEXT NOT NULL,
			name TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			FOREIGN KEY (notebook_id) REFERENCES notebooks(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS notes (
			id TEXT PRIMARY KEY,
			owner_id TEXT NOT NULL,
			notebook_id TEXT,
			folder_id TEXT,
			title TEXT NOT NULL,
			content TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_notebooks_owner ON notebooks(owner_id)`,
		`CREATE INDEX IF NOT EXISTS idx_folders_owner ON folders(owner_id)`,
		`CREATE INDEX IF NOT EXISTS idx_notes_owner ON notes(owner_id)`,
		`CREATE INDEX IF NOT EXISTS idx_notes_folder ON notes(folder_id)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to execute schema statement: %w", err)
		}
	}
	return nil
}

func (s *SQLiteStore) CreateNotebook(ctx context.Context, ownerID, name string) (Notebook, error) {
	nb := Notebook{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Name:      name,
		CreatedAt: time.Now(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notebooks (id, owner_id, name, created_at) VALUES (?, ?, ?, ?)`,
		nb.ID, nb.OwnerID, nb.Name, nb.CreatedAt)
	if err != nil {
		return Notebook{}, fmt.Errorf("failed to create notebook: %w", err)
	}
	return nb, nil
}

func (s *SQLiteStore) DeleteNotebook(ctx context.Context, ownerID, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`DELETE FROM notebooks WHERE id = ? AND owner_id = ?`, id, ownerID)
	if err != nil {
		return fmt.Errorf("failed to delete notebook: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	// Notes and folders inside the notebook go with it.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM folders WHERE notebook_id = ? AND owner_id = ?`, id, ownerID); err != nil {
		return fmt.Errorf("failed to delete folders: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM notes WHERE notebook_id = ? AND owner_id = ?`, id, ownerID); err != nil {
		return fmt.Errorf("failed to delete notes: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) ListNotebooks(ctx context.Context, ownerID string) ([]Notebook, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, name, created_at FROM notebooks
		 WHERE owner_id = ? ORDER BY created_at ASC`, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query notebooks: %w", err)
	}
	defer rows.Close()

	var notebooks []Notebook
	for rows.Next() {
		var nb Notebook
		if err := rows.Scan(&nb.ID, &nb.OwnerID, &nb.Name, &nb.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan notebook: %w", err)
		}
		notebooks = append(notebooks, nb)
	}
	return notebooks, rows.Err()
}

func (s *SQLiteStore) CreateFolder(ctx context.Context, ownerID, notebookID, name string) (Folder, error) {
	var exists int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM notebooks WHERE id = ? AND owner_id = ?`,
		notebookID, ownerID).Scan(&exists)
	if err != nil {
		return Folder{}, fmt.Errorf("failed to check notebook: %w", err)
	}
	if exists == 0 {
		return Folder{}, ErrNotFound
	}

	f := Folder{
		ID:         uuid.NewString(),
		OwnerID:    ownerID,
		NotebookID: notebookID,
		Name:       name,
		CreatedAt:  time.Now(),
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO folders (id, owner_id, notebook_id, name, created_at) VALUES (?, ?, ?, ?, ?)`,
		f.ID, f.OwnerID, f.NotebookID, f.Name, f.CreatedAt)
	if err != nil {
		return Folder{}, fmt.Errorf("failed to create folder: %w", err)
	}
	return f, nil
}

func (s *SQLiteStore) DeleteFolder(ctx context.Context, ownerID, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`DELETE FROM folders WHERE id = ? AND owner_id = ?`, id, ownerID)
	if err != nil {
		return fmt.Errorf("failed to delete folder: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	// Notes in a deleted folder become loose, they are not removed.
	if _, err := tx.ExecContext(ctx,
		`UPDATE notes SET folder_id = NULL, updated_at = ? WHERE folder_id = ? AND owner_id = ?`,
		time.Now(), id, ownerID); err != nil {
		return fmt.Errorf("failed to detach notes: %w", err)
	}

	return tx.Commit()
}

func (s *SQLiteStore) CreateNote(ctx context.Context, ownerID string, note Note) (Note, error) {
	note.ID = uuid.NewString()
	note.OwnerID = ownerID
	note.CreatedAt = time.Now()
	note.UpdatedAt = note.CreatedAt

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notes (id, owner_id, notebook_id, folder_id, title, content, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		note.ID, note.OwnerID, nullable(note.NotebookID), nullable(note.FolderID),
		note.Title, note.Content, note.CreatedAt, note.UpdatedAt)
	if err != nil {
		return Note{}, fmt.Errorf("failed to create note: %w", err)
	}
	return note, nil
}

func (s *SQLiteStore) UpdateNote(ctx context.Context, ownerID, id string, upd NoteUpdate) (Note, error) {
	var sets []string
	var args []any
	if upd.Title != nil {
		sets = append(sets, "title = ?")
		args = append(args, *upd.Title)
	}
	if upd.Content != nil {
		sets = append(sets, "content = ?")
		args = append(args, *upd.Content)
	}
	if upd.FolderID != nil {
		sets = append(sets, "folder_id = ?")
		args = append(args, nullable(*upd.FolderID))
	}
	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now(), id, ownerID)

	query := `UPDATE notes SET ` + strings.Join(sets, ", ") + ` WHERE id = ? AND owner_id = ?`
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return Note{}, fmt.Errorf("failed to update note: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return Note{}, ErrNotFound
	}
	return s.GetNote(ctx, ownerID, id)
}

func (s *SQLiteStore) DeleteNote(ctx context.Context, ownerID, id string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM notes WHERE id = ? AND owner_id = ?`, id, ownerID)
	if err != nil {
		return fmt.Errorf("failed to delete note: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) GetNote(ctx context.Context, ownerID, id string) (Note, error) {
	var note Note
	var notebookID, folderID sql.NullString

	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, notebook_id, folder_id, title, content, created_at, updated_at
		 FROM notes WHERE id = ? AND owner_id = ?`, id, ownerID).Scan(
		&note.ID, &note.OwnerID, &notebookID, &folderID,
		&note.Title, &note.Content, &note.CreatedAt, &note.UpdatedAt)
	if err == sql.ErrNoRows {
		return Note{}, ErrNotFound
	}
	if err != nil {
		return Note{}, fmt.Errorf("failed to get note: %w", err)
	}
	note.NotebookID = notebookID.String
	note.FolderID = folderID.String
	return note, nil
}

func (s *SQLiteStore) SearchNotes(ctx context.Context, ownerID, query string, limit int) ([]Note, error) {
	if limit <= 0 {
		limit = 20
	}
	pattern := "%" + query + "%"

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, owner_id, notebook_id, folder_id, title, content, created_at, updated_at
		 FROM notes WHERE owner_id = ? AND (title LIKE ? OR content LIKE ?)
		 ORDER BY updated_at DESC LIMIT ?`,
		ownerID, pattern, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search notes: %w", err)
	}
	defer rows.Close()

	var notes []Note
	for rows.Next() {
		var note Note
		var notebookID, folderID sql.NullString
		if err := rows.Scan(&note.ID, &note.OwnerID, &notebookID, &folderID,
			&note.Title, &note.Content, &note.CreatedAt, &note.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan note: %w", err)
		}
		note.NotebookID = notebookID.String
		note.FolderID = folderID.String
		notes = append(notes, note)
	}
	return notes, rows.Err()
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
