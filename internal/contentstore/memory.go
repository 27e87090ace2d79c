package contentstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store for tests and ephemeral deployments.
type MemoryStore struct {
	mu        sync.Mutex
	notebooks map[string]Notebook
	folders   map[string]Folder
	notes     map[string]Note
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		notebooks: make(map[string]Notebook),
		folders:   make(map[string]Folder),
		notes:     make(map[string]Note),
	}
}

func (s *MemoryStore) CreateNotebook(ctx context.Context, ownerID, name string) (Notebook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nb := Notebook{ID: uuid.NewString(), OwnerID: ownerID, Name: name, CreatedAt: time.Now()}
	s.notebooks[nb.ID] = nb
	return nb, nil
}

func (s *MemoryStore) DeleteNotebook(ctx context.Context, ownerID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	nb, ok := s.notebooks[id]
	if !ok || nb.OwnerID != ownerID {
		return ErrNotFound
	}
	delete(s.notebooks, id)
	for fid, f := range s.folders {
		if f.NotebookID == id {
			delete(s.folders, fid)
		}
	}
	for nid, n := range s.notes {
		if n.NotebookID == id {
			delete(s.notes, nid)
		}
	}
	return nil
}

func (s *MemoryStore) ListNotebooks(ctx context.Context, ownerID string) ([]Notebook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Notebook
	for _, nb := range s.notebooks {
		if nb.OwnerID == ownerID {
			out = append(out, nb)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) CreateFolder(ctx context.Context, ownerID, notebookID, name string) (Folder, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	nb, ok := s.notebooks[notebookID]
	if !ok || nb.OwnerID != ownerID {
		return Folder{}, ErrNotFound
	}
	f := Folder{ID: uuid.NewString(), OwnerID: ownerID, NotebookID: notebookID, Name: name, CreatedAt: time.Now()}
	s.folders[f.ID] = f
	return f, nil
}

func (s *MemoryStore) DeleteFolder(ctx context.Context, ownerID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.folders[id]
	if !ok || f.OwnerID != ownerID {
		return ErrNotFound
	}
	delete(s.folders, id)
	for nid, n := range s.notes {
		if n.FolderID == id {
			n.FolderID = ""
			n.UpdatedAt = time.Now()
			s.notes[nid] = n
		}
	}
	return nil
}

func (s *MemoryStore) CreateNote(ctx context.Context, ownerID string, note Note) (Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	note.ID = uuid.NewString()
	note.OwnerID = ownerID
	note.CreatedAt = time.Now()
	note.UpdatedAt = note.CreatedAt
	s.notes[note.ID] = note
	return note, nil
}

func (s *MemoryStore) UpdateNote(ctx context.Context, ownerID, id string, upd NoteUpdate) (Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	note, ok := s.notes[id]
	if !ok || note.OwnerID != ownerID {
		return Note{}, ErrNotFound
	}
	if upd.Title != nil {
		note.Title = *upd.Title
	}
	if upd.Content != nil {
		note.Content = *upd.Content
	}
	if upd.FolderID != nil {
		note.FolderID = *upd.FolderID
	}
	note.UpdatedAt = time.Now()
	s.notes[id] = note
	return note, nil
}

func (s *MemoryStore) DeleteNote(ctx context.Context, ownerID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	note, ok := s.notes[id]
	if !ok || note.OwnerID != ownerID {
		return ErrNotFound
	}
	delete(s.notes, id)
	return nil
}

func (s *MemoryStore) GetNote(ctx context.Context, ownerID, id string) (Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	note, ok := s.notes[id]
	if !ok || note.OwnerID != ownerID {
		return Note{}, ErrNotFound
	}
	return note, nil
}

func (s *MemoryStore) SearchNotes(ctx context.Context, ownerID, query string, limit int) ([]Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 20
	}
	q := strings.ToLower(query)
	var out []Note
	for _, n := range s.notes {
		if n.OwnerID != ownerID {
			continue
		}
		if strings.Contains(strings.ToLower(n.Title), q) ||
			strings.Contains(strings.ToLower(n.Content), q) {
			out = append(out, n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
