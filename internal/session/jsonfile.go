package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
)

// JSONFileStore keeps every session in one JSON array on disk, the layout a
// browser would keep under a single localStorage key. Each write rewrites the
// whole file through a temp file and rename, so a crash never leaves a
// half-written document behind.
type JSONFileStore struct {
	mu   sync.Mutex
	path string
}

var _ Store = (*JSONFileStore)(nil)

// DefaultJSONPath returns ~/.local/share/edumentor/chat_sessions.json.
func DefaultJSONPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "share", "edumentor", "chat_sessions.json"), nil
}

func NewJSONFileStore(path string) (*JSONFileStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	return &JSONFileStore{path: path}, nil
}

func (j *JSONFileStore) read() ([]ChatSession, error) {
	data, err := os.ReadFile(j.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var sessions []ChatSession
	if err := json.Unmarshal(data, &sessions); err != nil {
		return nil, fmt.Errorf("unmarshal sessions: %w", err)
	}
	return sessions, nil
}

func (j *JSONFileStore) write(sessions []ChatSession) error {
	data, err := json.MarshalIndent(sessions, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal sessions: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(j.path), ".sessions-*.json")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), j.path)
}

func (j *JSONFileStore) ListAll(_ context.Context) ([]ChatSession, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	sessions, err := j.read()
	if err != nil {
		return nil, persistErr("list", "", err)
	}
	SortByRecent(sessions)
	return sessions, nil
}

func (j *JSONFileStore) Upsert(_ context.Context, s ChatSession) error {
	if err := validate(s); err != nil {
		return persistErr("upsert", s.ID, err)
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	sessions, err := j.read()
	if err != nil {
		return persistErr("upsert", s.ID, err)
	}
	replaced := false
	for i := range sessions {
		if sessions[i].ID == s.ID {
			sessions[i] = s.Clone()
			replaced = true
			break
		}
	}
	if !replaced {
		sessions = append(sessions, s.Clone())
	}
	return persistErr("upsert", s.ID, j.write(sessions))
}

func (j *JSONFileStore) Delete(_ context.Context, id string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	sessions, err := j.read()
	if err != nil {
		return persistErr("delete", id, err)
	}
	kept := sessions[:0]
	for _, s := range sessions {
		if s.ID != id {
			kept = append(kept, s)
		}
	}
	if len(kept) == len(sessions) {
		return ErrNotFound
	}
	return persistErr("delete", id, j.write(kept))
}

func (j *JSONFileStore) UpdateTitle(_ context.Context, id, title string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	sessions, err := j.read()
	if err != nil {
		return persistErr("update_title", id, err)
	}
	for i := range sessions {
		if sessions[i].ID == id {
			sessions[i].Title = title
			return persistErr("update_title", id, j.write(sessions))
		}
	}
	return ErrNotFound
}

func (j *JSONFileStore) Get(_ context.Context, id string) (ChatSession, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	sessions, err := j.read()
	if err != nil {
		return ChatSession{}, persistErr("get", id, err)
	}
	for _, s := range sessions {
		if s.ID == id {
			return s, nil
		}
	}
	return ChatSession{}, ErrNotFound
}

func (j *JSONFileStore) Close() error { return nil }
