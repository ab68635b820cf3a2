package session

import (
	"context"
	"sync"
)

// MemoryStore keeps sessions in process memory. It backs tests and
// --store memory.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]ChatSession
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]ChatSession)}
}

func (m *MemoryStore) ListAll(_ context.Context) ([]ChatSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]ChatSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s.Clone())
	}
	SortByRecent(out)
	return out, nil
}

func (m *MemoryStore) Upsert(_ context.Context, s ChatSession) error {
	if err := validate(s); err != nil {
		return persistErr("upsert", s.ID, err)
	}
	m.mu.Lock()
	m.sessions[s.ID] = s.Clone()
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, id)
	return nil
}

func (m *MemoryStore) UpdateTitle(_ context.Context, id, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	s.Title = title
	m.sessions[id] = s
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (ChatSession, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return ChatSession{}, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) Close() error { return nil }
