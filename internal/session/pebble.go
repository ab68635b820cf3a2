package session

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
)

const pebbleKeyPrefix = "session:"

// PebbleStore keeps each session as one JSON value under "session:<id>".
type PebbleStore struct {
	db *pebble.DB
	// serializes read-modify-write operations (UpdateTitle, Delete)
	mu sync.Mutex
}

var _ Store = (*PebbleStore)(nil)

// NewPebbleStore opens (or creates) a Pebble database in dir.
func NewPebbleStore(dir string) (*PebbleStore, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	return &PebbleStore{db: db}, nil
}

func pebbleKey(id string) []byte {
	return []byte(pebbleKeyPrefix + id)
}

func (p *PebbleStore) Upsert(_ context.Context, s ChatSession) error {
	if err := validate(s); err != nil {
		return persistErr("upsert", s.ID, err)
	}
	data, err := json.Marshal(s)
	if err != nil {
		return persistErr("upsert", s.ID, fmt.Errorf("marshal session: %w", err))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return persistErr("upsert", s.ID, p.db.Set(pebbleKey(s.ID), data, pebble.Sync))
}

func (p *PebbleStore) get(id string) (ChatSession, error) {
	v, closer, err := p.db.Get(pebbleKey(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return ChatSession{}, ErrNotFound
	}
	if err != nil {
		return ChatSession{}, err
	}
	defer closer.Close()
	var s ChatSession
	if err := json.Unmarshal(v, &s); err != nil {
		return ChatSession{}, fmt.Errorf("unmarshal session: %w", err)
	}
	return s, nil
}

func (p *PebbleStore) Get(_ context.Context, id string) (ChatSession, error) {
	s, err := p.get(id)
	if errors.Is(err, ErrNotFound) {
		return ChatSession{}, err
	}
	if err != nil {
		return ChatSession{}, persistErr("get", id, err)
	}
	return s, nil
}

func (p *PebbleStore) ListAll(_ context.Context) ([]ChatSession, error) {
	prefix := []byte(pebbleKeyPrefix)
	iter, err := p.db.NewIter(&pebble.IterOptions{})
	if err != nil {
		return nil, persistErr("list", "", err)
	}
	defer iter.Close()

	var out []ChatSession
	for iter.SeekGE(prefix); iter.Valid(); iter.Next() {
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		var s ChatSession
		if err := json.Unmarshal(iter.Value(), &s); err != nil {
			return nil, persistErr("list", "", fmt.Errorf("unmarshal %s: %w", iter.Key(), err))
		}
		out = append(out, s)
	}
	if err := iter.Error(); err != nil {
		return nil, persistErr("list", "", err)
	}
	SortByRecent(out)
	return out, nil
}

func (p *PebbleStore) Delete(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.get(id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return persistErr("delete", id, err)
	}
	return persistErr("delete", id, p.db.Delete(pebbleKey(id), pebble.Sync))
}

func (p *PebbleStore) UpdateTitle(_ context.Context, id, title string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.get(id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return persistErr("update_title", id, err)
	}
	s.Title = title
	data, err := json.Marshal(s)
	if err != nil {
		return persistErr("update_title", id, err)
	}
	return persistErr("update_title", id, p.db.Set(pebbleKey(id), data, pebble.Sync))
}

func (p *PebbleStore) Close() error {
	return p.db.Close()
}
