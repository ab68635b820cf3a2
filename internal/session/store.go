package session

import (
	"context"
	"errors"
	"fmt"
)

// Store abstracts durable session persistence (SQLite, Pebble, Postgres, ...).
//
// Upsert must be atomic per id and fully replace the stored session.
// ListAll must reflect every Upsert/Delete that has already returned nil.
type Store interface {
	ListAll(ctx context.Context) ([]ChatSession, error)
	Upsert(ctx context.Context, s ChatSession) error
	Delete(ctx context.Context, id string) error
	UpdateTitle(ctx context.Context, id, title string) error
	Get(ctx context.Context, id string) (ChatSession, error)
	Close() error
}

// ErrNotFound is returned when no session exists for an id.
var ErrNotFound = errors.New("session not found")

// PersistenceError reports a failed store operation.
type PersistenceError struct {
	Op  string // "list", "upsert", "delete", "update_title", "get"
	ID  string
	Err error
}

func (e *PersistenceError) Error() string {
	if e.ID == "" {
		return fmt.Sprintf("session store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("session store %s %s: %v", e.Op, e.ID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func persistErr(op, id string, err error) error {
	if err == nil {
		return nil
	}
	var pe *PersistenceError
	if errors.As(err, &pe) {
		return err
	}
	return &PersistenceError{Op: op, ID: id, Err: err}
}

// validate rejects sessions that must never be persisted.
func validate(s ChatSession) error {
	if s.ID == "" {
		return errors.New("session id is empty")
	}
	if len(s.Messages) == 0 {
		return errors.New("session has no messages")
	}
	return nil
}
