package session

import (
	"context"
	"errors"
	"path/filepath"
	"reflect"
	"testing"
	"time"
)

// storeFactories lists the backends that run without an external server.
// Postgres and Redis share the same contract and are exercised in
// integration environments only.
func storeFactories() map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemoryStore() },
		"sqlite": func(t *testing.T) Store {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
			if err != nil {
				t.Fatalf("NewSQLiteStore: %v", err)
			}
			return s
		},
		"json": func(t *testing.T) Store {
			s, err := NewJSONFileStore(filepath.Join(t.TempDir(), "sessions.json"))
			if err != nil {
				t.Fatalf("NewJSONFileStore: %v", err)
			}
			return s
		},
		"pebble": func(t *testing.T) Store {
			s, err := NewPebbleStore(filepath.Join(t.TempDir(), "pebble"))
			if err != nil {
				t.Fatalf("NewPebbleStore: %v", err)
			}
			return s
		},
	}
}

func forEachStore(t *testing.T, fn func(t *testing.T, s Store)) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			s := factory(t)
			t.Cleanup(func() { s.Close() })
			fn(t, s)
		})
	}
}

func sampleSession(id string, updated int64, texts ...string) ChatSession {
	msgs := []Message{{ID: WelcomeID, Role: RoleSystem, Content: "Welcome!"}}
	for i, text := range texts {
		role := RoleUser
		if i%2 == 1 {
			role = RoleModel
		}
		msgs = append(msgs, Message{ID: id + "-" + string(role) + "-" + text, Role: role, Content: text})
	}
	return ChatSession{
		ID:          id,
		UserID:      "user-1",
		Title:       GenerateTitle(msgs, time.UnixMilli(updated)),
		LastUpdated: updated,
		Messages:    msgs,
	}
}

func TestStoreUpsertAndGet(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		want := sampleSession("chat-1", 1000, "hello", "hi there")
		if err := s.Upsert(ctx, want); err != nil {
			t.Fatalf("Upsert: %v", err)
		}
		got, err := s.Get(ctx, "chat-1")
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("Get = %+v, want %+v", got, want)
		}
	})
}

func TestStoreUpsertIdempotent(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		sess := sampleSession("chat-1", 1000, "hello", "hi")
		for range 2 {
			if err := s.Upsert(ctx, sess); err != nil {
				t.Fatalf("Upsert: %v", err)
			}
		}
		all, err := s.ListAll(ctx)
		if err != nil {
			t.Fatalf("ListAll: %v", err)
		}
		if len(all) != 1 {
			t.Fatalf("ListAll len = %d, want 1", len(all))
		}
		if !reflect.DeepEqual(all[0], sess) {
			t.Errorf("stored = %+v, want %+v", all[0], sess)
		}
	})
}

func TestStoreUpsertReplaces(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if err := s.Upsert(ctx, sampleSession("chat-1", 1000, "v1", "a1", "v1b")); err != nil {
			t.Fatal(err)
		}
		replacement := sampleSession("chat-1", 2000, "v2")
		if err := s.Upsert(ctx, replacement); err != nil {
			t.Fatal(err)
		}
		got, err := s.Get(ctx, "chat-1")
		if err != nil {
			t.Fatal(err)
		}
		if len(got.Messages) != 2 {
			t.Errorf("messages len = %d, want 2 (full replace, not merge)", len(got.Messages))
		}
		if got.LastUpdated != 2000 {
			t.Errorf("LastUpdated = %d, want 2000", got.LastUpdated)
		}
	})
}

func TestStoreListOrderedByRecent(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		for _, sess := range []ChatSession{
			sampleSession("older", 1000, "a"),
			sampleSession("newest", 3000, "c"),
			sampleSession("middle", 2000, "b"),
		} {
			if err := s.Upsert(ctx, sess); err != nil {
				t.Fatal(err)
			}
		}
		all, err := s.ListAll(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if got := ids(all); !reflect.DeepEqual(got, []string{"newest", "middle", "older"}) {
			t.Errorf("ListAll order = %v", got)
		}
	})
}

func TestStoreDelete(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		if err := s.Upsert(ctx, sampleSession("del-me", 1000, "x")); err != nil {
			t.Fatal(err)
		}
		if err := s.Delete(ctx, "del-me"); err != nil {
			t.Fatalf("Delete: %v", err)
		}
		if _, err := s.Get(ctx, "del-me"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get after delete err = %v, want ErrNotFound", err)
		}
		if err := s.Delete(ctx, "del-me"); !errors.Is(err, ErrNotFound) {
			t.Errorf("second Delete err = %v, want ErrNotFound", err)
		}
		all, err := s.ListAll(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if len(all) != 0 {
			t.Errorf("ListAll after delete = %v", ids(all))
		}
	})
}

func TestStoreUpdateTitle(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		orig := sampleSession("chat-1", 1000, "hello")
		if err := s.Upsert(ctx, orig); err != nil {
			t.Fatal(err)
		}
		if err := s.UpdateTitle(ctx, "chat-1", "Renamed"); err != nil {
			t.Fatalf("UpdateTitle: %v", err)
		}
		got, err := s.Get(ctx, "chat-1")
		if err != nil {
			t.Fatal(err)
		}
		if got.Title != "Renamed" {
			t.Errorf("Title = %q, want %q", got.Title, "Renamed")
		}
		if !reflect.DeepEqual(got.Messages, orig.Messages) || got.LastUpdated != orig.LastUpdated {
			t.Error("UpdateTitle must not touch messages or timestamp")
		}
		if err := s.UpdateTitle(ctx, "missing", "x"); !errors.Is(err, ErrNotFound) {
			t.Errorf("UpdateTitle(missing) err = %v, want ErrNotFound", err)
		}
	})
}

func TestStoreRejectsInvalidSessions(t *testing.T) {
	forEachStore(t, func(t *testing.T, s Store) {
		ctx := context.Background()
		var pe *PersistenceError
		if err := s.Upsert(ctx, ChatSession{ID: "empty"}); !errors.As(err, &pe) {
			t.Errorf("Upsert(no messages) err = %v, want PersistenceError", err)
		}
		if err := s.Upsert(ctx, ChatSession{Messages: []Message{{Role: RoleUser, Content: "x"}}}); !errors.As(err, &pe) {
			t.Errorf("Upsert(no id) err = %v, want PersistenceError", err)
		}
	})
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.db")
	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Upsert(context.Background(), sampleSession("keep", 1000, "persist me")); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s2, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()
	got, err := s2.Get(context.Background(), "keep")
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if got.Messages[1].Content != "persist me" {
		t.Errorf("content = %q", got.Messages[1].Content)
	}
}
