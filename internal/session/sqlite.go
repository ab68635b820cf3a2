package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS chat_sessions (
    id            TEXT PRIMARY KEY,
    user_id       TEXT NOT NULL DEFAULT '',
    title         TEXT NOT NULL,
    last_updated  INTEGER NOT NULL,
    message_count INTEGER NOT NULL DEFAULT 0,
    messages      TEXT NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS idx_chat_sessions_last_updated ON chat_sessions(last_updated);
`

// SQLiteStore implements Store backed by a SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// DefaultDBPath returns the default database path (~/.local/share/edumentor/sessions.db).
func DefaultDBPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "share", "edumentor", "sessions.db"), nil
}

// NewSQLiteStore opens (or creates) a SQLite database at dbPath and ensures the schema exists.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serializes writers; upserts stay atomic per id.
	db.SetMaxOpenConns(1)

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Upsert(ctx context.Context, sess ChatSession) error {
	if err := validate(sess); err != nil {
		return persistErr("upsert", sess.ID, err)
	}
	msgJSON, err := json.Marshal(sess.Messages)
	if err != nil {
		return persistErr("upsert", sess.ID, fmt.Errorf("marshal messages: %w", err))
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO chat_sessions (id, user_id, title, last_updated, message_count, messages)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			title = excluded.title,
			last_updated = excluded.last_updated,
			message_count = excluded.message_count,
			messages = excluded.messages`,
		sess.ID, sess.UserID, sess.Title, sess.LastUpdated, len(sess.Messages), string(msgJSON),
	)
	return persistErr("upsert", sess.ID, err)
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (ChatSession, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, title, last_updated, messages
		FROM chat_sessions WHERE id = ?`, id)

	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ChatSession{}, ErrNotFound
	}
	if err != nil {
		return ChatSession{}, persistErr("get", id, err)
	}
	return sess, nil
}

func (s *SQLiteStore) ListAll(ctx context.Context) ([]ChatSession, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, title, last_updated, messages
		FROM chat_sessions ORDER BY last_updated DESC, id ASC`)
	if err != nil {
		return nil, persistErr("list", "", err)
	}
	defer rows.Close()

	var out []ChatSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, persistErr("list", "", err)
		}
		out = append(out, sess)
	}
	return out, persistErr("list", "", rows.Err())
}

func (s *SQLiteStore) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, "DELETE FROM chat_sessions WHERE id = ?", id)
	if err != nil {
		return persistErr("delete", id, err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) UpdateTitle(ctx context.Context, id, title string) error {
	result, err := s.db.ExecContext(ctx, "UPDATE chat_sessions SET title = ? WHERE id = ?", title, id)
	if err != nil {
		return persistErr("update_title", id, err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(r rowScanner) (ChatSession, error) {
	var sess ChatSession
	var msgJSON string
	if err := r.Scan(&sess.ID, &sess.UserID, &sess.Title, &sess.LastUpdated, &msgJSON); err != nil {
		return ChatSession{}, err
	}
	if err := json.Unmarshal([]byte(msgJSON), &sess.Messages); err != nil {
		return ChatSession{}, fmt.Errorf("unmarshal messages: %w", err)
	}
	return sess, nil
}
