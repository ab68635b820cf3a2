// Package session holds the chat data model (messages and persisted chat
// sessions), the title generator, and the Store contract with its backends.
package session

import (
	"time"

	"github.com/google/uuid"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser   Role = "user"
	RoleModel  Role = "model"
	RoleSystem Role = "system"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleModel, RoleSystem:
		return true
	}
	return false
}

// WelcomeID is the id of the system message every fresh chat starts with.
const WelcomeID = "init"

// Message is a single entry in a chat transcript.
type Message struct {
	ID      string `json:"id"`
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// NewMessage creates a message with a unique, role-prefixed id.
func NewMessage(role Role, content string) Message {
	return Message{
		ID:      string(role) + "-" + uuid.NewString(),
		Role:    role,
		Content: content,
	}
}

// ChatSession is one persisted conversation.
type ChatSession struct {
	ID          string    `json:"id"`
	UserID      string    `json:"userId,omitempty"`
	Title       string    `json:"title"`
	LastUpdated int64     `json:"lastUpdated"` // epoch milliseconds
	Messages    []Message `json:"messages"`
}

// UpdatedAt returns LastUpdated as a time.Time.
func (s ChatSession) UpdatedAt() time.Time {
	return time.UnixMilli(s.LastUpdated)
}

// Clone returns a deep copy so callers never share the message slice.
func (s ChatSession) Clone() ChatSession {
	s.Messages = CloneMessages(s.Messages)
	return s
}

// CloneMessages copies a message list.
func CloneMessages(msgs []Message) []Message {
	if msgs == nil {
		return nil
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

// EpochMillis converts t to the persisted timestamp representation.
func EpochMillis(t time.Time) int64 {
	return t.UnixMilli()
}
