// Package provider defines the unified interface and shared types for the
// generation backends. Each adapter (gemini.go, openai.go, anthropic.go)
// implements Provider, normalizing vendor-specific streaming responses into a
// unified Event sequence.
package provider

import (
	"context"
)

// ── Request types ────────────────────────────────────────────────────────────

// GenerateRequest is the unified request sent to a provider. The payload is a
// single user-role message; any document context is already folded into
// Prompt as plain text.
type GenerateRequest struct {
	Model             string
	Prompt            string
	SystemInstruction string
	MaxTokens         int
}

// ── Event types (streaming output) ───────────────────────────────────────────

type EventType int

const (
	// EventTextDelta: one fragment of generated text, in delivery order.
	EventTextDelta EventType = iota

	// EventDone: the stream ended normally, includes token usage.
	EventDone

	// EventError: the stream failed. No further events follow.
	EventError
)

func (t EventType) String() string {
	switch t {
	case EventTextDelta:
		return "text_delta"
	case EventDone:
		return "done"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is the unified streaming event emitted by a provider.
type Event struct {
	Type EventType

	// EventTextDelta
	TextDelta string

	// EventDone
	Usage *Usage

	// EventError
	Error error
}

// Usage records token consumption for an API call.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// ── Provider interface ───────────────────────────────────────────────────────

// Provider is the unified interface for all generation backends.
// Implementors are responsible for:
// 1. Converting GenerateRequest into the vendor's request format
// 2. Converting the vendor's streaming response into a unified Event sequence
type Provider interface {
	// Generate opens a streaming generation.
	// The returned channel emits Events until EventDone or EventError, then closes.
	// The caller must fully consume the channel (or cancel ctx and drain it)
	// to avoid goroutine leaks.
	Generate(ctx context.Context, req *GenerateRequest) (<-chan Event, error)

	// Name returns the provider identifier, e.g. "gemini", "openai", "anthropic".
	Name() string

	// DefaultModel returns the model used when the request leaves Model empty.
	DefaultModel() string
}

// send delivers ev unless ctx is done. It reports whether the receiver is
// still listening.
func send(ctx context.Context, ch chan<- Event, ev Event) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
