// Package tui defines the IO interface between the chat loop and the user
// interface layer, plus PlainIO (terminal fallback) and TuiIO (bubbletea).
package tui

// IO is the contract between the chat loop and the UI layer.
// Each method maps to one visual event so the loop never depends on a
// specific rendering implementation.
type IO interface {
	// ReadInput blocks until the user submits a line of input.
	// Returns ("", io.EOF) when the user quits.
	ReadInput() (string, error)

	// UserMessage displays the user's submitted message.
	UserMessage(text string)

	// ThinkingStart signals that a request was sent and no text arrived yet.
	ThinkingStart()

	// TextDelta appends an incremental chunk of the model's answer.
	TextDelta(delta string)

	// TextDone signals that the answer is complete. fullText is the settled
	// message content (the error marker when the stream failed).
	TextDone(fullText string)

	// SystemMessage displays a notice such as the welcome text or
	// command feedback.
	SystemMessage(text string)

	// Error displays an error with prominent styling.
	Error(msg string)

	// SetStatus updates the session id and attached document shown in the
	// status area. Empty values clear the field.
	SetStatus(sessionID, document string)
}
