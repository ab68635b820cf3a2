package tui

import (
	"context"
	"io"
	"sync"

	tea "github.com/charmbracelet/bubbletea"
)

// TuiIO implements IO by sending messages to a bubbletea Program.
// All methods are safe to call from any goroutine.
type TuiIO struct {
	program *tea.Program
	inputCh chan inputResult

	mu         sync.Mutex
	cancelTurn context.CancelFunc
}

var _ IO = (*TuiIO)(nil)

// send is nil-safe so fire-and-forget methods never panic without a program.
func (t *TuiIO) send(msg tea.Msg) {
	if t.program != nil {
		t.program.Send(msg)
	}
}

func (t *TuiIO) ReadInput() (string, error) {
	if t.program == nil {
		return "", io.EOF
	}
	t.program.Send(readInputMsg{})

	// Block until the user submits or the TUI exits.
	res := <-t.inputCh
	if res.err != nil {
		return "", io.EOF
	}
	return res.text, nil
}

func (t *TuiIO) UserMessage(text string)  { t.send(userMsg{text: text}) }
func (t *TuiIO) ThinkingStart()           { t.send(thinkingStartMsg{}) }
func (t *TuiIO) TextDelta(delta string)   { t.send(textDeltaMsg{delta: delta}) }
func (t *TuiIO) TextDone(fullText string) { t.send(textDoneMsg{fullText: fullText}) }
func (t *TuiIO) SystemMessage(text string) {
	t.send(systemMsg{text: text})
}
func (t *TuiIO) Error(msg string) { t.send(errorMsg{text: msg}) }

func (t *TuiIO) SetStatus(sessionID, document string) {
	t.send(statusMsg{sessionID: sessionID, document: document})
}

// SetTurnCancel registers the cancel function of the answer being streamed.
func (t *TuiIO) SetTurnCancel(cancel context.CancelFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelTurn = cancel
}

// ClearTurnCancel forgets the cancel function once the answer settled.
func (t *TuiIO) ClearTurnCancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelTurn = nil
}

// CancelTurn cancels the answer being streamed. It reports whether there was
// one.
func (t *TuiIO) CancelTurn() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelTurn != nil {
		t.cancelTurn()
		t.cancelTurn = nil
		return true
	}
	return false
}

// TurnCanceller is implemented by IOs that let the user abort an answer.
type TurnCanceller interface {
	SetTurnCancel(cancel context.CancelFunc)
	ClearTurnCancel()
}

var _ TurnCanceller = (*TuiIO)(nil)
