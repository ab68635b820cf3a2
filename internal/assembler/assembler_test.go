package assembler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/codexadarsh/edumentor-fullstack/internal/provider"
	"github.com/codexadarsh/edumentor-fullstack/internal/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m, goleak.IgnoreTopFunction("go.opencensus.io/stats/view.(*worker).start"))
}

// scriptedProvider replays one event script per Generate call. openErrs[i],
// when set, makes the i-th call fail before a stream is returned.
type scriptedProvider struct {
	mu       sync.Mutex
	scripts  [][]provider.Event
	openErrs []error
	calls    int
}

func (p *scriptedProvider) Name() string         { return "scripted" }
func (p *scriptedProvider) DefaultModel() string { return "test-model" }

func (p *scriptedProvider) Generate(ctx context.Context, _ *provider.GenerateRequest) (<-chan provider.Event, error) {
	p.mu.Lock()
	idx := p.calls
	p.calls++
	p.mu.Unlock()

	if idx < len(p.openErrs) && p.openErrs[idx] != nil {
		return nil, p.openErrs[idx]
	}
	script := p.scripts[min(idx, len(p.scripts)-1)]
	ch := make(chan provider.Event)
	go func() {
		defer close(ch)
		for _, ev := range script {
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

func (p *scriptedProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// endlessProvider emits "x" until its context is cancelled.
type endlessProvider struct{}

func (endlessProvider) Name() string         { return "endless" }
func (endlessProvider) DefaultModel() string { return "test-model" }

func (endlessProvider) Generate(ctx context.Context, _ *provider.GenerateRequest) (<-chan provider.Event, error) {
	ch := make(chan provider.Event)
	go func() {
		defer close(ch)
		for {
			select {
			case ch <- provider.Event{Type: provider.EventTextDelta, TextDelta: "x"}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// recordingTarget keeps messages in a slice and turns stale once rejectAt
// fragments have been accepted (0 = never).
type recordingTarget struct {
	mu        sync.Mutex
	token     uint64
	messages  []session.Message
	applied   int
	rejectAt  int
	completed bool
	failErr   error
	onAppend  func(n int)
}

func (t *recordingTarget) index(id string) int {
	for i := range t.messages {
		if t.messages[i].ID == id {
			return i
		}
	}
	return -1
}

func (t *recordingTarget) StartMessage(token uint64, msg session.Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if token != t.token {
		return false
	}
	t.messages = append(t.messages, msg)
	return true
}

func (t *recordingTarget) AppendFragment(token uint64, id, fragment string) bool {
	t.mu.Lock()
	if token != t.token || (t.rejectAt > 0 && t.applied >= t.rejectAt) {
		t.mu.Unlock()
		return false
	}
	t.messages[t.index(id)].Content += fragment
	t.applied++
	n, hook := t.applied, t.onAppend
	t.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	return true
}

func (t *recordingTarget) CompleteMessage(token uint64, id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if token != t.token {
		return false
	}
	t.completed = true
	return true
}

func (t *recordingTarget) FailMessage(token uint64, id, marker string, err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if token != t.token || (t.rejectAt > 0 && t.applied >= t.rejectAt) {
		return false
	}
	t.messages[t.index(id)].Content = marker
	t.failErr = err
	return true
}

func deltas(parts ...string) []provider.Event {
	evs := make([]provider.Event, 0, len(parts)+1)
	for _, p := range parts {
		evs = append(evs, provider.Event{Type: provider.EventTextDelta, TextDelta: p})
	}
	return evs
}

func done(evs []provider.Event) []provider.Event {
	return append(evs, provider.Event{Type: provider.EventDone, Usage: &provider.Usage{InputTokens: 3, OutputTokens: 4}})
}

func noDelay(int) time.Duration { return 0 }

func TestRunConcatenatesFragments(t *testing.T) {
	const want = "TCP guarantees ordered delivery — ünïcode ✓"
	tests := []struct {
		name  string
		parts []string
	}{
		{"single fragment", []string{want}},
		{"byte-sized", strings.Split(want, "")},
		{"uneven", []string{"TCP gua", "rantees ordered ", "", "delivery — ünï", "code ✓"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &scriptedProvider{scripts: [][]provider.Event{done(deltas(tt.parts...))}}
			target := &recordingTarget{token: 1}
			var seen strings.Builder

			a := New(p, Options{Delay: noDelay})
			msg, err := a.Run(context.Background(), target, 1, &provider.GenerateRequest{Prompt: "q"}, func(s string) { seen.WriteString(s) })
			if err != nil {
				t.Fatalf("Run: %v", err)
			}
			if msg.Content != want {
				t.Errorf("returned content = %q, want %q", msg.Content, want)
			}
			if got := target.messages[0].Content; got != want {
				t.Errorf("target content = %q, want %q", got, want)
			}
			if seen.String() != want {
				t.Errorf("observer saw %q", seen.String())
			}
			if msg.Role != session.RoleModel || !target.completed {
				t.Errorf("role = %q completed = %v", msg.Role, target.completed)
			}
		})
	}
}

func TestRunStreamErrorReplacesContent(t *testing.T) {
	boom := errors.New("invalid argument")
	script := append(deltas("partial ", "answer"), provider.Event{Type: provider.EventError, Error: boom})
	p := &scriptedProvider{scripts: [][]provider.Event{script}}
	target := &recordingTarget{token: 7}

	msg, err := New(p, Options{Delay: noDelay}).Run(context.Background(), target, 7, &provider.GenerateRequest{}, nil)

	var se *StreamError
	if !errors.As(err, &se) {
		t.Fatalf("err = %v, want *StreamError", err)
	}
	if !errors.Is(err, boom) {
		t.Errorf("StreamError should wrap the provider error")
	}
	if se.MessageID != msg.ID {
		t.Errorf("StreamError.MessageID = %q, want %q", se.MessageID, msg.ID)
	}
	if got := target.messages[0].Content; got != ErrorMarker {
		t.Errorf("content = %q, want exactly the marker", got)
	}
	if msg.Content != ErrorMarker {
		t.Errorf("returned content = %q", msg.Content)
	}
	if p.Calls() != 1 {
		t.Errorf("provider called %d times; no retry after content", p.Calls())
	}
}

func TestRunPrematureClose(t *testing.T) {
	p := &scriptedProvider{scripts: [][]provider.Event{deltas("cut ", "off")}}
	target := &recordingTarget{token: 1}

	_, err := New(p, Options{Delay: noDelay}).Run(context.Background(), target, 1, &provider.GenerateRequest{}, nil)
	if !errors.Is(err, errPrematureClose) {
		t.Fatalf("err = %v, want premature close", err)
	}
	if target.messages[0].Content != ErrorMarker {
		t.Errorf("content = %q", target.messages[0].Content)
	}
}

func TestRunRetriesOpenBeforeFirstFragment(t *testing.T) {
	p := &scriptedProvider{
		openErrs: []error{errors.New("503 service unavailable")},
		scripts: [][]provider.Event{
			nil, // first call fails to open
			{{Type: provider.EventError, Error: errors.New("429 rate limit")}},
			done(deltas("ok")),
		},
	}
	target := &recordingTarget{token: 1}

	msg, err := New(p, Options{Delay: noDelay}).Run(context.Background(), target, 1, &provider.GenerateRequest{}, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if msg.Content != "ok" {
		t.Errorf("content = %q", msg.Content)
	}
	if p.Calls() != 3 {
		t.Errorf("provider calls = %d, want 3", p.Calls())
	}
	if len(target.messages) != 1 {
		t.Errorf("retries must reuse the placeholder, got %d messages", len(target.messages))
	}
}

func TestRunRetryPolicy(t *testing.T) {
	tests := []struct {
		name       string
		openErr    error
		maxRetries int
		wantCalls  int
	}{
		{"permanent error is not retried", errors.New("401 unauthorized"), 0, 1},
		{"retries disabled", errors.New("503 service unavailable"), -1, 1},
		{"retries exhausted", errors.New("503 service unavailable"), 2, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &scriptedProvider{
				openErrs: []error{tt.openErr, tt.openErr, tt.openErr, tt.openErr, tt.openErr},
				scripts:  [][]provider.Event{done(nil)},
			}
			target := &recordingTarget{token: 1}
			_, err := New(p, Options{MaxRetries: tt.maxRetries, Delay: noDelay}).Run(context.Background(), target, 1, &provider.GenerateRequest{}, nil)
			var se *StreamError
			if !errors.As(err, &se) {
				t.Fatalf("err = %v, want *StreamError", err)
			}
			if p.Calls() != tt.wantCalls {
				t.Errorf("calls = %d, want %d", p.Calls(), tt.wantCalls)
			}
		})
	}
}

func TestRunSupersededMidStream(t *testing.T) {
	target := &recordingTarget{token: 1, rejectAt: 2}

	msg, err := New(endlessProvider{}, Options{}).Run(context.Background(), target, 1, &provider.GenerateRequest{}, nil)
	if !errors.Is(err, ErrSuperseded) {
		t.Fatalf("err = %v, want ErrSuperseded", err)
	}
	if msg.ID != "" {
		t.Errorf("superseded run returned message %q", msg.ID)
	}
	if got := target.messages[0].Content; got != "xx" {
		t.Errorf("content = %q; fragments after rejection must not be applied", got)
	}
	if target.failErr != nil || target.completed {
		t.Error("a superseded stream must not settle the message")
	}
}

func TestRunStaleTokenNeverStarts(t *testing.T) {
	p := &scriptedProvider{scripts: [][]provider.Event{done(deltas("x"))}}
	target := &recordingTarget{token: 2}

	_, err := New(p, Options{}).Run(context.Background(), target, 1, &provider.GenerateRequest{}, nil)
	if !errors.Is(err, ErrSuperseded) {
		t.Fatalf("err = %v, want ErrSuperseded", err)
	}
	if p.Calls() != 0 || len(target.messages) != 0 {
		t.Errorf("stale run opened a stream (calls=%d, messages=%d)", p.Calls(), len(target.messages))
	}
}

func TestRunCallerCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	target := &recordingTarget{token: 1}
	target.onAppend = func(n int) {
		if n == 3 {
			cancel()
		}
	}

	_, err := New(endlessProvider{}, Options{}).Run(ctx, target, 1, &provider.GenerateRequest{}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if target.messages[0].Content != ErrorMarker {
		t.Errorf("cancelled stream content = %q, want marker", target.messages[0].Content)
	}
}
