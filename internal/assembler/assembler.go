// Package assembler folds a provider's fragment stream into one model message
// that grows in place while the stream is active.
package assembler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/codexadarsh/edumentor-fullstack/internal/logging"
	"github.com/codexadarsh/edumentor-fullstack/internal/metrics"
	"github.com/codexadarsh/edumentor-fullstack/internal/provider"
	"github.com/codexadarsh/edumentor-fullstack/internal/session"
)

// ErrorMarker replaces the content of a message whose stream failed.
const ErrorMarker = "⚠️ Error generating response."

// ErrSuperseded is returned when the Target stopped accepting the stream's
// token, typically because the user started or loaded another chat. The
// stream is cancelled and no message is touched.
var ErrSuperseded = errors.New("stream superseded")

var errPrematureClose = errors.New("stream closed without completion")

// StreamError reports a generation failure. The affected message's content
// has been replaced with ErrorMarker.
type StreamError struct {
	MessageID string
	Err       error
}

func (e *StreamError) Error() string {
	return fmt.Sprintf("stream error: %v", e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// Target owns the message list the stream is written into. Every call carries
// the stream's token; a Target returns false once the token is stale and the
// Assembler then abandons the stream.
type Target interface {
	// StartMessage appends the empty placeholder message.
	StartMessage(token uint64, msg session.Message) bool
	// AppendFragment appends text verbatim to the message content.
	AppendFragment(token uint64, msgID, fragment string) bool
	// CompleteMessage marks the content final.
	CompleteMessage(token uint64, msgID string) bool
	// FailMessage replaces the content with marker and records err.
	FailMessage(token uint64, msgID, marker string, err error) bool
}

// Options configures an Assembler.
type Options struct {
	// MaxRetries bounds stream-open retries on transient errors. Negative
	// disables retries; zero uses the default.
	MaxRetries int
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
	// Delay overrides the back-off schedule.
	Delay func(attempt int) time.Duration
}

type Assembler struct {
	provider   provider.Provider
	maxRetries int
	delay      func(attempt int) time.Duration
	logger     *zap.Logger
	metrics    *metrics.Metrics
}

func New(p provider.Provider, opts Options) *Assembler {
	maxRetries := opts.MaxRetries
	switch {
	case maxRetries == 0:
		maxRetries = defaultMaxRetries
	case maxRetries < 0:
		maxRetries = 0
	}
	delay := opts.Delay
	if delay == nil {
		delay = retryDelay
	}
	return &Assembler{
		provider:   p,
		maxRetries: maxRetries,
		delay:      delay,
		logger:     logging.OrNop(opts.Logger),
		metrics:    opts.Metrics,
	}
}

// Provider returns the backend streams are opened against.
func (a *Assembler) Provider() provider.Provider { return a.provider }

// Run streams req into a new model message on target. onFragment, when set,
// observes each applied fragment after the Target accepted it.
//
// It returns the settled message and nil on success, the marker message and a
// *StreamError on failure, or ErrSuperseded when target rejected the token.
func (a *Assembler) Run(ctx context.Context, target Target, token uint64, req *provider.GenerateRequest, onFragment func(string)) (session.Message, error) {
	msg := session.NewMessage(session.RoleModel, "")
	if !target.StartMessage(token, msg) {
		return session.Message{}, ErrSuperseded
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	log := a.logger.With(zap.String("message", msg.ID), zap.String("provider", a.provider.Name()))
	start := time.Now()
	a.metrics.StreamStarted(a.provider.Name())
	log.Debug("stream started")

	var content strings.Builder
	usage := &provider.Usage{}
	var streamErr error

	for attempt := 0; attempt <= a.maxRetries; attempt++ {
		streamErr = nil
		received, done := false, false

		events, err := a.provider.Generate(ctx, req)
		if err != nil {
			streamErr = err
		} else {
			for ev := range events {
				switch ev.Type {
				case provider.EventTextDelta:
					if ev.TextDelta == "" {
						continue
					}
					received = true
					if !target.AppendFragment(token, msg.ID, ev.TextDelta) {
						cancel()
						drain(events)
						a.superseded(log, start)
						return session.Message{}, ErrSuperseded
					}
					content.WriteString(ev.TextDelta)
					a.metrics.Fragment()
					if onFragment != nil {
						onFragment(ev.TextDelta)
					}
				case provider.EventDone:
					done = true
					if ev.Usage != nil {
						usage = ev.Usage
					}
				case provider.EventError:
					streamErr = ev.Error
				}
			}
			if streamErr == nil && !done {
				streamErr = errPrematureClose
				if ctx.Err() != nil {
					streamErr = ctx.Err()
				}
			}
		}

		// Retry only while nothing has been applied to the message.
		if streamErr == nil || received || attempt == a.maxRetries || !isRetryableError(streamErr) {
			break
		}
		d := a.delay(attempt)
		log.Warn("retrying stream open",
			zap.Int("attempt", attempt+1), zap.Duration("delay", d), zap.Error(streamErr))
		a.metrics.StreamRetried()
		if err := sleepWithContext(ctx, d); err != nil {
			streamErr = err
			break
		}
	}

	if streamErr != nil {
		se := &StreamError{MessageID: msg.ID, Err: streamErr}
		if !target.FailMessage(token, msg.ID, ErrorMarker, se) {
			a.superseded(log, start)
			return session.Message{}, ErrSuperseded
		}
		a.metrics.StreamFinished(metrics.OutcomeFailed, time.Since(start))
		log.Warn("stream failed", zap.Error(streamErr), zap.Int("discarded_bytes", content.Len()))
		msg.Content = ErrorMarker
		return msg, se
	}

	if !target.CompleteMessage(token, msg.ID) {
		a.superseded(log, start)
		return session.Message{}, ErrSuperseded
	}
	a.metrics.StreamFinished(metrics.OutcomeDone, time.Since(start))
	log.Debug("stream completed",
		zap.Int("bytes", content.Len()),
		zap.Int("input_tokens", usage.InputTokens),
		zap.Int("output_tokens", usage.OutputTokens),
		zap.Duration("elapsed", time.Since(start)))
	msg.Content = content.String()
	return msg, nil
}

func (a *Assembler) superseded(log *zap.Logger, start time.Time) {
	a.metrics.StreamFinished(metrics.OutcomeSuperseded, time.Since(start))
	log.Debug("stream superseded")
}

// drain consumes the rest of a cancelled stream so the provider goroutine
// can exit.
func drain(events <-chan provider.Event) {
	for range events {
	}
}
