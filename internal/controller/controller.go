// Package controller owns the current chat session: it creates, switches and
// resets sessions, runs streams through the assembler, and autosaves the
// message list to the session store.
package controller

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/codexadarsh/edumentor-fullstack/internal/assembler"
	"github.com/codexadarsh/edumentor-fullstack/internal/document"
	"github.com/codexadarsh/edumentor-fullstack/internal/logging"
	"github.com/codexadarsh/edumentor-fullstack/internal/metrics"
	"github.com/codexadarsh/edumentor-fullstack/internal/provider"
	"github.com/codexadarsh/edumentor-fullstack/internal/session"
)

var (
	// ErrBusy rejects a send or upload while a response is streaming.
	ErrBusy = errors.New("a response is still streaming")
	// ErrEmptyMessage rejects blank input.
	ErrEmptyMessage = errors.New("message is empty")
)

// State of the current session.
type State int

const (
	// StateEmpty: welcome message only, no id assigned.
	StateEmpty State = iota
	// StateActive: id assigned.
	StateActive
)

func (s State) String() string {
	if s == StateActive {
		return "active"
	}
	return "empty"
}

// Extractor turns uploaded bytes into document text.
type Extractor interface {
	Extract(ctx context.Context, data []byte) (document.Document, error)
}

// Options configures a Controller. Store and Assembler are required.
type Options struct {
	Store     session.Store
	Assembler *assembler.Assembler
	Extractor Extractor

	// UserID is stamped on saved sessions and scopes LoadChatByID.
	UserID string
	// UserName personalizes the welcome message.
	UserName string

	Model     string
	MaxTokens int
	// Persona replaces the built-in tutor persona for free chat.
	Persona string

	// AutosaveInterval throttles saves caused by fragments; 0 saves on every
	// fragment. Appends and stream settlement always save.
	AutosaveInterval time.Duration

	Logger  *zap.Logger
	Metrics *metrics.Metrics
	IDs     *IDSource
	Now     func() time.Time
}

// Snapshot is a deep copy of the controller's visible state.
type Snapshot struct {
	State        State
	SessionID    string
	Messages     []session.Message
	Streaming    bool
	Attaching    bool
	DocumentName string
	// StreamErr is the last generation failure until dismissed.
	StreamErr error
	// PersistErr is the last failed save, cleared by the next successful one.
	PersistErr error
}

type Controller struct {
	store     session.Store
	assembler *assembler.Assembler
	extractor Extractor
	userID    string
	userName  string
	model     string
	maxTokens int
	persona   string
	interval  time.Duration
	logger    *zap.Logger
	metrics   *metrics.Metrics
	ids       *IDSource
	now       func() time.Time

	mu        sync.Mutex
	state     State
	id        string
	messages  []session.Message
	title     string // user-chosen title; empty means generated
	docName   string
	docText   string
	streaming bool
	attaching bool
	streamErr error
	// epoch changes whenever the session is replaced; token identifies the
	// stream allowed to write (0 = none).
	epoch        uint64
	token        uint64
	nextToken    uint64
	cancel       context.CancelFunc
	saveSeq      uint64
	lastSaveAt   time.Time
	persistErr   error
	persistMu    sync.Mutex // guards persistErr reads outside mu
	saveMu       sync.Mutex
	attemptedSeq uint64 // guarded by saveMu
	// last session content handed to or loaded from the store
	savedID    string
	savedTitle string
	savedMsgs  []session.Message
}

func New(opts Options) *Controller {
	c := &Controller{
		store:     opts.Store,
		assembler: opts.Assembler,
		extractor: opts.Extractor,
		userID:    opts.UserID,
		userName:  opts.UserName,
		model:     opts.Model,
		maxTokens: opts.MaxTokens,
		persona:   opts.Persona,
		interval:  opts.AutosaveInterval,
		logger:    logging.OrNop(opts.Logger),
		metrics:   opts.Metrics,
		ids:       opts.IDs,
		now:       opts.Now,
	}
	if c.ids == nil {
		c.ids = defaultIDs
	}
	if c.now == nil {
		c.now = time.Now
	}
	if c.userID != "" {
		c.logger = c.logger.With(zap.String("user", c.userID))
	}
	c.messages = []session.Message{c.welcome()}
	return c
}

// WelcomeText is the greeting shown in a fresh chat.
func WelcomeText(name string) string {
	greeting := "Welcome!"
	if name = strings.TrimSpace(name); name != "" {
		greeting = "Welcome " + name + "!"
	}
	return greeting + " Upload a PDF to ask questions about it, or start chatting right away."
}

func (c *Controller) welcome() session.Message {
	return session.Message{ID: session.WelcomeID, Role: session.RoleSystem, Content: WelcomeText(c.userName)}
}

// Snapshot returns a deep copy of the current state.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Snapshot{
		State:        c.state,
		SessionID:    c.id,
		Messages:     session.CloneMessages(c.messages),
		Streaming:    c.streaming,
		Attaching:    c.attaching,
		DocumentName: c.docName,
		StreamErr:    c.streamErr,
		PersistErr:   c.lastPersistErr(),
	}
}

// DismissError clears the surfaced stream error.
func (c *Controller) DismissError() {
	c.mu.Lock()
	c.streamErr = nil
	c.mu.Unlock()
}

// SendMessage appends the user's message and streams the model's answer into
// a new message. In StateEmpty a session id is assigned first. onFragment,
// when non-nil, observes every fragment applied to the answer.
//
// It returns the settled model message. A failed stream returns the marker
// message together with an *assembler.StreamError; a stream cut short by
// NewChat, LoadChat or AttachDocument returns assembler.ErrSuperseded.
func (c *Controller) SendMessage(ctx context.Context, text string, onFragment func(string)) (session.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return session.Message{}, ErrEmptyMessage
	}

	c.mu.Lock()
	if c.streaming || c.attaching {
		c.mu.Unlock()
		return session.Message{}, ErrBusy
	}
	c.nextToken++
	token := c.nextToken
	c.token = token
	c.streaming = true
	c.streamErr = nil
	streamCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	needID := c.state == StateEmpty
	docText := c.docText
	c.mu.Unlock()
	defer cancel()

	var newID string
	if needID {
		newID = c.allocateID(ctx)
	}

	c.mu.Lock()
	if c.token != token {
		c.mu.Unlock()
		return session.Message{}, assembler.ErrSuperseded
	}
	if needID {
		c.id = newID
		c.state = StateActive
		c.logger.Info("session started", zap.String("session", newID))
	}
	c.messages = append(c.messages, session.NewMessage(session.RoleUser, text))
	save, ok := c.saveRequestLocked()
	c.mu.Unlock()
	if ok {
		c.persist(ctx, save)
	}

	req := &provider.GenerateRequest{
		Model:             c.model,
		Prompt:            provider.BuildPrompt(text, docText),
		SystemInstruction: provider.SystemInstruction(docText != "", c.persona),
		MaxTokens:         c.maxTokens,
	}
	return c.assembler.Run(streamCtx, streamTarget{c}, token, req, onFragment)
}

// NewChat cancels any in-flight stream, saves the current session when it
// holds more than the welcome message, then resets to a fresh StateEmpty chat
// and drops the document context. The reset always happens; a failed save is
// returned as a *session.PersistenceError afterwards.
func (c *Controller) NewChat(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.invalidateLocked()
	var err error
	if save, ok := c.saveRequestLocked(); ok {
		err = c.persist(ctx, save)
	}
	prev := c.id
	c.resetLocked()
	c.logger.Info("new chat", zap.String("previous", prev), zap.Bool("saved", err == nil))
	return err
}

// Discard resets to a fresh chat without saving. Used when the current
// session was deleted from the store and must not be written back.
func (c *Controller) Discard() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.invalidateLocked()
	c.resetLocked()
}

// Rename keeps title for the current session when its id is id, so later
// autosaves do not regenerate it. The store itself is updated by the caller.
func (c *Controller) Rename(id, title string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.id == id {
		c.title = title
	}
}

// Busy reports whether a stream or document upload is in progress.
func (c *Controller) Busy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streaming || c.attaching
}

// LoadChat replaces the current session with s. Document context is not part
// of a saved session and is cleared. Loading does not save.
func (c *Controller) LoadChat(ctx context.Context, s session.ChatSession) error {
	if s.ID == "" {
		return fmt.Errorf("load chat: session has no id")
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.invalidateLocked()
	c.state = StateActive
	c.id = s.ID
	c.messages = session.CloneMessages(s.Messages)
	if len(c.messages) == 0 {
		c.messages = []session.Message{c.welcome()}
	}
	c.title = ""
	if s.Title != "" && s.Title != session.GenerateTitle(s.Messages, s.UpdatedAt()) {
		c.title = s.Title
	}
	c.docName, c.docText = "", ""
	c.streamErr = nil
	c.markSavedLocked(session.CloneMessages(c.messages))
	c.logger.Info("chat loaded", zap.String("session", s.ID), zap.Int("messages", len(c.messages)))
	return nil
}

// LoadChatByID fetches a session owned by this controller's user and loads it.
// Sessions of any other owner, including the local user "", are reported as
// session.ErrNotFound.
func (c *Controller) LoadChatByID(ctx context.Context, id string) error {
	s, err := c.store.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			c.recordPersistErr("get", err)
		}
		return err
	}
	if s.UserID != c.userID {
		return session.ErrNotFound
	}
	return c.LoadChat(ctx, s)
}

// AttachDocument extracts a PDF and starts a fresh chat about it. The current
// session is saved first, as NewChat does. On failure the previous message
// list and document are restored and a *document.ParseError is returned.
func (c *Controller) AttachDocument(ctx context.Context, name string, data []byte) error {
	c.mu.Lock()
	if c.streaming || c.attaching {
		c.mu.Unlock()
		return ErrBusy
	}
	if c.extractor == nil {
		c.mu.Unlock()
		return fmt.Errorf("document upload is not configured")
	}
	c.invalidateLocked()
	epoch := c.epoch
	prev := struct {
		state            State
		id               string
		messages         []session.Message
		docName, docText string
	}{c.state, c.id, c.messages, c.docName, c.docText}
	c.attaching = true
	c.messages = []session.Message{{ID: session.WelcomeID, Role: session.RoleSystem, Content: "Processing PDF: " + name}}
	c.docName, c.docText = "", ""
	c.streamErr = nil
	c.mu.Unlock()

	doc, err := c.extractor.Extract(ctx, data)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.attaching = false
	if c.epoch != epoch {
		// NewChat or LoadChat ran meanwhile and owns the session now.
		return assembler.ErrSuperseded
	}
	if err == nil && doc.Empty() {
		err = &document.ParseError{Reason: "no extractable text (possibly scanned or image-only)"}
	}
	if err != nil {
		c.state, c.id, c.messages = prev.state, prev.id, prev.messages
		c.docName, c.docText = prev.docName, prev.docText
		c.metrics.Document(false)
		c.logger.Warn("document rejected", zap.String("name", name), zap.Error(err))
		var pe *document.ParseError
		if !errors.As(err, &pe) && ctx.Err() == nil {
			err = &document.ParseError{Reason: "unreadable document", Err: err}
		}
		return err
	}

	// Save the chat being replaced, then start the document chat. A chat the
	// store already holds unchanged keeps its lastUpdated.
	c.state, c.id, c.messages = prev.state, prev.id, prev.messages
	var perr error
	if !c.unchangedSinceSaveLocked() {
		if save, ok := c.saveRequestLocked(); ok {
			perr = c.persist(ctx, save)
		}
	}
	c.resetLocked()
	c.messages = []session.Message{
		{ID: session.WelcomeID, Role: session.RoleSystem, Content: "Processing PDF: " + name},
		session.NewMessage(session.RoleSystem, fmt.Sprintf("Successfully processed %q. You can now ask questions about it.", name)),
	}
	c.docName, c.docText = name, doc.Text()
	c.metrics.Document(true)
	c.logger.Info("document attached", zap.String("name", name), zap.Int("pages", len(doc.Pages)))
	return perr
}

// invalidateLocked drops the active stream, if any, and starts a new epoch.
func (c *Controller) invalidateLocked() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.streaming {
		c.logger.Debug("stream superseded", zap.String("session", c.id))
	}
	c.token = 0
	c.streaming = false
	c.epoch++
}

func (c *Controller) resetLocked() {
	c.state = StateEmpty
	c.id = ""
	c.title = ""
	c.messages = []session.Message{c.welcome()}
	c.docName, c.docText = "", ""
	c.streamErr = nil
}

// streamTarget exposes the controller to the assembler without widening the
// Controller API.
type streamTarget struct{ c *Controller }

func (t streamTarget) StartMessage(token uint64, msg session.Message) bool {
	c := t.c
	c.mu.Lock()
	if c.token != token {
		c.mu.Unlock()
		return false
	}
	c.messages = append(c.messages, msg)
	save, ok := c.saveRequestLocked()
	c.mu.Unlock()
	if ok {
		c.persist(context.Background(), save)
	}
	return true
}

func (t streamTarget) AppendFragment(token uint64, msgID, fragment string) bool {
	c := t.c
	c.mu.Lock()
	if c.token != token {
		c.mu.Unlock()
		return false
	}
	i := c.indexLocked(msgID)
	if i < 0 {
		c.mu.Unlock()
		return false
	}
	c.messages[i].Content += fragment
	var save saveRequest
	var ok bool
	if c.interval == 0 || c.now().Sub(c.lastSaveAt) >= c.interval {
		save, ok = c.saveRequestLocked()
	}
	c.mu.Unlock()
	if ok {
		c.persist(context.Background(), save)
	}
	return true
}

func (t streamTarget) CompleteMessage(token uint64, msgID string) bool {
	return t.c.settle(token, msgID, "", nil)
}

func (t streamTarget) FailMessage(token uint64, msgID, marker string, err error) bool {
	return t.c.settle(token, msgID, marker, err)
}

// settle ends the stream identified by token. A non-nil err replaces the
// message content with marker.
func (c *Controller) settle(token uint64, msgID, marker string, err error) bool {
	c.mu.Lock()
	if c.token != token {
		c.mu.Unlock()
		return false
	}
	if err != nil {
		if i := c.indexLocked(msgID); i >= 0 {
			c.messages[i].Content = marker
		}
		c.streamErr = err
	}
	c.token = 0
	c.streaming = false
	c.cancel = nil
	save, ok := c.saveRequestLocked()
	c.mu.Unlock()
	if ok {
		c.persist(context.Background(), save)
	}
	return true
}

func (c *Controller) indexLocked(id string) int {
	for i := len(c.messages) - 1; i >= 0; i-- {
		if c.messages[i].ID == id {
			return i
		}
	}
	return -1
}
