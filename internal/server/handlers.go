package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/codexadarsh/edumentor-fullstack/internal/assembler"
	"github.com/codexadarsh/edumentor-fullstack/internal/controller"
	"github.com/codexadarsh/edumentor-fullstack/internal/document"
	"github.com/codexadarsh/edumentor-fullstack/internal/session"
)

type chatView struct {
	State        string            `json:"state"`
	SessionID    string            `json:"sessionId,omitempty"`
	Messages     []session.Message `json:"messages"`
	Streaming    bool              `json:"streaming"`
	Attaching    bool              `json:"attaching,omitempty"`
	DocumentName string            `json:"documentName,omitempty"`
	Error        string            `json:"error,omitempty"`
	PersistError string            `json:"persistError,omitempty"`
}

func viewOf(snap controller.Snapshot) chatView {
	v := chatView{
		State:        snap.State.String(),
		SessionID:    snap.SessionID,
		Messages:     snap.Messages,
		Streaming:    snap.Streaming,
		Attaching:    snap.Attaching,
		DocumentName: snap.DocumentName,
	}
	if snap.StreamErr != nil {
		v.Error = snap.StreamErr.Error()
	}
	if snap.PersistErr != nil {
		v.PersistError = snap.PersistErr.Error()
	}
	return v
}

type sessionSummary struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	LastUpdated int64  `json:"lastUpdated"`
	Preview     string `json:"preview,omitempty"`
}

func (s *Server) getChat(c *gin.Context) {
	st := s.user(currentUser(c))
	c.JSON(http.StatusOK, viewOf(st.ctrl.Snapshot()))
}

// sendMessage streams the answer as server-sent events: "fragment" per
// applied chunk, then one "done" or "error" event.
func (s *Server) sendMessage(c *gin.Context) {
	var req struct {
		Text string `json:"text"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	st := s.user(currentUser(c))
	if !st.limiter.Allow() {
		c.Header("Retry-After", "1")
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "too many messages, slow down"})
		return
	}

	streaming := false
	startSSE := func() {
		if streaming {
			return
		}
		streaming = true
		c.Header("Content-Type", "text/event-stream")
		c.Header("Cache-Control", "no-cache")
		c.Header("Connection", "keep-alive")
		c.Header("X-Accel-Buffering", "no")
	}

	msg, err := st.ctrl.SendMessage(c.Request.Context(), req.Text, func(fragment string) {
		startSSE()
		c.SSEvent("fragment", gin.H{"text": fragment})
		c.Writer.Flush()
	})

	switch {
	case errors.Is(err, controller.ErrEmptyMessage):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	case errors.Is(err, controller.ErrBusy):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}

	startSSE()
	switch {
	case err == nil:
		c.SSEvent("done", gin.H{"message": msg})
	case errors.Is(err, assembler.ErrSuperseded):
		c.SSEvent("error", gin.H{"error": "superseded", "message": "the chat was replaced before the answer finished"})
	default:
		s.logger.Warn("stream failed", zap.String("user", currentUser(c).ID), zap.Error(err))
		c.SSEvent("error", gin.H{"error": err.Error(), "message": msg})
	}
	c.Writer.Flush()
}

func (s *Server) newChat(c *gin.Context) {
	st := s.user(currentUser(c))
	err := st.ctrl.NewChat(c.Request.Context())
	resp := gin.H{"chat": viewOf(st.ctrl.Snapshot())}
	if err != nil {
		resp["warning"] = "previous chat could not be saved: " + err.Error()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) loadChat(c *gin.Context) {
	st := s.user(currentUser(c))
	if err := st.ctrl.LoadChatByID(c.Request.Context(), c.Param("id")); err != nil {
		s.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, viewOf(st.ctrl.Snapshot()))
}

func (s *Server) attachDocument(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "multipart field \"file\" is required"})
		return
	}
	if fh.Size > s.maxUpload {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": fmt.Sprintf("file exceeds %d bytes", s.maxUpload)})
		return
	}
	f, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, s.maxUpload+1))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	st := s.user(currentUser(c))
	err = st.ctrl.AttachDocument(c.Request.Context(), fh.Filename, data)
	var pe *document.ParseError
	var perr *session.PersistenceError
	switch {
	case err == nil:
		c.JSON(http.StatusOK, gin.H{"chat": viewOf(st.ctrl.Snapshot())})
	case errors.As(err, &pe):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": document.FailureMessage, "detail": pe.Reason})
	case errors.Is(err, controller.ErrBusy), errors.Is(err, assembler.ErrSuperseded):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.As(err, &perr):
		c.JSON(http.StatusOK, gin.H{
			"chat":    viewOf(st.ctrl.Snapshot()),
			"warning": "previous chat could not be saved: " + err.Error(),
		})
	default:
		s.logger.Error("document upload failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (s *Server) dismissError(c *gin.Context) {
	s.user(currentUser(c)).ctrl.DismissError()
	c.Status(http.StatusNoContent)
}

func (s *Server) listSessions(c *gin.Context) {
	all, err := s.store.ListAll(c.Request.Context())
	if err != nil {
		s.storeError(c, err)
		return
	}
	owned := session.Filter(session.OwnedBy(all, currentUser(c).ID), c.Query("q"))
	out := make([]sessionSummary, 0, len(owned))
	for _, sess := range owned {
		out = append(out, sessionSummary{
			ID:          sess.ID,
			Title:       sess.Title,
			LastUpdated: sess.LastUpdated,
			Preview:     session.Preview(sess),
		})
	}
	c.JSON(http.StatusOK, gin.H{"sessions": out})
}

// ownedSession loads :id and hides sessions of other users as not found.
func (s *Server) ownedSession(c *gin.Context) (session.ChatSession, bool) {
	sess, err := s.store.Get(c.Request.Context(), c.Param("id"))
	if err == nil && sess.UserID != currentUser(c).ID {
		err = session.ErrNotFound
	}
	if err != nil {
		s.storeError(c, err)
		return session.ChatSession{}, false
	}
	return sess, true
}

func (s *Server) getSession(c *gin.Context) {
	if sess, ok := s.ownedSession(c); ok {
		c.JSON(http.StatusOK, sess)
	}
}

func (s *Server) renameSession(c *gin.Context) {
	var req struct {
		Title string `json:"title"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "title must not be empty"})
		return
	}
	sess, ok := s.ownedSession(c)
	if !ok {
		return
	}
	if err := s.store.UpdateTitle(c.Request.Context(), sess.ID, title); err != nil {
		s.storeError(c, err)
		return
	}
	if ctrl := s.existing(currentUser(c).ID); ctrl != nil {
		ctrl.Rename(sess.ID, title)
	}
	c.JSON(http.StatusOK, gin.H{"id": sess.ID, "title": title})
}

func (s *Server) deleteSession(c *gin.Context) {
	sess, ok := s.ownedSession(c)
	if !ok {
		return
	}
	// Drop the open copy first so a pending autosave cannot recreate it.
	if ctrl := s.existing(currentUser(c).ID); ctrl != nil && ctrl.Snapshot().SessionID == sess.ID {
		ctrl.Discard()
	}
	if err := s.store.Delete(c.Request.Context(), sess.ID); err != nil {
		s.storeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) storeError(c *gin.Context, err error) {
	if errors.Is(err, session.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
		return
	}
	s.metrics.PersistFailed("api")
	s.logger.Error("session store error", zap.Error(err))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "session store unavailable"})
}
