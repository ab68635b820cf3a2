package controller

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/codexadarsh/edumentor-fullstack/internal/session"
)

// saveRequest is a session snapshot taken under c.mu. seq orders snapshots so
// an older one is never written after a newer one.
type saveRequest struct {
	sess session.ChatSession
	seq  uint64
}

// saveRequestLocked snapshots the current session for the store. It reports
// false when there is nothing worth saving: no id yet, or only the welcome
// message.
func (c *Controller) saveRequestLocked() (saveRequest, bool) {
	if c.id == "" || len(c.messages) <= 1 {
		return saveRequest{}, false
	}
	now := c.now()
	c.saveSeq++
	c.lastSaveAt = now
	msgs := session.CloneMessages(c.messages)
	c.markSavedLocked(msgs)
	title := c.title
	if title == "" {
		title = session.GenerateTitle(msgs, now)
	}
	return saveRequest{
		sess: session.ChatSession{
			ID:          c.id,
			UserID:      c.userID,
			Title:       title,
			LastUpdated: session.EpochMillis(now),
			Messages:    msgs,
		},
		seq: c.saveSeq,
	}, true
}

func (c *Controller) markSavedLocked(msgs []session.Message) {
	c.savedID, c.savedTitle, c.savedMsgs = c.id, c.title, msgs
}

// unchangedSinceSaveLocked reports whether the store already holds the
// current session as it is now, with no save failure since.
func (c *Controller) unchangedSinceSaveLocked() bool {
	return c.id != "" && c.id == c.savedID && c.title == c.savedTitle &&
		slices.Equal(c.messages, c.savedMsgs) && c.lastPersistErr() == nil
}

// persist writes req unless a newer snapshot has already been attempted.
// Saves outlive the caller's cancellation so a closed request still lands
// its final snapshot.
func (c *Controller) persist(ctx context.Context, req saveRequest) error {
	c.saveMu.Lock()
	defer c.saveMu.Unlock()
	if req.seq <= c.attemptedSeq {
		c.logger.Debug("skipping stale save", zap.String("session", req.sess.ID), zap.Uint64("seq", req.seq))
		return nil
	}
	c.attemptedSeq = req.seq

	err := c.store.Upsert(context.WithoutCancel(ctx), req.sess)
	if err != nil {
		c.recordPersistErr("upsert", err)
		var pe *session.PersistenceError
		if !errors.As(err, &pe) {
			err = &session.PersistenceError{Op: "upsert", ID: req.sess.ID, Err: err}
		}
		return err
	}
	c.metrics.Saved()
	c.setPersistErr(nil)
	return nil
}

func (c *Controller) recordPersistErr(op string, err error) {
	c.metrics.PersistFailed(op)
	c.logger.Warn("session store failure", zap.String("op", op), zap.Error(err))
	c.setPersistErr(err)
}

func (c *Controller) setPersistErr(err error) {
	c.persistMu.Lock()
	c.persistErr = err
	c.persistMu.Unlock()
}

func (c *Controller) lastPersistErr() error {
	c.persistMu.Lock()
	defer c.persistMu.Unlock()
	return c.persistErr
}

// IDSource issues "chat-<epoch millis>" ids that never repeat within a
// process, even when two chats start in the same millisecond.
type IDSource struct {
	mu   sync.Mutex
	last int64
}

var defaultIDs = &IDSource{}

func (s *IDSource) next(ms int64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ms <= s.last {
		ms = s.last + 1
	}
	s.last = ms
	return fmt.Sprintf("chat-%d", ms)
}

// allocateID picks an id not used by this process or by the store. A store
// that cannot be queried is logged and ignored; the process-local guarantee
// still holds.
func (c *Controller) allocateID(ctx context.Context) string {
	ms := session.EpochMillis(c.now())
	for {
		id := c.ids.next(ms)
		_, err := c.store.Get(ctx, id)
		switch {
		case errors.Is(err, session.ErrNotFound):
			return id
		case err != nil:
			c.logger.Warn("could not check session id", zap.String("session", id), zap.Error(err))
			return id
		}
		c.logger.Debug("session id taken, bumping", zap.String("session", id))
	}
}
