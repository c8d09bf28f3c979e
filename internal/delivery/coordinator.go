// Package delivery sends drafts over the room socket when it is open and
// through the REST API otherwise.
package delivery

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"localconnect/internal/chat"
	"localconnect/internal/models"
	"localconnect/internal/storage"
)

var (
	ErrEmptyDraft = errors.New("draft has no content")
	ErrNotFailed  = errors.New("draft is not failed")
	// ErrNoEcho is the failure reason of a socket send the server never echoed.
	ErrNoEcho = errors.New("no confirmation from server")
)

type Path string

const (
	PathSocket   Path = "socket"
	PathFallback Path = "fallback"
)

// Outcome reports how a draft left the client. For PathSocket a nil Err
// means the frame was written; confirmation comes with the echo.
type Outcome struct {
	TempID  string
	Path    Path
	Message models.Message
	Err     error
}

// Socket is the open room channel.
type Socket interface {
	Ready() bool
	Send(frame models.ClientFrame) error
}

// Sockets finds the channel of a room; nil when there is none.
type Sockets interface {
	Socket(roomID string) Socket
}

type API interface {
	CreateMessage(ctx context.Context, d models.Draft) (models.Message, error)
	Reply(ctx context.Context, messageID, content string) (models.Message, error)
}

// Outbox persists failed drafts across restarts.
type Outbox interface {
	UpsertDraft(d storage.StoredDraft) error
	DeleteDraft(roomID, tempID string) error
	ListDrafts(roomID string) ([]storage.StoredDraft, error)
}

type Config struct {
	Clock clock.Clock
	// EchoTimeout fails a socket-sent draft that is still pending. Zero
	// waits forever.
	EchoTimeout time.Duration
	// UnifyReplies sends replies over the socket like any other draft.
	UnifyReplies bool
	// OnFailed is called when a draft fails outside of a SendMessage or
	// Retry call, i.e. on echo timeout.
	OnFailed func(roomID, tempID string, err error)
}

type echoWait struct {
	roomID string
	timer  *clock.Timer
}

type Coordinator struct {
	sockets Sockets
	api     API
	outbox  Outbox
	cfg     Config

	mu       sync.Mutex
	waiting  map[string]*echoWait
	outboxed map[string]bool
}

// New builds a coordinator. outbox may be nil.
func New(sockets Sockets, api API, outbox Outbox, cfg Config) *Coordinator {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Coordinator{
		sockets:  sockets,
		api:      api,
		outbox:   outbox,
		cfg:      cfg,
		waiting:  make(map[string]*echoWait),
		outboxed: make(map[string]bool),
	}
}

// SendMessage inserts d optimistically into tl and delivers it.
func (c *Coordinator) SendMessage(ctx context.Context, tl *chat.Timeline, d models.Draft) Outcome {
	if strings.TrimSpace(d.Content) == "" && d.FileURL == "" {
		return Outcome{Err: ErrEmptyDraft}
	}
	d.RoomID = tl.RoomID()
	tempID := tl.ApplyOptimistic(d)
	return c.deliver(ctx, tl, tempID, d)
}

// Retry re-sends a failed draft under its temp id.
func (c *Coordinator) Retry(ctx context.Context, tl *chat.Timeline, tempID string) Outcome {
	e, ok := tl.Lookup(tempID)
	if !ok {
		return Outcome{TempID: tempID, Err: chat.ErrUnknownDraft}
	}
	if e.Status != chat.StatusFailed {
		return Outcome{TempID: tempID, Err: ErrNotFailed}
	}
	if err := tl.MarkPending(tempID); err != nil {
		return Outcome{TempID: tempID, Err: err}
	}
	return c.deliver(ctx, tl, tempID, e.Draft)
}

// Discard drops an unconfirmed draft from tl and from the outbox.
func (c *Coordinator) Discard(tl *chat.Timeline, tempID string) error {
	if err := tl.Discard(tempID); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopWaitLocked(tempID)
	c.deleteOutboxLocked(tl.RoomID(), tempID)
	return nil
}

// RestoreOutbox brings the stored failed drafts of tl's room back as failed
// entries.
func (c *Coordinator) RestoreOutbox(tl *chat.Timeline) (int, error) {
	if c.outbox == nil {
		return 0, nil
	}
	drafts, err := c.outbox.ListDrafts(tl.RoomID())
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	for _, d := range drafts {
		c.outboxed[d.TempID] = true
	}
	c.mu.Unlock()

	for _, d := range drafts {
		tl.RestoreFailed(d.TempID, d.Draft, d.CreatedAt, d.Reason)
	}
	return len(drafts), nil
}

// Confirmed tells the coordinator a draft was confirmed, by echo or by a
// fallback response.
func (c *Coordinator) Confirmed(roomID, tempID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopWaitLocked(tempID)
	c.deleteOutboxLocked(roomID, tempID)
}

// Abandon stops waiting for echoes in a room that is no longer active.
func (c *Coordinator) Abandon(roomID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for tempID, w := range c.waiting {
		if w.roomID == roomID {
			c.stopWaitLocked(tempID)
		}
	}
}

// Waiting returns the number of socket sends awaiting an echo.
func (c *Coordinator) Waiting() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiting)
}

func (c *Coordinator) deliver(ctx context.Context, tl *chat.Timeline, tempID string, d models.Draft) Outcome {
	roomID := tl.RoomID()
	if d.ReplyTo == "" || c.cfg.UnifyReplies {
		if s := c.sockets.Socket(roomID); s != nil && s.Ready() {
			c.waitEcho(tl, tempID)
			err := s.Send(models.MessageFrame(d))
			if err == nil {
				return Outcome{TempID: tempID, Path: PathSocket}
			}
			c.mu.Lock()
			c.stopWaitLocked(tempID)
			c.mu.Unlock()
			slog.Warn("socket send failed, using fallback", "room_id", roomID, "temp_id", tempID, "error", err)
		}
	}
	return c.fallback(ctx, tl, tempID, d)
}

// fallback makes exactly one REST call for the draft.
func (c *Coordinator) fallback(ctx context.Context, tl *chat.Timeline, tempID string, d models.Draft) Outcome {
	var (
		m   models.Message
		err error
	)
	if d.ReplyTo != "" {
		m, err = c.api.Reply(ctx, d.ReplyTo, d.Content)
	} else {
		m, err = c.api.CreateMessage(ctx, d)
	}
	if err != nil {
		slog.Warn("fallback send failed", "room_id", tl.RoomID(), "temp_id", tempID, "error", err)
		c.fail(tl, tempID, err)
		return Outcome{TempID: tempID, Path: PathFallback, Err: err}
	}

	if m.RoomID == "" {
		m.RoomID = tl.RoomID()
	}
	if m.ReplyTo == nil && d.ReplyTo != "" {
		m.ReplyTo = &models.ReplyRef{ID: d.ReplyTo}
	}
	if err := tl.Confirm(tempID, m); err != nil {
		return Outcome{TempID: tempID, Path: PathFallback, Err: err}
	}
	c.Confirmed(tl.RoomID(), tempID)
	return Outcome{TempID: tempID, Path: PathFallback, Message: m}
}

func (c *Coordinator) fail(tl *chat.Timeline, tempID string, reason error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopWaitLocked(tempID)

	if err := tl.MarkFailed(tempID, reason.Error()); err != nil {
		// Confirmed or discarded in the meantime.
		return
	}
	if c.outbox == nil {
		return
	}
	e, ok := tl.Lookup(tempID)
	if !ok {
		return
	}
	stored := storage.StoredDraft{
		TempID:    tempID,
		Draft:     e.Draft,
		CreatedAt: e.Message.CreatedAt,
		Reason:    reason.Error(),
	}
	if err := c.outbox.UpsertDraft(stored); err != nil {
		slog.Error("failed to store draft", "room_id", tl.RoomID(), "temp_id", tempID, "error", err)
		return
	}
	c.outboxed[tempID] = true
}

func (c *Coordinator) waitEcho(tl *chat.Timeline, tempID string) {
	if c.cfg.EchoTimeout <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopWaitLocked(tempID)

	w := &echoWait{roomID: tl.RoomID()}
	w.timer = c.cfg.Clock.AfterFunc(c.cfg.EchoTimeout, func() { c.echoExpired(tl, tempID, w) })
	c.waiting[tempID] = w
}

func (c *Coordinator) echoExpired(tl *chat.Timeline, tempID string, w *echoWait) {
	c.mu.Lock()
	current := c.waiting[tempID] == w
	if current {
		delete(c.waiting, tempID)
	}
	c.mu.Unlock()
	if !current {
		return
	}

	e, ok := tl.Lookup(tempID)
	if !ok || e.Status != chat.StatusPending {
		return
	}
	slog.Warn("no echo for socket send", "room_id", w.roomID, "temp_id", tempID, "timeout", c.cfg.EchoTimeout)
	c.fail(tl, tempID, ErrNoEcho)
	if c.cfg.OnFailed != nil {
		c.cfg.OnFailed(w.roomID, tempID, ErrNoEcho)
	}
}

func (c *Coordinator) stopWaitLocked(tempID string) {
	if w, ok := c.waiting[tempID]; ok {
		w.timer.Stop()
		delete(c.waiting, tempID)
	}
}

func (c *Coordinator) deleteOutboxLocked(roomID, tempID string) {
	if c.outbox == nil || !c.outboxed[tempID] {
		return
	}
	if err := c.outbox.DeleteDraft(roomID, tempID); err != nil {
		slog.Error("failed to delete stored draft", "room_id", roomID, "temp_id", tempID, "error", err)
		return
	}
	delete(c.outboxed, tempID)
}
