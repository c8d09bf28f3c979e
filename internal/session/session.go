// Package session binds the room socket, the timeline, typing presence and
// delivery together for the room a user has open.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"localconnect/internal/auth"
	"localconnect/internal/chat"
	"localconnect/internal/delivery"
	"localconnect/internal/models"
	"localconnect/internal/typing"
	"localconnect/internal/ws"
)

var (
	ErrNoActiveRoom = errors.New("no active room")
	// ErrStale is returned when the room changed while an operation was in
	// flight. Its result was discarded.
	ErrStale     = errors.New("room is no longer active")
	ErrForbidden = errors.New("admin role required")
)

type State int

const (
	StateIdle State = iota
	StateLoading
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StateConnected:
		return "connected"
	default:
		return "idle"
	}
}

// API is the REST surface a session uses.
type API interface {
	delivery.API
	History(ctx context.Context, roomID string) ([]models.Message, error)
	MarkRoomRead(ctx context.Context, roomID string) error
	EditMessage(ctx context.Context, messageID, content string) (models.Message, error)
	DeleteMessage(ctx context.Context, messageID string) error
	AddParticipant(ctx context.Context, roomID, userID string) error
	RemoveParticipant(ctx context.Context, participantID string) error
	UpdateRole(ctx context.Context, participantID string, role models.Role) error
}

type Directory interface {
	Participants(ctx context.Context, roomID string) ([]models.Participant, error)
	RoleOf(ctx context.Context, roomID string, match func(models.User) bool) (models.Role, error)
	InvalidateParticipants(roomID string)
}

// HistoryStore keeps the last fetched history of each room for offline use.
type HistoryStore interface {
	ReplaceMessages(roomID string, msgs []models.Message) error
	ListMessages(roomID string) ([]models.Message, error)
}

type Deps struct {
	Registry  *ws.Registry
	Identity  auth.Provider
	API       API
	Directory Directory
	// Outbox and History may be nil.
	Outbox   delivery.Outbox
	History  HistoryStore
	Observer Observer
}

type Config struct {
	Clock          clock.Clock
	TypingDebounce time.Duration
	TypingExpiry   time.Duration
	EchoTimeout    time.Duration
	UnifyReplies   bool
	// MaxRecords caps the confirmed messages kept per room; zero keeps all.
	MaxRecords int
}

type room struct {
	gen      uint64
	id       string
	self     auth.Identity
	timeline *chat.Timeline
	tracker  *typing.Tracker

	// guarded by Session.mu
	role         models.Role
	channel      *ws.Channel
	degraded     bool
	reconnecting bool
}

type Session struct {
	deps  Deps
	cfg   Config
	coord *delivery.Coordinator

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	gen   uint64
	state State
	room  *room
}

func New(deps Deps, cfg Config) *Session {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if deps.Observer == nil {
		deps.Observer = NopObserver{}
	}
	s := &Session{deps: deps, cfg: cfg}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.coord = delivery.New(registrySockets{deps.Registry}, deps.API, deps.Outbox, delivery.Config{
		Clock:        cfg.Clock,
		EchoTimeout:  cfg.EchoTimeout,
		UnifyReplies: cfg.UnifyReplies,
		OnFailed:     s.echoFailed,
	})
	return s
}

type registrySockets struct {
	reg *ws.Registry
}

func (r registrySockets) Socket(roomID string) delivery.Socket {
	ch := r.reg.Get(ws.RoomKey(roomID))
	if ch == nil {
		return nil
	}
	return ch
}

// SelectRoom makes roomID the active room, leaving the previous one first.
// A socket that cannot be opened leaves the room usable in degraded mode and
// is not an error.
func (s *Session) SelectRoom(ctx context.Context, roomID string) error {
	if roomID == "" {
		return errors.New("room id is required")
	}
	id, err := s.deps.Identity.Identity(ctx)
	if err != nil {
		return err
	}

	r := &room{id: roomID, self: id, role: models.RoleMember}
	r.timeline = chat.New(chat.Config{
		RoomID:     roomID,
		Self:       models.User{ID: models.ID(id.UserID), Username: id.Username},
		Clock:      s.cfg.Clock,
		MaxRecords: s.cfg.MaxRecords,
		OnChange:   func() { s.timelineChanged(r) },
		OnConfirm: func(tempID string, _ models.Message) {
			s.coord.Confirmed(roomID, tempID)
		},
	})
	r.tracker = typing.New(typing.Config{
		Clock:    s.cfg.Clock,
		Debounce: s.cfg.TypingDebounce,
		Expiry:   s.cfg.TypingExpiry,
		Send:     func(isTyping bool) error { return s.send(r, models.TypingFrame(isTyping)) },
		IsSelf:   id.Matches,
		OnChange: func(users []string) {
			if s.current(r) {
				s.deps.Observer.OnTyping(roomID, users)
			}
		},
	})

	s.mu.Lock()
	prev := s.room
	s.gen++
	r.gen = s.gen
	s.room = r
	s.state = StateLoading
	s.mu.Unlock()

	if prev != nil {
		s.teardown(prev)
	}

	if err := s.load(ctx, r); err != nil {
		if !errors.Is(err, ErrStale) {
			s.mu.Lock()
			if s.room == r {
				s.room = nil
				s.state = StateIdle
			}
			s.mu.Unlock()
			r.tracker.Close()
		}
		return err
	}

	if err := s.connect(ctx, r); errors.Is(err, ErrStale) {
		return err
	}
	return nil
}

// load fetches everything the room needs before its socket is opened.
func (s *Session) load(ctx context.Context, r *room) error {
	msgs, err := s.deps.API.History(ctx, r.id)
	if !s.current(r) {
		return ErrStale
	}
	if err != nil {
		offline, ok := s.offlineHistory(r.id)
		if !ok {
			return fmt.Errorf("load history of room %s: %w", r.id, err)
		}
		slog.Warn("history unavailable, using offline copy", "room_id", r.id, "error", err)
		s.deps.Observer.OnDiagnostic(r.id, "showing offline history")
		msgs = offline
	} else if s.deps.History != nil {
		if err := s.deps.History.ReplaceMessages(r.id, msgs); err != nil {
			slog.Error("failed to store history", "room_id", r.id, "error", err)
		}
	}
	r.timeline.LoadHistory(msgs)

	role, err := s.deps.Directory.RoleOf(ctx, r.id, r.self.Is)
	if !s.current(r) {
		return ErrStale
	}
	switch {
	case err == nil:
	case errors.Is(err, models.ErrNotFound):
		role = models.RoleMember
	default:
		slog.Warn("participants unavailable", "room_id", r.id, "error", err)
		role = models.RoleMember
	}
	s.mu.Lock()
	r.role = role
	s.mu.Unlock()

	if err := s.deps.API.MarkRoomRead(ctx, r.id); err != nil {
		slog.Warn("mark as read failed", "room_id", r.id, "error", err)
	}
	if !s.current(r) {
		return ErrStale
	}

	if n, err := s.coord.RestoreOutbox(r.timeline); err != nil {
		slog.Error("failed to restore drafts", "room_id", r.id, "error", err)
	} else if n > 0 {
		slog.Info("restored failed drafts", "room_id", r.id, "count", n)
	}
	return nil
}

func (s *Session) offlineHistory(roomID string) ([]models.Message, bool) {
	if s.deps.History == nil {
		return nil, false
	}
	msgs, err := s.deps.History.ListMessages(roomID)
	if err != nil {
		return nil, false
	}
	return msgs, true
}

// connect acquires the room socket and wires its handlers. On failure the
// room enters degraded mode and the dial error is returned.
func (s *Session) connect(ctx context.Context, r *room) error {
	if !s.current(r) {
		return ErrStale
	}
	key := ws.RoomKey(r.id)
	ch, err := s.deps.Registry.Acquire(ctx, key)
	if !s.current(r) {
		if err == nil && !s.activeRoomIs(r.id) {
			s.deps.Registry.Release(key)
		}
		return ErrStale
	}
	if err != nil {
		s.degrade(r, err)
		return err
	}

	ch.OnFrame(func(f models.ServerFrame) { s.handleFrame(r, ch, f) })
	ch.OnError(func(err error) {
		if s.current(r) {
			s.deps.Observer.OnDiagnostic(r.id, "connection error: "+err.Error())
		}
	})
	ch.OnClose(func(reason error) { s.channelClosed(r, ch, reason) })

	s.mu.Lock()
	if s.room != r {
		s.mu.Unlock()
		return ErrStale
	}
	wasDegraded := r.degraded
	r.channel = ch
	r.degraded = false
	s.state = StateConnected
	s.mu.Unlock()

	ch.Listen()
	if wasDegraded {
		s.deps.Observer.OnDiagnostic(r.id, "reconnected")
	}

	if !ch.Ready() {
		s.channelClosed(r, ch, ws.ErrClosed)
		return ws.ErrClosed
	}
	if err := ch.Send(models.ClientFrame{Type: models.ClientFrameTypeRead}); err != nil {
		slog.Debug("read frame not sent", "room_id", r.id, "error", err)
	}
	slog.Info("room connected", "room_id", r.id)
	return nil
}

func (s *Session) handleFrame(r *room, ch *ws.Channel, f models.ServerFrame) {
	if !s.current(r) {
		return
	}
	switch f.Type {
	case models.ServerFrameTypeChatMessage:
		m, err := f.ChatMessage()
		if err != nil {
			slog.Warn("bad chat_message frame", "room_id", r.id, "error", err)
			return
		}
		if m.RoomID == "" {
			m.RoomID = r.id
		}
		res := r.timeline.ApplyIncoming(m)
		slog.Debug("incoming message", "room_id", r.id, "message_id", m.ID, "result", res)
	case models.ServerFrameTypeTyping:
		r.tracker.HandleRemote(f.User, f.IsTyping)
	case models.ServerFrameTypeConnected:
		s.deps.Observer.OnDiagnostic(r.id, "connected")
	case models.ServerFrameTypeRead:
		s.deps.Observer.OnDiagnostic(r.id, f.User+" read the room")
	case models.ServerFrameTypeError:
		text := f.ErrorText()
		slog.Warn("server error frame", "room_id", r.id, "error", text)
		s.deps.Observer.OnDiagnostic(r.id, "server error: "+text)
		s.dropChannel(r, ch, fmt.Errorf("server error: %s", text))
	default:
		slog.Debug("frame ignored", "room_id", r.id, "type", f.Type)
	}
}

// dropChannel tears the room socket down after a protocol error.
func (s *Session) dropChannel(r *room, ch *ws.Channel, reason error) {
	s.mu.Lock()
	owned := s.room == r && r.channel == ch
	if owned {
		r.channel = nil
	}
	s.mu.Unlock()
	if !owned {
		return
	}
	s.deps.Registry.Release(ws.RoomKey(r.id))
	r.tracker.ResetRemote()
	s.degrade(r, reason)
}

func (s *Session) channelClosed(r *room, ch *ws.Channel, reason error) {
	s.mu.Lock()
	owned := s.room == r && r.channel == ch
	if owned {
		r.channel = nil
	}
	s.mu.Unlock()
	if !owned {
		return
	}
	if reason == nil {
		reason = ws.ErrClosed
	}
	slog.Info("room channel closed", "room_id", r.id, "reason", reason)
	r.tracker.ResetRemote()
	s.degrade(r, reason)
}

func (s *Session) degrade(r *room, err error) {
	s.mu.Lock()
	if s.room != r {
		s.mu.Unlock()
		return
	}
	r.degraded = true
	s.state = StateConnected
	s.mu.Unlock()

	slog.Warn("room in degraded mode", "room_id", r.id, "error", err)
	s.deps.Observer.OnDegraded(r.id, err)
}

// teardown leaves a room: typing:false is flushed while the socket is still
// open, then the socket is released.
func (s *Session) teardown(r *room) {
	if r.tracker != nil {
		r.tracker.Close()
	}
	s.coord.Abandon(r.id)
	s.mu.Lock()
	r.channel = nil
	s.mu.Unlock()
	s.deps.Registry.Release(ws.RoomKey(r.id))
	slog.Debug("room left", "room_id", r.id)
}

// LeaveRoom closes the active room.
func (s *Session) LeaveRoom() {
	s.mu.Lock()
	prev := s.room
	s.gen++
	s.room = nil
	s.state = StateIdle
	s.mu.Unlock()

	if prev != nil {
		s.teardown(prev)
	}
}

// Reconnect re-acquires the socket of the active room if it has none.
func (s *Session) Reconnect(ctx context.Context) error {
	r, err := s.active()
	if err != nil {
		return err
	}
	s.mu.Lock()
	ch := r.channel
	s.mu.Unlock()
	if ch != nil && ch.Ready() {
		return nil
	}
	return s.connect(ctx, r)
}

// reconnectInBackground re-acquires a degraded room's socket once at a
// time; the send that triggered it has already used the API.
func (s *Session) reconnectInBackground(r *room) {
	s.mu.Lock()
	if s.room != r || !r.degraded || r.reconnecting {
		s.mu.Unlock()
		return
	}
	r.reconnecting = true
	s.mu.Unlock()

	go func() {
		defer func() {
			s.mu.Lock()
			r.reconnecting = false
			s.mu.Unlock()
		}()
		if err := s.connect(s.ctx, r); err != nil && !errors.Is(err, ErrStale) {
			slog.Debug("background reconnect failed", "room_id", r.id, "error", err)
		}
	}()
}

// SendMessage sends a draft to the active room and returns its temp id.
func (s *Session) SendMessage(ctx context.Context, d models.Draft) (string, error) {
	r, err := s.active()
	if err != nil {
		return "", err
	}
	r.tracker.Stop()

	out := s.coord.SendMessage(ctx, r.timeline, d)
	s.afterSend(r, out)
	return out.TempID, out.Err
}

// Retry re-sends a failed draft.
func (s *Session) Retry(ctx context.Context, tempID string) error {
	r, err := s.active()
	if err != nil {
		return err
	}
	out := s.coord.Retry(ctx, r.timeline, tempID)
	s.afterSend(r, out)
	return out.Err
}

func (s *Session) afterSend(r *room, out delivery.Outcome) {
	if out.Err != nil && out.Path != "" && s.current(r) {
		s.deps.Observer.OnSendFailed(r.id, out.TempID, out.Err)
	}
	if out.Path == delivery.PathFallback {
		s.reconnectInBackground(r)
	}
}

func (s *Session) echoFailed(roomID, tempID string, err error) {
	s.mu.Lock()
	r := s.room
	s.mu.Unlock()
	if r != nil && r.id == roomID {
		s.deps.Observer.OnSendFailed(roomID, tempID, err)
	}
}

// Discard drops an unconfirmed draft.
func (s *Session) Discard(tempID string) error {
	r, err := s.active()
	if err != nil {
		return err
	}
	return s.coord.Discard(r.timeline, tempID)
}

// Typing records a local keystroke.
func (s *Session) Typing() {
	if r, err := s.active(); err == nil {
		r.tracker.OnLocalInput()
	}
}

func (s *Session) StopTyping() {
	if r, err := s.active(); err == nil {
		r.tracker.Stop()
	}
}

func (s *Session) EditMessage(ctx context.Context, messageID, content string) error {
	if strings.TrimSpace(content) == "" {
		return delivery.ErrEmptyDraft
	}
	r, err := s.active()
	if err != nil {
		return err
	}
	m, err := s.deps.API.EditMessage(ctx, messageID, content)
	if err != nil {
		return err
	}
	if !s.current(r) {
		return ErrStale
	}
	if m.ID == "" {
		m.ID = messageID
	}
	if m.Content == "" {
		m.Content = content
	}
	r.timeline.ApplyEdit(m)
	return nil
}

func (s *Session) DeleteMessage(ctx context.Context, messageID string) error {
	r, err := s.active()
	if err != nil {
		return err
	}
	if err := s.deps.API.DeleteMessage(ctx, messageID); err != nil {
		return err
	}
	if !s.current(r) {
		return ErrStale
	}
	r.timeline.MarkDeleted(messageID)
	return nil
}

// Participants lists the members of the active room.
func (s *Session) Participants(ctx context.Context) ([]models.Participant, error) {
	r, err := s.active()
	if err != nil {
		return nil, err
	}
	return s.deps.Directory.Participants(ctx, r.id)
}

func (s *Session) AddParticipant(ctx context.Context, userID string) error {
	return s.admin(ctx, func(r *room) error {
		return s.deps.API.AddParticipant(ctx, r.id, userID)
	})
}

func (s *Session) RemoveParticipant(ctx context.Context, participantID string) error {
	return s.admin(ctx, func(*room) error {
		return s.deps.API.RemoveParticipant(ctx, participantID)
	})
}

func (s *Session) UpdateRole(ctx context.Context, participantID string, role models.Role) error {
	return s.admin(ctx, func(*room) error {
		return s.deps.API.UpdateRole(ctx, participantID, role)
	})
}

// admin runs a membership change and refreshes the cached participants and
// the local role afterwards.
func (s *Session) admin(ctx context.Context, op func(r *room) error) error {
	r, err := s.active()
	if err != nil {
		return err
	}
	if s.Role() != models.RoleAdmin {
		return ErrForbidden
	}
	if err := op(r); err != nil {
		return err
	}
	s.deps.Directory.InvalidateParticipants(r.id)

	role, err := s.deps.Directory.RoleOf(ctx, r.id, r.self.Is)
	if err != nil {
		role = models.RoleMember
	}
	s.mu.Lock()
	if s.room == r {
		r.role = role
	}
	s.mu.Unlock()
	return nil
}

// Timeline returns the visible entries of the active room.
func (s *Session) Timeline() []chat.Entry {
	r, err := s.active()
	if err != nil {
		return nil
	}
	return r.timeline.VisibleSequence()
}

func (s *Session) TypingUsers() []string {
	r, err := s.active()
	if err != nil {
		return nil
	}
	return r.tracker.RemoteUsers()
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Role() models.Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.room == nil {
		return ""
	}
	return s.room.role
}

// ActiveRoom returns the id of the active room, or "".
func (s *Session) ActiveRoom() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.room == nil {
		return ""
	}
	return s.room.id
}

// Degraded reports whether the active room has no socket.
func (s *Session) Degraded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room != nil && s.room.degraded
}

// Close leaves the active room and stops background work.
func (s *Session) Close() {
	s.cancel()
	s.LeaveRoom()
}

func (s *Session) send(r *room, frame models.ClientFrame) error {
	s.mu.Lock()
	ch := r.channel
	s.mu.Unlock()
	if ch == nil {
		return ws.ErrClosed
	}
	return ch.Send(frame)
}

func (s *Session) timelineChanged(r *room) {
	if s.current(r) {
		s.deps.Observer.OnTimeline(r.id, r.timeline.VisibleSequence())
	}
}

// active returns the room once it has finished loading.
func (s *Session) active() (*room, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.room == nil || s.state == StateLoading {
		return nil, ErrNoActiveRoom
	}
	return s.room, nil
}

func (s *Session) current(r *room) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room == r && s.gen == r.gen
}

func (s *Session) activeRoomIs(roomID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room != nil && s.room.id == roomID
}
