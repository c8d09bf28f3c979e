// Package typing tracks the local user's typing indicator and the set of
// remote users currently typing in a room.
package typing

import (
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

const (
	DefaultDebounce = time.Second
	DefaultExpiry   = 5 * time.Second
)

type Config struct {
	Clock clock.Clock
	// Debounce is the idle time after the last keystroke before typing:false.
	Debounce time.Duration
	// Expiry drops a remote user who never sent typing:false. Zero disables it.
	Expiry time.Duration
	// Send emits a typing frame for the local user.
	Send func(isTyping bool) error
	// IsSelf reports whether a user reference from the wire is the local user.
	IsSelf func(user string) bool
	// OnChange receives the sorted remote set after every change.
	OnChange func(users []string)
}

type remoteEntry struct {
	timer *clock.Timer
	seq   uint64
}

type Tracker struct {
	cfg Config

	mu     sync.Mutex
	closed bool
	active bool
	timer  *clock.Timer
	seq    uint64
	remote map[string]*remoteEntry
	rseq   uint64
}

func New(cfg Config) *Tracker {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.IsSelf == nil {
		cfg.IsSelf = func(string) bool { return false }
	}
	return &Tracker{
		cfg:    cfg,
		remote: make(map[string]*remoteEntry),
	}
}

// OnLocalInput records a keystroke. The first one after idle emits
// typing:true; every one re-arms the debounce timer.
func (t *Tracker) OnLocalInput() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}

	t.seq++
	seq := t.seq
	if !t.active {
		t.active = true
		t.send(true)
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = t.cfg.Clock.AfterFunc(t.cfg.Debounce, func() { t.expireLocal(seq) })
}

func (t *Tracker) expireLocal(seq uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed || seq != t.seq || !t.active {
		return
	}
	t.active = false
	t.timer = nil
	t.send(false)
}

// Stop ends local typing immediately, emitting typing:false if needed.
func (t *Tracker) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopLocked()
}

func (t *Tracker) stopLocked() {
	t.seq++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
	if t.active {
		t.active = false
		t.send(false)
	}
}

// send must be called with mu held so frames leave in order.
func (t *Tracker) send(isTyping bool) {
	if t.cfg.Send == nil {
		return
	}
	if err := t.cfg.Send(isTyping); err != nil {
		slog.Debug("typing frame not sent", "is_typing", isTyping, "error", err)
	}
}

// HandleRemote applies a typing frame from another user.
func (t *Tracker) HandleRemote(user string, isTyping bool) {
	if user == "" || t.cfg.IsSelf(user) {
		return
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	e, present := t.remote[user]
	changed := false
	if isTyping {
		if !present {
			e = &remoteEntry{}
			t.remote[user] = e
			changed = true
		}
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
		}
		if t.cfg.Expiry > 0 {
			t.rseq++
			seq := t.rseq
			e.seq = seq
			e.timer = t.cfg.Clock.AfterFunc(t.cfg.Expiry, func() { t.expireRemote(user, seq) })
		}
	} else if present {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(t.remote, user)
		changed = true
	}
	users := t.usersLocked()
	t.mu.Unlock()

	if changed {
		t.notify(users)
	}
}

func (t *Tracker) expireRemote(user string, seq uint64) {
	t.mu.Lock()
	e, ok := t.remote[user]
	if t.closed || !ok || e.seq != seq {
		t.mu.Unlock()
		return
	}
	delete(t.remote, user)
	users := t.usersLocked()
	t.mu.Unlock()

	slog.Debug("remote typing expired", "user", user)
	t.notify(users)
}

// ResetRemote forgets every remote typist, e.g. when the room channel closes.
func (t *Tracker) ResetRemote() {
	t.mu.Lock()
	had := len(t.remote) > 0
	t.clearRemoteLocked()
	t.mu.Unlock()

	if had {
		t.notify(nil)
	}
}

func (t *Tracker) clearRemoteLocked() {
	for user, e := range t.remote {
		if e.timer != nil {
			e.timer.Stop()
		}
		delete(t.remote, user)
	}
}

// RemoteUsers returns the remote users currently typing, sorted.
func (t *Tracker) RemoteUsers() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.usersLocked()
}

func (t *Tracker) usersLocked() []string {
	users := make([]string, 0, len(t.remote))
	for u := range t.remote {
		users = append(users, u)
	}
	slices.Sort(users)
	return users
}

func (t *Tracker) notify(users []string) {
	if t.cfg.OnChange != nil {
		t.cfg.OnChange(users)
	}
}

// Close flushes typing:false if outstanding and stops every timer. The
// tracker ignores all input afterwards.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.stopLocked()
	t.clearRemoteLocked()
	t.closed = true
}
