package session

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"localconnect/internal/models"
	"localconnect/internal/ws"
)

const DefaultPollInterval = 30 * time.Second

type NotificationAPI interface {
	Notifications(ctx context.Context) ([]models.Notification, error)
	UnreadCount(ctx context.Context) (int, error)
	MarkNotificationRead(ctx context.Context, id string) error
	MarkAllNotificationsRead(ctx context.Context) error
	DeleteNotification(ctx context.Context, id string) error
	ClearNotifications(ctx context.Context) (int, error)
}

type NotificationsConfig struct {
	Clock        clock.Clock
	PollInterval time.Duration
}

// Notifications owns the notification channel for the whole authenticated
// session. Room navigation never touches it.
type Notifications struct {
	registry *ws.Registry
	api      NotificationAPI
	observer Observer
	cfg      NotificationsConfig

	mu     sync.Mutex
	active bool
	gen    uint64
	list   []models.Notification
	unread int
	stop   chan struct{}
}

func NewNotifications(registry *ws.Registry, api NotificationAPI, observer Observer, cfg NotificationsConfig) *Notifications {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if observer == nil {
		observer = NopObserver{}
	}
	return &Notifications{registry: registry, api: api, observer: observer, cfg: cfg}
}

// Authenticate opens the notification channel, loads the feed and starts
// polling the unread count. Calling it again while active does nothing.
// Channel failures are logged; the feed keeps working by polling.
func (n *Notifications) Authenticate(ctx context.Context) error {
	n.mu.Lock()
	if n.active {
		n.mu.Unlock()
		return nil
	}
	n.active = true
	n.gen++
	gen := n.gen
	stop := make(chan struct{})
	n.stop = stop
	n.mu.Unlock()

	if err := n.Refresh(ctx); err != nil {
		slog.Warn("notification feed unavailable", "error", err)
	}

	ch, err := n.registry.Acquire(ctx, ws.NotificationsKey)
	n.mu.Lock()
	live := n.current(gen)
	n.mu.Unlock()
	if err != nil {
		slog.Warn("notification channel unavailable", "error", err)
	} else if live {
		ch.OnFrame(func(f models.ServerFrame) { n.handleFrame(gen, f) })
		ch.OnClose(func(reason error) {
			slog.Info("notification channel closed", "reason", reason)
		})
		ch.Listen()
	}

	go n.poll(gen, stop)
	return nil
}

// Logout releases the notification channel and forgets the feed.
func (n *Notifications) Logout() {
	n.mu.Lock()
	if !n.active {
		n.mu.Unlock()
		return
	}
	n.active = false
	n.gen++
	close(n.stop)
	n.stop = nil
	n.list = nil
	n.unread = 0
	n.mu.Unlock()

	n.registry.Release(ws.NotificationsKey)
}

// Refresh reloads the feed and the unread count.
func (n *Notifications) Refresh(ctx context.Context) error {
	n.mu.Lock()
	gen := n.gen
	n.mu.Unlock()

	list, err := n.api.Notifications(ctx)
	if err != nil {
		return err
	}
	unread, err := n.api.UnreadCount(ctx)
	if err != nil {
		return err
	}

	n.mu.Lock()
	if !n.active || n.gen != gen {
		n.mu.Unlock()
		return nil
	}
	n.list = list
	n.unread = unread
	n.mu.Unlock()

	n.notify()
	return nil
}

func (n *Notifications) poll(gen uint64, stop <-chan struct{}) {
	ticker := n.cfg.Clock.Ticker(n.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			count, err := n.api.UnreadCount(context.Background())
			if err != nil {
				slog.Debug("unread count poll failed", "error", err)
				continue
			}
			n.mu.Lock()
			if !n.current(gen) {
				n.mu.Unlock()
				return
			}
			changed := n.unread != count
			n.unread = count
			n.mu.Unlock()
			if changed {
				n.notify()
			}
		}
	}
}

func (n *Notifications) handleFrame(gen uint64, f models.ServerFrame) {
	switch f.Type {
	case models.ServerFrameTypeNotification, models.ServerFrameTypeChatNotification:
	case models.ServerFrameTypeNotifyConnected:
		slog.Debug("notification channel established")
		return
	default:
		slog.Debug("frame ignored on notification channel", "type", f.Type)
		return
	}
	if f.Notification == nil {
		slog.Warn("notification frame without payload", "type", f.Type)
		return
	}
	item := *f.Notification

	n.mu.Lock()
	if !n.current(gen) {
		n.mu.Unlock()
		return
	}
	if slices.ContainsFunc(n.list, func(x models.Notification) bool { return x.ID == item.ID }) {
		n.mu.Unlock()
		return
	}
	n.list = append([]models.Notification{item}, n.list...)
	if !item.IsRead {
		n.unread++
	}
	n.mu.Unlock()

	n.notify()
}

func (n *Notifications) MarkRead(ctx context.Context, id string) error {
	if err := n.api.MarkNotificationRead(ctx, id); err != nil {
		return err
	}
	n.mu.Lock()
	for i := range n.list {
		if string(n.list[i].ID) == id && !n.list[i].IsRead {
			n.list[i].IsRead = true
			if n.unread > 0 {
				n.unread--
			}
		}
	}
	n.mu.Unlock()

	n.notify()
	return nil
}

func (n *Notifications) MarkAllRead(ctx context.Context) error {
	if err := n.api.MarkAllNotificationsRead(ctx); err != nil {
		return err
	}
	n.mu.Lock()
	for i := range n.list {
		n.list[i].IsRead = true
	}
	n.unread = 0
	n.mu.Unlock()

	n.notify()
	return nil
}

// Delete removes one notification from the server and the feed.
func (n *Notifications) Delete(ctx context.Context, id string) error {
	if err := n.api.DeleteNotification(ctx, id); err != nil {
		return err
	}
	n.mu.Lock()
	n.list = slices.DeleteFunc(n.list, func(x models.Notification) bool {
		if string(x.ID) != id {
			return false
		}
		if !x.IsRead && n.unread > 0 {
			n.unread--
		}
		return true
	})
	n.mu.Unlock()

	n.notify()
	return nil
}

// ClearAll deletes the whole feed and returns the number of notifications
// the server removed.
func (n *Notifications) ClearAll(ctx context.Context) (int, error) {
	deleted, err := n.api.ClearNotifications(ctx)
	if err != nil {
		return 0, err
	}
	n.mu.Lock()
	n.list = nil
	n.unread = 0
	n.mu.Unlock()

	n.notify()
	return deleted, nil
}

// List returns the feed, newest first.
func (n *Notifications) List() []models.Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return slices.Clone(n.list)
}

func (n *Notifications) UnreadCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.unread
}

func (n *Notifications) notify() {
	n.mu.Lock()
	list, unread := slices.Clone(n.list), n.unread
	n.mu.Unlock()
	n.observer.OnNotifications(list, unread)
}

// current must be called with mu held.
func (n *Notifications) current(gen uint64) bool {
	return n.active && n.gen == gen
}
