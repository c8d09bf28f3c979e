package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

var (
	// ErrRejected is returned when the server refuses the handshake.
	ErrRejected = errors.New("connection rejected")
	ErrClosed   = errors.New("channel closed")
	ErrReleased = errors.New("channel released while connecting")
)

// Conn is the subset of *websocket.Conn the channel needs.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Dialer opens a socket to an endpoint.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

// GorillaDialer dials with gorilla/websocket. A zero value uses
// websocket.DefaultDialer.
type GorillaDialer struct {
	Dialer  *websocket.Dialer
	Timeout time.Duration
}

func (d GorillaDialer) Dial(ctx context.Context, endpoint string) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	conn, resp, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, fmt.Errorf("%w: %s", ErrRejected, resp.Status)
		}
		return nil, err
	}
	return conn, nil
}

// Key identifies a logical channel: one per room plus the notification feed.
type Key string

const (
	NotificationsKey Key = "notifications"
	roomPrefix           = "room:"
)

func RoomKey(roomID string) Key {
	return Key(roomPrefix + roomID)
}

// RoomID returns the room a key refers to, or false for non-room keys.
func (k Key) RoomID() (string, bool) {
	if !strings.HasPrefix(string(k), roomPrefix) {
		return "", false
	}
	return strings.TrimPrefix(string(k), roomPrefix), true
}

// Endpoints maps keys to socket URLs under Base (e.g. ws://host/ws).
type Endpoints struct {
	Base string
}

func (e Endpoints) For(key Key) (string, error) {
	if key == NotificationsKey {
		return url.JoinPath(e.Base, "notifications")
	}
	if id, ok := key.RoomID(); ok && id != "" {
		return url.JoinPath(e.Base, "rooms", id)
	}
	return "", fmt.Errorf("unknown channel key %q", key)
}

func withToken(endpoint, token string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("invalid endpoint %q: %w", endpoint, err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
