package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"localconnect/internal/auth"
	"localconnect/internal/models"
)

const writeWait = 5 * time.Second

// Channel is a single socket connection for one key. Handlers are attached
// before Listen; nothing is read from the socket until then.
type Channel struct {
	key  Key
	conn Conn

	writeMu sync.Mutex

	mu       sync.Mutex
	closed   bool
	onFrame  func(models.ServerFrame)
	onError  func(error)
	onClose  func(error)
	teardown func()

	listenOnce sync.Once
	finishOnce sync.Once
}

// Open checks the credential, then dials endpoint with the credential in the
// token query parameter.
func Open(ctx context.Context, dialer Dialer, key Key, endpoint, credential string) (*Channel, error) {
	if err := auth.CheckCredential(credential, time.Now()); err != nil {
		return nil, err
	}
	target, err := withToken(endpoint, credential)
	if err != nil {
		return nil, err
	}

	conn, err := dialer.Dial(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", key, err)
	}

	return &Channel{key: key, conn: conn}, nil
}

func (c *Channel) Key() Key {
	return c.key
}

func (c *Channel) OnFrame(h func(models.ServerFrame)) {
	c.mu.Lock()
	c.onFrame = h
	c.mu.Unlock()
}

func (c *Channel) OnError(h func(error)) {
	c.mu.Lock()
	c.onError = h
	c.mu.Unlock()
}

// OnClose is called once when the channel ends. The reason is nil for a
// local Close.
func (c *Channel) OnClose(h func(error)) {
	c.mu.Lock()
	c.onClose = h
	c.mu.Unlock()
}

func (c *Channel) setTeardown(f func()) {
	c.mu.Lock()
	c.teardown = f
	c.mu.Unlock()
}

// Listen starts the read loop. Calling it more than once has no effect.
func (c *Channel) Listen() {
	c.listenOnce.Do(func() {
		go c.readLoop()
	})
}

// Ready reports whether frames can be sent.
func (c *Channel) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *Channel) Send(frame models.ClientFrame) error {
	if !c.Ready() {
		return ErrClosed
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("send %s frame: %w", frame.Type, err)
	}
	return nil
}

// Close shuts the socket down. It is safe to call repeatedly and from
// handlers; it does not wait for the read loop.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.writeMu.Lock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = c.conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	c.writeMu.Unlock()

	err := c.conn.Close()
	c.finish(nil)
	return err
}

func (c *Channel) readLoop() {
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}

		var frame models.ServerFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Warn("malformed frame ignored", "key", c.key, "error", err)
			continue
		}
		if !frame.Type.Known() {
			slog.Warn("unknown frame ignored", "key", c.key, "type", frame.Type)
			continue
		}

		c.mu.Lock()
		closed, h := c.closed, c.onFrame
		c.mu.Unlock()
		if closed {
			return
		}
		if h != nil {
			h(frame)
		}
	}
}

// fail handles the end of the read side. A read error after a local Close
// is expected and not reported.
func (c *Channel) fail(err error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	onError := c.onError
	c.mu.Unlock()

	_ = c.conn.Close()

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		slog.Info("channel closed by server", "key", c.key, "reason", err)
	} else {
		slog.Warn("channel transport error", "key", c.key, "error", err)
		if onError != nil {
			onError(err)
		}
	}
	c.finish(err)
}

func (c *Channel) finish(reason error) {
	c.finishOnce.Do(func() {
		c.mu.Lock()
		onClose, teardown := c.onClose, c.teardown
		c.mu.Unlock()

		if teardown != nil {
			teardown()
		}
		if onClose != nil {
			onClose(reason)
		}
	})
}
