// Package wstest provides socket doubles for channel and session tests.
package wstest

import (
	"context"
	"encoding/json"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"localconnect/internal/models"
	"localconnect/internal/ws"
)

// Conn is an in-memory ws.Conn. Frames pushed with Push are returned by
// ReadMessage; frames written by the client are recorded.
type Conn struct {
	in   chan []byte
	fail chan error
	done chan struct{}

	mu         sync.Mutex
	sent       []models.ClientFrame
	closed     bool
	closeFrame bool
	writeErr   error
}

func NewConn() *Conn {
	return &Conn{
		in:   make(chan []byte, 64),
		fail: make(chan error, 1),
		done: make(chan struct{}),
	}
}

func (c *Conn) ReadMessage() (int, []byte, error) {
	select {
	case data := <-c.in:
		return websocket.TextMessage, data, nil
	case err := <-c.fail:
		return 0, nil, err
	case <-c.done:
		return 0, nil, net.ErrClosed
	}
}

func (c *Conn) WriteMessage(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return net.ErrClosed
	}
	if c.writeErr != nil {
		return c.writeErr
	}
	if messageType == websocket.CloseMessage {
		c.closeFrame = true
		return nil
	}
	var f models.ClientFrame
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	c.sent = append(c.sent, f)
	return nil
}

func (c *Conn) SetWriteDeadline(time.Time) error { return nil }

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	return nil
}

// Push queues a server frame for the client to read.
func (c *Conn) Push(frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		panic(err)
	}
	c.in <- data
}

// PushRaw queues bytes verbatim, e.g. malformed JSON.
func (c *Conn) PushRaw(data []byte) {
	c.in <- data
}

// Fail makes the pending read return err.
func (c *Conn) Fail(err error) {
	c.fail <- err
}

// RemoteClose simulates a normal close initiated by the server.
func (c *Conn) RemoteClose() {
	c.fail <- &websocket.CloseError{Code: websocket.CloseNormalClosure}
}

// FailWrites makes every following write return err.
func (c *Conn) FailWrites(err error) {
	c.mu.Lock()
	c.writeErr = err
	c.mu.Unlock()
}

func (c *Conn) Sent() []models.ClientFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.ClientFrame(nil), c.sent...)
}

func (c *Conn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// SentCloseFrame reports whether the client sent a close control frame.
func (c *Conn) SentCloseFrame() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeFrame
}

// Dialer hands out a fresh Conn per Dial and records the endpoints.
type Dialer struct {
	mu    sync.Mutex
	err   error
	gate  chan struct{}
	urls  []string
	conns []*Conn

	// dialed holds the endpoint of each entry in conns.
	dialed []string
}

// Fail makes following dials return err.
func (d *Dialer) Fail(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

// Hold blocks following dials until the returned function is called.
func (d *Dialer) Hold() (release func()) {
	gate := make(chan struct{})
	d.mu.Lock()
	d.gate = gate
	d.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			if d.gate == gate {
				d.gate = nil
			}
			d.mu.Unlock()
			close(gate)
		})
	}
}

func (d *Dialer) Dial(ctx context.Context, endpoint string) (ws.Conn, error) {
	d.mu.Lock()
	d.urls = append(d.urls, endpoint)
	gate := d.gate
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	c := NewConn()
	d.conns = append(d.conns, c)
	d.dialed = append(d.dialed, endpoint)
	return c, nil
}

func (d *Dialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

func (d *Dialer) URLs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.urls...)
}

// Last returns the most recently dialed Conn or nil.
func (d *Dialer) Last() *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// ConnFor returns the most recent Conn whose endpoint contains path, or nil.
func (d *Dialer) ConnFor(path string) *Conn {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i := len(d.conns) - 1; i >= 0; i-- {
		if strings.Contains(d.dialed[i], path) {
			return d.conns[i]
		}
	}
	return nil
}
