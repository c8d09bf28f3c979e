package ws_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"localconnect/internal/auth"
	"localconnect/internal/models"
	"localconnect/internal/ws"
	"localconnect/internal/ws/wstest"
)

func openTest(t *testing.T) (*ws.Channel, *wstest.Conn) {
	t.Helper()
	d := &wstest.Dialer{}
	ch, err := ws.Open(context.Background(), d, ws.RoomKey("r1"), "ws://example/ws/rooms/r1", "token")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return ch, d.Last()
}

func TestChannel_OpenCredential(t *testing.T) {
	d := &wstest.Dialer{}

	if _, err := ws.Open(context.Background(), d, ws.RoomKey("r1"), "ws://example/ws/rooms/r1", ""); !errors.Is(err, auth.ErrMissingCredential) {
		t.Errorf("expected ErrMissingCredential, got %v", err)
	}

	expired, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": "u1",
		"exp":     time.Now().Add(-time.Minute).Unix(),
	}).SignedString([]byte("k"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := ws.Open(context.Background(), d, ws.RoomKey("r1"), "ws://example/ws/rooms/r1", expired); !errors.Is(err, auth.ErrCredentialExpired) {
		t.Errorf("expected ErrCredentialExpired, got %v", err)
	}

	if d.Dials() != 0 {
		t.Errorf("expected no dial for invalid credentials, got %d", d.Dials())
	}

	if _, err := ws.Open(context.Background(), d, ws.RoomKey("r1"), "ws://example/ws/rooms/r1", "abc"); err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if got := d.URLs()[0]; got != "ws://example/ws/rooms/r1?token=abc" {
		t.Errorf("unexpected dial url %q", got)
	}
}

func TestChannel_FramesAfterListen(t *testing.T) {
	ch, conn := openTest(t)

	frames := make(chan models.ServerFrame, 10)
	ch.OnFrame(func(f models.ServerFrame) { frames <- f })

	conn.Push(models.ServerFrame{Type: models.ServerFrameTypeConnected})
	select {
	case <-frames:
		t.Fatal("frame delivered before Listen")
	case <-time.After(50 * time.Millisecond):
	}

	ch.Listen()
	ch.Listen()

	conn.PushRaw([]byte("{not json"))
	conn.Push(map[string]any{"type": "presence_update"})
	conn.Push(models.ServerFrame{Type: models.ServerFrameTypeTyping, User: "bob", IsTyping: true})

	for _, want := range []models.ServerFrameType{models.ServerFrameTypeConnected, models.ServerFrameTypeTyping} {
		select {
		case f := <-frames:
			if f.Type != want {
				t.Errorf("expected %s frame, got %s", want, f.Type)
			}
		case <-time.After(time.Second):
			t.Fatalf("timeout waiting for %s frame", want)
		}
	}
}

func TestChannel_Send(t *testing.T) {
	ch, conn := openTest(t)

	if !ch.Ready() {
		t.Fatal("expected channel to be ready")
	}
	if err := ch.Send(models.TypingFrame(true)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	sent := conn.Sent()
	if len(sent) != 1 || sent[0].Type != models.ClientFrameTypeTyping || sent[0].IsTyping == nil || !*sent[0].IsTyping {
		t.Errorf("unexpected frames %+v", sent)
	}

	conn.FailWrites(errors.New("broken pipe"))
	if err := ch.Send(models.TypingFrame(false)); err == nil || !strings.Contains(err.Error(), "broken pipe") {
		t.Errorf("expected write error, got %v", err)
	}

	_ = ch.Close()
	if err := ch.Send(models.TypingFrame(false)); !errors.Is(err, ws.ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestChannel_CloseIdempotent(t *testing.T) {
	ch, conn := openTest(t)

	var mu sync.Mutex
	var reasons []error
	ch.OnClose(func(err error) {
		mu.Lock()
		reasons = append(reasons, err)
		mu.Unlock()
	})
	ch.Listen()

	if err := ch.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := ch.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	if ch.Ready() {
		t.Error("closed channel reports ready")
	}
	if !conn.Closed() || !conn.SentCloseFrame() {
		t.Error("expected close frame and closed socket")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(reasons) != 1 || reasons[0] != nil {
		t.Errorf("expected a single nil close reason, got %v", reasons)
	}
}

func TestChannel_TransportError(t *testing.T) {
	ch, conn := openTest(t)

	var mu sync.Mutex
	var events []string
	record := func(s string) {
		mu.Lock()
		events = append(events, s)
		mu.Unlock()
	}
	closed := make(chan error, 2)
	ch.OnError(func(err error) { record("error") })
	ch.OnClose(func(err error) {
		record("close")
		closed <- err
	})
	ch.Listen()

	conn.Fail(errors.New("connection reset"))

	select {
	case err := <-closed:
		if err == nil {
			t.Error("expected close reason")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for close")
	}

	_ = ch.Close()

	mu.Lock()
	defer mu.Unlock()
	if strings.Join(events, ",") != "error,close" {
		t.Errorf("unexpected event order %v", events)
	}
}

func TestChannel_RemoteClose(t *testing.T) {
	ch, conn := openTest(t)

	errs := make(chan error, 1)
	closed := make(chan struct{})
	ch.OnError(func(err error) { errs <- err })
	ch.OnClose(func(error) { close(closed) })
	ch.Listen()

	conn.RemoteClose()

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for close")
	}
	select {
	case err := <-errs:
		t.Errorf("normal closure reported as error: %v", err)
	default:
	}
}

func TestChannel_NoDispatchAfterClose(t *testing.T) {
	ch, conn := openTest(t)

	frames := make(chan models.ServerFrame, 10)
	ch.OnFrame(func(f models.ServerFrame) { frames <- f })
	_ = ch.Close()

	conn.Push(models.ServerFrame{Type: models.ServerFrameTypeConnected})
	ch.Listen()

	select {
	case f := <-frames:
		t.Errorf("frame dispatched after Close: %+v", f)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEndpoints(t *testing.T) {
	e := ws.Endpoints{Base: "ws://localhost:8000/ws"}

	got, err := e.For(ws.RoomKey("abc"))
	if err != nil || got != "ws://localhost:8000/ws/rooms/abc" {
		t.Errorf("room endpoint = %q, %v", got, err)
	}
	got, err = e.For(ws.NotificationsKey)
	if err != nil || got != "ws://localhost:8000/ws/notifications" {
		t.Errorf("notifications endpoint = %q, %v", got, err)
	}
	if _, err := e.For(ws.Key("other")); err == nil {
		t.Error("expected error for unknown key")
	}
	if ws.RoomKey("notifications") == ws.NotificationsKey {
		t.Error("room key collides with notifications key")
	}
}
