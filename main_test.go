package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"localconnect/internal/models"
	"localconnect/internal/ws/wstest"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestIntegration(t *testing.T) {
	self := models.User{ID: "1", Username: "alice"}

	sockets := wstest.NewServer("very-secure-test-token", self)
	sockets.Echo = true
	defer sockets.Close()

	respond := func(w http.ResponseWriter, v any) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(v)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /accounts/current-user/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":1,"username":"alice","email":"alice@example.com"}`))
	})
	mux.HandleFunc("GET /chat/rooms/", func(w http.ResponseWriter, r *http.Request) {
		respond(w, []models.Room{{ID: "r1", Name: "General", Kind: models.RoomKindCommunity, ParticipantCount: 2}})
	})
	mux.HandleFunc("GET /chat/messages/by_room/", func(w http.ResponseWriter, r *http.Request) {
		respond(w, []models.Message{})
	})
	mux.HandleFunc("GET /chat/rooms/{id}/participants/", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"id":5,"user":{"id":1,"username":"alice"},"chat_room":"r1","role":"admin"}]`))
	})
	mux.HandleFunc("POST /chat/rooms/{id}/mark_as_read/", func(w http.ResponseWriter, r *http.Request) {
		respond(w, map[string]string{})
	})
	mux.HandleFunc("GET /notifications/", func(w http.ResponseWriter, r *http.Request) {
		respond(w, []models.Notification{})
	})
	mux.HandleFunc("GET /notifications/summary/", func(w http.ResponseWriter, r *http.Request) {
		respond(w, map[string]int{"unread_count": 0})
	})
	backend := httptest.NewServer(mux)
	defer backend.Close()

	t.Setenv("LC_API_URL", backend.URL)
	t.Setenv("LC_WS_URL", sockets.WSURL())
	t.Setenv("LC_TOKEN", "very-secure-test-token")
	t.Setenv("LC_USER_ID", self.ID.String())
	t.Setenv("LC_USERNAME", "")
	t.Setenv("LC_MAX_RECORDS", "100")
	t.Setenv("LC_OUTBOX_DB", filepath.Join(t.TempDir(), "integration_test.db"))
	t.Setenv("LOG_LEVEL", "error")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	in := strings.NewReader("/rooms\n/room r1\nhello\n/who\n/quit\n")
	out := &syncBuffer{}
	require.NoError(t, run(ctx, in, out))

	got := out.String()
	require.Contains(t, got, "r1  General (community, 2 members)")
	require.Contains(t, got, "joined r1 as admin")
	require.Contains(t, got, "alice: hello")
	require.Contains(t, got, "5  alice (admin)")

	var sent bool
	for !sent {
		select {
		case r := <-sockets.Received():
			sent = r.Path == "/ws/rooms/r1" && r.Frame.Type == models.ClientFrameTypeMessage && r.Frame.Content == "hello"
		case <-ctx.Done():
			t.Fatal("message frame not received")
		}
	}
}

func TestRun_MissingToken(t *testing.T) {
	t.Setenv("LC_TOKEN", "")
	err := run(context.Background(), strings.NewReader(""), &syncBuffer{})
	require.ErrorContains(t, err, "LC_TOKEN is required")
}
