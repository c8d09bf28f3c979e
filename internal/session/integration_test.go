package session_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"localconnect/internal/api"
	"localconnect/internal/auth"
	"localconnect/internal/chat"
	"localconnect/internal/directory"
	"localconnect/internal/models"
	"localconnect/internal/session"
	"localconnect/internal/storage"
	"localconnect/internal/ws"
	"localconnect/internal/ws/wstest"
)

// member is the local user as the backend knows it: integer keys on the
// wire, no username in the configuration.
var member = models.User{ID: "7", Username: "alice"}

func newBackend(t *testing.T) *httptest.Server {
	t.Helper()
	reply := func(w http.ResponseWriter, status int, v any) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
	}
	raw := func(w http.ResponseWriter, body string) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(body))
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /accounts/current-user/", func(w http.ResponseWriter, r *http.Request) {
		raw(w, `{"id":7,"username":"alice","email":"alice@example.com","is_verified":true}`)
	})
	mux.HandleFunc("GET /chat/rooms/", func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusOK, []models.Room{{ID: "r1", Name: "General", Kind: models.RoomKindCommunity}})
	})
	mux.HandleFunc("GET /chat/messages/by_room/", func(w http.ResponseWriter, r *http.Request) {
		created := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
		raw(w, `{"results":[{"id":"m1","chat_room":"`+r.URL.Query().Get("room_id")+`",`+
			`"sender":{"id":8,"username":"bob"},"content":"welcome","message_type":"text","created_at":"`+created+`"}]}`)
	})
	mux.HandleFunc("GET /chat/rooms/{id}/participants/", func(w http.ResponseWriter, r *http.Request) {
		raw(w, `[{"id":3,"user":{"id":7,"username":"alice"},"role":"admin"},`+
			`{"id":4,"user":{"id":8,"username":"bob"},"role":"member"}]`)
	})
	mux.HandleFunc("POST /chat/rooms/{id}/mark_as_read/", func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusOK, map[string]string{"status": "messages marked as read"})
	})
	mux.HandleFunc("POST /chat/messages/{id}/reply/", func(w http.ResponseWriter, r *http.Request) {
		var in struct {
			Content string `json:"content"`
		}
		_ = json.NewDecoder(r.Body).Decode(&in)
		reply(w, http.StatusCreated, models.Message{
			ID:        "m3",
			RoomID:    "r1",
			Sender:    member,
			Content:   in.Content,
			Kind:      models.MessageKindText,
			ReplyTo:   &models.ReplyRef{ID: r.PathValue("id"), Content: "welcome", Sender: models.User{ID: "8", Username: "bob"}},
			CreatedAt: time.Now().UTC(),
		})
	})
	mux.HandleFunc("GET /notifications/", func(w http.ResponseWriter, r *http.Request) {
		raw(w, `{"results":[{"id":1,"notification_type":"REPLY","title":"bob replied","is_read":false,`+
			`"data":{"post_id":15,"comment_id":2,"parent_comment_id":1}}]}`)
	})
	mux.HandleFunc("GET /notifications/summary/", func(w http.ResponseWriter, r *http.Request) {
		reply(w, http.StatusOK, map[string]int{"unread_count": 1})
	})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			reply(w, http.StatusUnauthorized, map[string]string{"detail": "Invalid token."})
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSession_EndToEnd(t *testing.T) {
	backend := newBackend(t)
	sockets := wstest.NewServer("secret", member)
	sockets.Echo = true
	t.Cleanup(sockets.Close)

	token, err := auth.NewStaticProvider("secret", member.ID.String(), "")
	require.NoError(t, err)
	store, err := storage.NewBboltStorage(filepath.Join(t.TempDir(), "client.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	client := api.NewClient(backend.URL, token, 5*time.Second)
	identity := auth.NewProfileProvider(token, client.Profile)
	registry := ws.NewRegistry(ws.GorillaDialer{Timeout: 5 * time.Second}, ws.Endpoints{Base: sockets.WSURL()}, identity)
	dir := directory.New(t.Context(), client, store, time.Minute)
	obs := &recorder{}

	sess := session.New(session.Deps{
		Registry:  registry,
		Identity:  identity,
		API:       client,
		Directory: dir,
		Outbox:    store,
		History:   store,
		Observer:  obs,
	}, session.Config{EchoTimeout: 10 * time.Second})
	t.Cleanup(sess.Close)

	notes := session.NewNotifications(registry, client, obs, session.NotificationsConfig{PollInterval: time.Hour})
	ctx := context.Background()
	require.NoError(t, notes.Authenticate(ctx))
	t.Cleanup(notes.Logout)
	require.Equal(t, 1, notes.UnreadCount())
	require.Equal(t, models.NotificationTypeReply, notes.List()[0].Type)
	require.Equal(t, models.ID("1"), notes.List()[0].ID)
	require.Equal(t, models.ID("15"), notes.List()[0].Data.PostID)

	rooms, err := dir.Rooms(ctx)
	require.NoError(t, err)
	require.Equal(t, "General", rooms[0].Name)

	require.NoError(t, sess.SelectRoom(ctx, "r1"))
	require.False(t, sess.Degraded())
	require.Equal(t, models.RoleAdmin, sess.Role())
	require.Eventually(t, func() bool { return sockets.Connections("/ws/rooms/r1") == 1 }, time.Second, 5*time.Millisecond)

	tempID, err := sess.SendMessage(ctx, models.Draft{Content: "hello"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		for _, e := range sess.Timeline() {
			if e.TempID == tempID && e.Status == chat.StatusConfirmed {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	_, err = sess.SendMessage(ctx, models.Draft{Content: "thanks bob", ReplyTo: "m1"})
	require.NoError(t, err)

	seq := sess.Timeline()
	require.Len(t, seq, 3)
	require.Equal(t, "welcome", seq[0].Message.Content)
	require.Equal(t, "hello", seq[1].Message.Content)
	require.NotEmpty(t, seq[1].Message.ID)
	require.Equal(t, "m3", seq[2].Message.ID)
	require.NotNil(t, seq[2].Reply)
	require.Equal(t, "bob", seq[2].Reply.Sender)
	require.Equal(t, "alice", seq[1].Message.Sender.Username)

	var kinds []models.ClientFrameType
	timeout := time.After(2 * time.Second)
	for len(kinds) < 2 {
		select {
		case got := <-sockets.Received():
			if got.Path == "/ws/rooms/r1" {
				kinds = append(kinds, got.Frame.Type)
			}
		case <-timeout:
			t.Fatalf("frames not received, got %v", kinds)
		}
	}
	require.Equal(t, []models.ClientFrameType{models.ClientFrameTypeRead, models.ClientFrameTypeMessage}, kinds)
	require.Equal(t, 1, sockets.Connections("/ws/notifications"))
}
