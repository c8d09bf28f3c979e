package wstest

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"localconnect/internal/models"
)

// Received is a client frame as seen by the Server.
type Received struct {
	Path  string
	Frame models.ClientFrame
}

// Server is a socket backend speaking the chat protocol, mounted under /ws.
// It accepts only Token and, with Echo set, answers every message frame with
// a chat_message from Self.
type Server struct {
	*httptest.Server

	Token string
	Self  models.User
	Echo  bool

	upgrader websocket.Upgrader
	received chan Received

	mu    sync.Mutex
	conns map[string][]*serverConn
}

type serverConn struct {
	mu sync.Mutex
	c  *websocket.Conn
}

func (sc *serverConn) write(v any) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	_ = sc.c.SetWriteDeadline(time.Now().Add(time.Second))
	return sc.c.WriteJSON(v)
}

func NewServer(token string, self models.User) *Server {
	s := &Server{
		Token: token,
		Self:  self,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		received: make(chan Received, 100),
		conns:    make(map[string][]*serverConn),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handleConnections))
	return s
}

// WSURL is the socket base to hand to ws.Endpoints.
func (s *Server) WSURL() string {
	return "ws" + strings.TrimPrefix(s.Server.URL, "http") + "/ws"
}

func (s *Server) Received() <-chan Received {
	return s.received
}

// Connections returns the number of sockets opened on path, e.g. /ws/rooms/r1.
func (s *Server) Connections(path string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns[path])
}

// Push writes frame to every socket opened on path.
func (s *Server) Push(path string, frame any) {
	s.mu.Lock()
	conns := append([]*serverConn(nil), s.conns[path]...)
	s.mu.Unlock()

	for _, sc := range conns {
		if err := sc.write(frame); err != nil {
			slog.Debug("test server push failed", "path", path, "error", err)
		}
	}
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("token") != s.Token {
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	c, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("test server upgrade failed", "error", err)
		return
	}
	sc := &serverConn{c: c}
	path := strings.TrimSuffix(r.URL.Path, "/")

	s.mu.Lock()
	s.conns[path] = append(s.conns[path], sc)
	s.mu.Unlock()

	defer c.Close()

	connected := models.ServerFrameTypeConnected
	if strings.HasSuffix(path, "/notifications") {
		connected = models.ServerFrameTypeNotifyConnected
	}
	if err := sc.write(models.ServerFrame{Type: connected}); err != nil {
		return
	}

	roomID := strings.TrimPrefix(path, "/ws/rooms/")
	for {
		var f models.ClientFrame
		if err := c.ReadJSON(&f); err != nil {
			return
		}

		select {
		case s.received <- Received{Path: path, Frame: f}:
		default:
		}

		if s.Echo && f.Type == models.ClientFrameTypeMessage {
			if err := sc.write(s.echo(roomID, f)); err != nil {
				return
			}
		}
	}
}

func (s *Server) echo(roomID string, f models.ClientFrame) map[string]any {
	msg := models.Message{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		Sender:    s.Self,
		Content:   f.Content,
		Kind:      f.MessageType,
		FileURL:   f.FileURL,
		FileName:  f.FileName,
		FileSize:  f.FileSize,
		CreatedAt: time.Now().UTC(),
	}
	if f.ReplyTo != "" {
		msg.ReplyTo = &models.ReplyRef{ID: f.ReplyTo}
	}
	return map[string]any{
		"type":    models.ServerFrameTypeChatMessage,
		"message": msg,
	}
}
