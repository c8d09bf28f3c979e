package api

import (
	"context"
	"net/http"
	"net/url"

	"localconnect/internal/models"
)

func (c *Client) Rooms(ctx context.Context) ([]models.Room, error) {
	var rooms list[models.Room]
	if err := c.do(ctx, http.MethodGet, "/chat/rooms/", nil, nil, &rooms); err != nil {
		return nil, err
	}
	return rooms, nil
}

// CreateRoom creates a room owned by the caller, who becomes its admin.
// participantIDs are added as members.
func (c *Client) CreateRoom(ctx context.Context, name string, kind models.RoomKind, description string, participantIDs []string) (models.Room, error) {
	if participantIDs == nil {
		participantIDs = []string{}
	}
	req := struct {
		Name           string          `json:"name"`
		Kind           models.RoomKind `json:"room_type"`
		Description    string          `json:"description"`
		ParticipantIDs []string        `json:"participant_ids"`
	}{name, kind, description, participantIDs}

	var r models.Room
	err := c.do(ctx, http.MethodPost, "/chat/rooms/", nil, req, &r)
	return r, err
}

// History returns a room's messages oldest first.
func (c *Client) History(ctx context.Context, roomID string) ([]models.Message, error) {
	var msgs list[models.Message]
	q := url.Values{"room_id": {roomID}}
	if err := c.do(ctx, http.MethodGet, "/chat/messages/by_room/", q, nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

func (c *Client) MarkRoomRead(ctx context.Context, roomID string) error {
	return c.do(ctx, http.MethodPost, "/chat/rooms/"+url.PathEscape(roomID)+"/mark_as_read/", nil, nil, nil)
}

// CreateMessage persists a draft through REST.
func (c *Client) CreateMessage(ctx context.Context, d models.Draft) (models.Message, error) {
	kind := d.Kind
	if kind == "" {
		kind = models.MessageKindText
	}
	req := struct {
		RoomID   string             `json:"chat_room"`
		Content  string             `json:"content"`
		Kind     models.MessageKind `json:"message_type"`
		ReplyTo  string             `json:"reply_to,omitempty"`
		FileURL  string             `json:"file_url,omitempty"`
		FileName string             `json:"file_name,omitempty"`
		FileSize int64              `json:"file_size,omitempty"`
	}{d.RoomID, d.Content, kind, d.ReplyTo, d.FileURL, d.FileName, d.FileSize}

	var m models.Message
	err := c.do(ctx, http.MethodPost, "/chat/messages/", nil, req, &m)
	return m, err
}

// Reply posts content as a reply to messageID.
func (c *Client) Reply(ctx context.Context, messageID, content string) (models.Message, error) {
	var m models.Message
	err := c.do(ctx, http.MethodPost, "/chat/messages/"+url.PathEscape(messageID)+"/reply/", nil,
		map[string]string{"content": content}, &m)
	return m, err
}

func (c *Client) EditMessage(ctx context.Context, messageID, content string) (models.Message, error) {
	var m models.Message
	err := c.do(ctx, http.MethodPost, "/chat/messages/"+url.PathEscape(messageID)+"/edit/", nil,
		map[string]string{"content": content}, &m)
	return m, err
}

func (c *Client) DeleteMessage(ctx context.Context, messageID string) error {
	return c.do(ctx, http.MethodDelete, "/chat/messages/"+url.PathEscape(messageID)+"/", nil, nil, nil)
}
