package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrNotFound = errors.New("not found")
)

type RoomKind string

const (
	RoomKindCommunity RoomKind = "community"
	RoomKindPrivate   RoomKind = "private"
	RoomKindEvent     RoomKind = "event"
)

// ID is a server key. Users, participants and notifications use integer
// keys while rooms and messages use UUID strings; both decode to the same
// textual form.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case bytes.Equal(data, []byte("null")):
		*id = ""
		return nil
	case len(data) > 0 && data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %s", data)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string { return string(id) }

// User is the minimal identity carried by messages and participants.
type User struct {
	ID       ID     `json:"id"`
	Username string `json:"username"`
}

// Room represents a chat room as listed by the server.
type Room struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	Kind             RoomKind `json:"room_type"`
	ParticipantCount int      `json:"participant_count"`
	LastMessage      *Message `json:"last_message,omitempty"`
	UnreadCount      int      `json:"unread_count"`
}

// Valid reports whether k is a room type the server accepts.
func (k RoomKind) Valid() bool {
	switch k {
	case RoomKindCommunity, RoomKindPrivate, RoomKindEvent:
		return true
	}
	return false
}

type MessageKind string

const (
	MessageKindText   MessageKind = "text"
	MessageKindImage  MessageKind = "image"
	MessageKindFile   MessageKind = "file"
	MessageKindSystem MessageKind = "system"
)

// ReplyRef is the server-embedded snapshot of a reply target.
type ReplyRef struct {
	ID      string `json:"id"`
	Content string `json:"content"`
	Sender  User   `json:"sender"`
}

// Message represents a chat message. ID is empty until the server confirms it.
type Message struct {
	ID        string      `json:"id"`
	RoomID    string      `json:"chat_room"`
	Sender    User        `json:"sender"`
	Content   string      `json:"content"`
	Kind      MessageKind `json:"message_type"`
	ReplyTo   *ReplyRef   `json:"reply_to,omitempty"`
	FileURL   string      `json:"file_url,omitempty"`
	FileName  string      `json:"file_name,omitempty"`
	FileSize  int64       `json:"file_size,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
	IsEdited  bool        `json:"is_edited"`
	IsDeleted bool        `json:"is_deleted"`
}

// Draft is a locally authored message that has not been sent yet.
type Draft struct {
	RoomID   string      `json:"chat_room"`
	Content  string      `json:"content"`
	Kind     MessageKind `json:"message_type"`
	ReplyTo  string      `json:"reply_to,omitempty"`
	FileURL  string      `json:"file_url,omitempty"`
	FileName string      `json:"file_name,omitempty"`
	FileSize int64       `json:"file_size,omitempty"`
}

type Role string

const (
	RoleAdmin     Role = "admin"
	RoleModerator Role = "moderator"
	RoleMember    Role = "member"
)

// Participant binds a user to a room with a role.
type Participant struct {
	ID     ID     `json:"id"`
	User   User   `json:"user"`
	RoomID string `json:"chat_room,omitempty"`
	Role   Role   `json:"role"`
}

type NotificationType string

const (
	NotificationTypeComment    NotificationType = "comment"
	NotificationTypeReply      NotificationType = "reply"
	NotificationTypePostStatus NotificationType = "post_status"
	NotificationTypeMention    NotificationType = "mention"
	NotificationTypeAdmin      NotificationType = "admin"
	NotificationTypeChat       NotificationType = "chat"
	NotificationTypeSystem     NotificationType = "system"
)

// UnmarshalJSON accepts the server's upper-case spelling ("POST_STATUS").
func (t *NotificationType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*t = NotificationType(strings.ToLower(s))
	return nil
}

// NotificationData is the free-form payload attached to a notification.
// Only the keys the client links to are decoded.
type NotificationData struct {
	PostID    ID     `json:"post_id,omitempty"`
	PostTitle string `json:"post_title,omitempty"`
	CommentID ID     `json:"comment_id,omitempty"`
	RoomID    ID     `json:"room_id,omitempty"`
}

// Notification is an item of the global notification feed.
type Notification struct {
	ID      ID               `json:"id"`
	Type    NotificationType `json:"notification_type"`
	IsRead  bool             `json:"is_read"`
	Title   string           `json:"title"`
	Message string           `json:"message"`
	Data    NotificationData `json:"data"`
	TimeAgo string           `json:"time_ago,omitempty"`
}

type ClientFrameType string

const (
	ClientFrameTypeMessage ClientFrameType = "message"
	ClientFrameTypeTyping  ClientFrameType = "typing"
	ClientFrameTypeRead    ClientFrameType = "read"
)

// ClientFrame is sent from the client over a room channel.
type ClientFrame struct {
	Type        ClientFrameType `json:"type"`
	Content     string          `json:"content,omitempty"`
	MessageType MessageKind     `json:"message_type,omitempty"`
	ReplyTo     string          `json:"reply_to,omitempty"`
	FileURL     string          `json:"file_url,omitempty"`
	FileName    string          `json:"file_name,omitempty"`
	FileSize    int64           `json:"file_size,omitempty"`
	IsTyping    *bool           `json:"is_typing,omitempty"`
}

// MessageFrame builds the outgoing frame for a draft.
func MessageFrame(d Draft) ClientFrame {
	kind := d.Kind
	if kind == "" {
		kind = MessageKindText
	}
	return ClientFrame{
		Type:        ClientFrameTypeMessage,
		Content:     d.Content,
		MessageType: kind,
		ReplyTo:     d.ReplyTo,
		FileURL:     d.FileURL,
		FileName:    d.FileName,
		FileSize:    d.FileSize,
	}
}

func TypingFrame(isTyping bool) ClientFrame {
	return ClientFrame{Type: ClientFrameTypeTyping, IsTyping: &isTyping}
}

type ServerFrameType string

const (
	ServerFrameTypeChatMessage      ServerFrameType = "chat_message"
	ServerFrameTypeTyping           ServerFrameType = "typing"
	ServerFrameTypeConnected        ServerFrameType = "connection_established"
	ServerFrameTypeError            ServerFrameType = "error"
	ServerFrameTypeRead             ServerFrameType = "messages_read"
	ServerFrameTypeNotification     ServerFrameType = "notification"
	ServerFrameTypeChatNotification ServerFrameType = "chat_notification"
	ServerFrameTypeNotifyConnected  ServerFrameType = "notification_connection_established"
)

// Known reports whether the frame type is part of the protocol.
func (t ServerFrameType) Known() bool {
	switch t {
	case ServerFrameTypeChatMessage, ServerFrameTypeTyping, ServerFrameTypeConnected,
		ServerFrameTypeError, ServerFrameTypeRead, ServerFrameTypeNotification,
		ServerFrameTypeChatNotification, ServerFrameTypeNotifyConnected:
		return true
	}
	return false
}

// ServerFrame is received from the server. Message holds a chat message
// object for chat_message frames and a plain string for error frames.
type ServerFrame struct {
	Type         ServerFrameType `json:"type"`
	Message      json.RawMessage `json:"message,omitempty"`
	User         string          `json:"user,omitempty"`
	IsTyping     bool            `json:"is_typing,omitempty"`
	RoomID       string          `json:"room_id,omitempty"`
	Notification *Notification   `json:"notification,omitempty"`
}

// ChatMessage decodes the message payload of a chat_message frame.
func (f ServerFrame) ChatMessage() (Message, error) {
	var m Message
	if len(f.Message) == 0 {
		return m, errors.New("frame has no message payload")
	}
	err := json.Unmarshal(f.Message, &m)
	return m, err
}

// ErrorText returns the error description of an error frame.
func (f ServerFrame) ErrorText() string {
	var s string
	if err := json.Unmarshal(f.Message, &s); err == nil {
		return s
	}
	return string(f.Message)
}
