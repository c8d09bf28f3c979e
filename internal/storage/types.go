package storage

import (
	"encoding"
	"encoding/binary"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

// DBDraft is an unsent draft kept in the outbox.
type DBDraft struct {
	TempID    string `msgpack:"tempId"`
	RoomID    string `msgpack:"roomId"`
	Content   string `msgpack:"content"`
	Kind      string `msgpack:"kind"`
	ReplyTo   string `msgpack:"replyTo"`
	FileURL   string `msgpack:"fileUrl"`
	FileName  string `msgpack:"fileName"`
	FileSize  int64  `msgpack:"fileSize"`
	CreatedAt int64  `msgpack:"createdAt"`
	Reason    string `msgpack:"reason"`
}

func (d *DBDraft) Key() []byte {
	return []byte(d.TempID)
}

func (d *DBDraft) MarshalBinary() (data []byte, err error) {
	type alias DBDraft
	return msgpack.Marshal((*alias)(d))
}

func (d *DBDraft) UnmarshalBinary(data []byte) error {
	type alias DBDraft
	return msgpack.Unmarshal(data, (*alias)(d))
}

type DBRoom struct {
	ID               string `msgpack:"id"`
	Name             string `msgpack:"name"`
	Kind             string `msgpack:"kind"`
	ParticipantCount int    `msgpack:"participantCount"`
	UnreadCount      int    `msgpack:"unreadCount"`
}

func (r *DBRoom) Key() []byte {
	return []byte(r.ID)
}

func (r *DBRoom) MarshalBinary() (data []byte, err error) {
	type alias DBRoom
	return msgpack.Marshal((*alias)(r))
}

func (r *DBRoom) UnmarshalBinary(data []byte) error {
	type alias DBRoom
	return msgpack.Unmarshal(data, (*alias)(r))
}

// DBMessage is a cached history message. Seq is its position in the
// oldest-first history.
type DBMessage struct {
	Seq             int64  `msgpack:"seq"`
	ID              string `msgpack:"id"`
	RoomID          string `msgpack:"roomId"`
	SenderID        string `msgpack:"senderId"`
	SenderName      string `msgpack:"senderName"`
	Content         string `msgpack:"content"`
	Kind            string `msgpack:"kind"`
	ReplyToID       string `msgpack:"replyToId"`
	ReplyContent    string `msgpack:"replyContent"`
	ReplySenderID   string `msgpack:"replySenderId"`
	ReplySenderName string `msgpack:"replySenderName"`
	FileURL         string `msgpack:"fileUrl"`
	FileName        string `msgpack:"fileName"`
	FileSize        int64  `msgpack:"fileSize"`
	CreatedAt       int64  `msgpack:"createdAt"`
	IsEdited        bool   `msgpack:"isEdited"`
	IsDeleted       bool   `msgpack:"isDeleted"`
}

func (m *DBMessage) Key() []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, uint64(m.Seq))
	return key
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}
