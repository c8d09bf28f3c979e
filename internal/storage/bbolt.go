package storage

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"go.etcd.io/bbolt"

	"localconnect/internal/models"
)

var (
	bucketDrafts   = []byte("drafts")
	bucketRooms    = []byte("rooms")
	bucketMessages = []byte("messages")
)

// StoredDraft is an outbox entry: a draft the server has not accepted.
type StoredDraft struct {
	TempID    string
	Draft     models.Draft
	CreatedAt time.Time
	Reason    string
}

type BboltStorage struct {
	db *bbolt.DB
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		for _, b := range [][]byte{bucketDrafts, bucketRooms, bucketMessages} {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// UpsertDraft stores or updates a failed draft in its room's outbox.
func (s *BboltStorage) UpsertDraft(d StoredDraft) error {
	if d.Draft.RoomID == "" || d.TempID == "" {
		return errors.New("draft missing room or temp id")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		roomBucket, err := tx.Bucket(bucketDrafts).CreateBucketIfNotExists([]byte(d.Draft.RoomID))
		if err != nil {
			return fmt.Errorf("failed to create room bucket: %w", err)
		}
		dbDraft := &DBDraft{
			TempID:    d.TempID,
			RoomID:    d.Draft.RoomID,
			Content:   d.Draft.Content,
			Kind:      string(d.Draft.Kind),
			ReplyTo:   d.Draft.ReplyTo,
			FileURL:   d.Draft.FileURL,
			FileName:  d.Draft.FileName,
			FileSize:  d.Draft.FileSize,
			CreatedAt: d.CreatedAt.UnixNano(),
			Reason:    d.Reason,
		}
		data, err := dbDraft.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal draft: %w", err)
		}
		return roomBucket.Put(dbDraft.Key(), data)
	})
}

// DeleteDraft removes a draft. Deleting an absent draft is not an error.
func (s *BboltStorage) DeleteDraft(roomID, tempID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		roomBucket := tx.Bucket(bucketDrafts).Bucket([]byte(roomID))
		if roomBucket == nil {
			return nil
		}
		return roomBucket.Delete([]byte(tempID))
	})
}

// ListDrafts returns a room's outbox ordered by creation time.
func (s *BboltStorage) ListDrafts(roomID string) ([]StoredDraft, error) {
	var drafts []StoredDraft
	err := s.db.View(func(tx *bbolt.Tx) error {
		roomBucket := tx.Bucket(bucketDrafts).Bucket([]byte(roomID))
		if roomBucket == nil {
			return nil
		}
		return roomBucket.ForEach(func(k, v []byte) error {
			var d DBDraft
			if err := d.UnmarshalBinary(v); err != nil {
				return err
			}
			drafts = append(drafts, StoredDraft{
				TempID: d.TempID,
				Draft: models.Draft{
					RoomID:   d.RoomID,
					Content:  d.Content,
					Kind:     models.MessageKind(d.Kind),
					ReplyTo:  d.ReplyTo,
					FileURL:  d.FileURL,
					FileName: d.FileName,
					FileSize: d.FileSize,
				},
				CreatedAt: time.Unix(0, d.CreatedAt),
				Reason:    d.Reason,
			})
			return nil
		})
	})
	slices.SortStableFunc(drafts, func(a, b StoredDraft) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return drafts, err
}

// UpsertRooms replaces the cached room list.
func (s *BboltStorage) UpsertRooms(rooms []models.Room) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.DeleteBucket(bucketRooms); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return err
		}
		b, err := tx.CreateBucket(bucketRooms)
		if err != nil {
			return err
		}
		for _, r := range rooms {
			dbRoom := &DBRoom{
				ID:               r.ID,
				Name:             r.Name,
				Kind:             string(r.Kind),
				ParticipantCount: r.ParticipantCount,
				UnreadCount:      r.UnreadCount,
			}
			data, err := dbRoom.MarshalBinary()
			if err != nil {
				return err
			}
			if err := b.Put(dbRoom.Key(), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListRooms returns the cached room list ordered by name.
func (s *BboltStorage) ListRooms() ([]models.Room, error) {
	var rooms []models.Room
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketRooms).ForEach(func(k, v []byte) error {
			var r DBRoom
			if err := r.UnmarshalBinary(v); err != nil {
				return err
			}
			rooms = append(rooms, models.Room{
				ID:               r.ID,
				Name:             r.Name,
				Kind:             models.RoomKind(r.Kind),
				ParticipantCount: r.ParticipantCount,
				UnreadCount:      r.UnreadCount,
			})
			return nil
		})
	})
	slices.SortStableFunc(rooms, func(a, b models.Room) int {
		switch {
		case a.Name < b.Name:
			return -1
		case a.Name > b.Name:
			return 1
		}
		return 0
	})
	return rooms, err
}

// ReplaceMessages stores msgs as the offline copy of a room's history.
func (s *BboltStorage) ReplaceMessages(roomID string, msgs []models.Message) error {
	if roomID == "" {
		return errors.New("messages missing roomID")
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		mainMsgBucket := tx.Bucket(bucketMessages)
		if err := mainMsgBucket.DeleteBucket([]byte(roomID)); err != nil && !errors.Is(err, bbolt.ErrBucketNotFound) {
			return err
		}
		roomBucket, err := mainMsgBucket.CreateBucket([]byte(roomID))
		if err != nil {
			return fmt.Errorf("failed to create room bucket: %w", err)
		}

		for i, m := range msgs {
			dbMsg := toDBMessage(int64(i), roomID, m)
			data, err := dbMsg.MarshalBinary()
			if err != nil {
				return fmt.Errorf("failed to marshal message: %w", err)
			}
			if err := roomBucket.Put(dbMsg.Key(), data); err != nil {
				return fmt.Errorf("failed to put message: %w", err)
			}
		}
		return nil
	})
}

// ListMessages returns the cached history of a room, oldest first.
func (s *BboltStorage) ListMessages(roomID string) ([]models.Message, error) {
	var messages []models.Message
	err := s.db.View(func(tx *bbolt.Tx) error {
		roomBucket := tx.Bucket(bucketMessages).Bucket([]byte(roomID))
		if roomBucket == nil {
			return models.ErrNotFound
		}
		c := roomBucket.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			var dbMsg DBMessage
			if err := dbMsg.UnmarshalBinary(v); err != nil {
				return err
			}
			messages = append(messages, fromDBMessage(dbMsg))
		}
		return nil
	})
	return messages, err
}

func toDBMessage(seq int64, roomID string, m models.Message) *DBMessage {
	dbMsg := &DBMessage{
		Seq:        seq,
		ID:         m.ID,
		RoomID:     roomID,
		SenderID:   string(m.Sender.ID),
		SenderName: m.Sender.Username,
		Content:    m.Content,
		Kind:       string(m.Kind),
		FileURL:    m.FileURL,
		FileName:   m.FileName,
		FileSize:   m.FileSize,
		CreatedAt:  m.CreatedAt.UnixNano(),
		IsEdited:   m.IsEdited,
		IsDeleted:  m.IsDeleted,
	}
	if r := m.ReplyTo; r != nil {
		dbMsg.ReplyToID = r.ID
		dbMsg.ReplyContent = r.Content
		dbMsg.ReplySenderID = string(r.Sender.ID)
		dbMsg.ReplySenderName = r.Sender.Username
	}
	return dbMsg
}

func fromDBMessage(d DBMessage) models.Message {
	m := models.Message{
		ID:        d.ID,
		RoomID:    d.RoomID,
		Sender:    models.User{ID: models.ID(d.SenderID), Username: d.SenderName},
		Content:   d.Content,
		Kind:      models.MessageKind(d.Kind),
		FileURL:   d.FileURL,
		FileName:  d.FileName,
		FileSize:  d.FileSize,
		CreatedAt: time.Unix(0, d.CreatedAt).UTC(),
		IsEdited:  d.IsEdited,
		IsDeleted: d.IsDeleted,
	}
	if d.ReplyToID != "" {
		m.ReplyTo = &models.ReplyRef{
			ID:      d.ReplyToID,
			Content: d.ReplyContent,
			Sender:  models.User{ID: models.ID(d.ReplySenderID), Username: d.ReplySenderName},
		}
	}
	return m
}
