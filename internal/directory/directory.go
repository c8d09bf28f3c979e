// Package directory is a read-through cache of rooms and room participants
// in front of the REST API.
package directory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/c-pro/geche"

	"localconnect/internal/models"
)

const roomsKey = "rooms"

// Source is the REST side of the directory.
type Source interface {
	Rooms(ctx context.Context) ([]models.Room, error)
	Participants(ctx context.Context, roomID string) ([]models.Participant, error)
	CreateRoom(ctx context.Context, name string, kind models.RoomKind, description string, participantIDs []string) (models.Room, error)
}

// OfflineStore keeps the last room list for when the API is unreachable.
type OfflineStore interface {
	UpsertRooms(rooms []models.Room) error
	ListRooms() ([]models.Room, error)
}

type Directory struct {
	src     Source
	offline OfflineStore

	rooms        geche.Geche[string, []models.Room]
	participants geche.Geche[string, []models.Participant]
}

// New builds a directory whose entries live for ttl. The cleanup goroutines
// stop with ctx. offline may be nil.
func New(ctx context.Context, src Source, offline OfflineStore, ttl time.Duration) *Directory {
	return &Directory{
		src:          src,
		offline:      offline,
		rooms:        geche.NewMapTTLCache[string, []models.Room](ctx, ttl, time.Minute),
		participants: geche.NewMapTTLCache[string, []models.Participant](ctx, ttl, time.Minute),
	}
}

// Rooms returns the room list. When the API fails the offline copy is
// served instead, if there is one.
func (d *Directory) Rooms(ctx context.Context) ([]models.Room, error) {
	if rooms, err := d.rooms.Get(roomsKey); err == nil {
		return rooms, nil
	}

	rooms, err := d.src.Rooms(ctx)
	if err != nil {
		if cached, ok := d.offlineRooms(); ok {
			slog.Warn("serving offline room list", "error", err)
			return cached, nil
		}
		return nil, err
	}

	d.rooms.Set(roomsKey, rooms)
	if d.offline != nil {
		if err := d.offline.UpsertRooms(rooms); err != nil {
			slog.Error("failed to store room list", "error", err)
		}
	}
	return rooms, nil
}

func (d *Directory) offlineRooms() ([]models.Room, bool) {
	if d.offline == nil {
		return nil, false
	}
	rooms, err := d.offline.ListRooms()
	if err != nil || len(rooms) == 0 {
		return nil, false
	}
	return rooms, true
}

// CreateRoom creates a room with the caller as admin. The cached room list
// is dropped so the next listing includes it.
func (d *Directory) CreateRoom(ctx context.Context, name string, kind models.RoomKind, participantIDs []string) (models.Room, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.Room{}, errors.New("room name is required")
	}
	if !kind.Valid() {
		return models.Room{}, fmt.Errorf("unknown room type %q", kind)
	}
	r, err := d.src.CreateRoom(ctx, name, kind, "", participantIDs)
	if err != nil {
		return models.Room{}, err
	}
	d.InvalidateRooms()
	return r, nil
}

// Room looks a room up in the room list.
func (d *Directory) Room(ctx context.Context, roomID string) (models.Room, error) {
	rooms, err := d.Rooms(ctx)
	if err != nil {
		return models.Room{}, err
	}
	for _, r := range rooms {
		if r.ID == roomID {
			return r, nil
		}
	}
	return models.Room{}, models.ErrNotFound
}

func (d *Directory) Participants(ctx context.Context, roomID string) ([]models.Participant, error) {
	if ps, err := d.participants.Get(roomID); err == nil {
		return ps, nil
	}
	ps, err := d.src.Participants(ctx, roomID)
	if err != nil {
		return nil, err
	}
	d.participants.Set(roomID, ps)
	return ps, nil
}

// RoleOf resolves the role of a user in a room. match decides whether a
// participant is that user.
func (d *Directory) RoleOf(ctx context.Context, roomID string, match func(models.User) bool) (models.Role, error) {
	ps, err := d.Participants(ctx, roomID)
	if err != nil {
		return "", err
	}
	for _, p := range ps {
		if match(p.User) {
			return p.Role, nil
		}
	}
	return "", models.ErrNotFound
}

// InvalidateParticipants drops the cached participant list of a room.
func (d *Directory) InvalidateParticipants(roomID string) {
	if err := d.participants.Del(roomID); err != nil && !errors.Is(err, geche.ErrNotFound) {
		slog.Debug("participant cache delete failed", "room_id", roomID, "error", err)
	}
}

// InvalidateRooms drops the cached room list, e.g. after unread counts change.
func (d *Directory) InvalidateRooms() {
	if err := d.rooms.Del(roomsKey); err != nil && !errors.Is(err, geche.ErrNotFound) {
		slog.Debug("room cache delete failed", "error", err)
	}
}
