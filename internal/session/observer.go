package session

import (
	"localconnect/internal/chat"
	"localconnect/internal/models"
)

// Observer receives session events. Methods are called from socket read
// loops and timers and must not block.
type Observer interface {
	OnTimeline(roomID string, entries []chat.Entry)
	OnTyping(roomID string, users []string)
	// OnDegraded reports that the room has no socket; sends use the API.
	OnDegraded(roomID string, err error)
	OnDiagnostic(roomID, text string)
	OnSendFailed(roomID, tempID string, err error)
	OnNotifications(list []models.Notification, unread int)
}

// NopObserver ignores every event. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) OnTimeline(string, []chat.Entry) {}
func (NopObserver) OnTyping(string, []string) {}
func (NopObserver) OnDegraded(string, error) {}
func (NopObserver) OnDiagnostic(string, string) {}
func (NopObserver) OnSendFailed(string, string, error) {}
func (NopObserver) OnNotifications([]models.Notification, int) {}
