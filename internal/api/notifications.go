package api

import (
	"context"
	"net/http"
	"net/url"

	"localconnect/internal/models"
)

func (c *Client) Notifications(ctx context.Context) ([]models.Notification, error) {
	var ns list[models.Notification]
	if err := c.do(ctx, http.MethodGet, "/notifications/", nil, nil, &ns); err != nil {
		return nil, err
	}
	return ns, nil
}

func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	var summary struct {
		UnreadCount int `json:"unread_count"`
	}
	if err := c.do(ctx, http.MethodGet, "/notifications/summary/", nil, nil, &summary); err != nil {
		return 0, err
	}
	return summary.UnreadCount, nil
}

func (c *Client) MarkNotificationRead(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/notifications/"+url.PathEscape(id)+"/mark_as_read/", nil, nil, nil)
}

func (c *Client) MarkAllNotificationsRead(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/notifications/mark_all_as_read/", nil, nil, nil)
}

func (c *Client) DeleteNotification(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/notifications/"+url.PathEscape(id)+"/", nil, nil, nil)
}

// ClearNotifications deletes every notification of the user and returns how
// many the server removed.
func (c *Client) ClearNotifications(ctx context.Context) (int, error) {
	var out struct {
		DeletedCount int `json:"deleted_count"`
	}
	if err := c.do(ctx, http.MethodDelete, "/notifications/clear_all/", nil, nil, &out); err != nil {
		return 0, err
	}
	return out.DeletedCount, nil
}
