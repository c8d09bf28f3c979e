package api

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"localconnect/internal/models"
)

func (c *Client) Participants(ctx context.Context, roomID string) ([]models.Participant, error) {
	var ps list[models.Participant]
	if err := c.do(ctx, http.MethodGet, "/chat/rooms/"+url.PathEscape(roomID)+"/participants/", nil, nil, &ps); err != nil {
		return nil, err
	}
	return ps, nil
}

func (c *Client) AddParticipant(ctx context.Context, roomID, userID string) error {
	if userID == "" {
		return errors.New("user id is required")
	}
	return c.do(ctx, http.MethodPost, "/chat/rooms/"+url.PathEscape(roomID)+"/add_participant/", nil,
		map[string]string{"user_id": userID}, nil)
}

func (c *Client) RemoveParticipant(ctx context.Context, participantID string) error {
	return c.do(ctx, http.MethodDelete, "/chat/participants/"+url.PathEscape(participantID)+"/", nil, nil, nil)
}

func (c *Client) UpdateRole(ctx context.Context, participantID string, role models.Role) error {
	switch role {
	case models.RoleAdmin, models.RoleModerator, models.RoleMember:
	default:
		return errors.New("invalid role: " + string(role))
	}
	return c.do(ctx, http.MethodPost, "/chat/participants/"+url.PathEscape(participantID)+"/update_role/", nil,
		map[string]models.Role{"role": role}, nil)
}
