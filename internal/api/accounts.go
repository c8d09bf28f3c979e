package api

import (
	"context"
	"net/http"

	"localconnect/internal/models"
)

// Profile returns the user the bearer token belongs to.
func (c *Client) Profile(ctx context.Context) (models.User, error) {
	var u models.User
	err := c.do(ctx, http.MethodGet, "/accounts/current-user/", nil, nil, &u)
	return u, err
}
