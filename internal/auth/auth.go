package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"localconnect/internal/models"
)

var (
	ErrMissingCredential = errors.New("missing credential")
	ErrCredentialExpired = errors.New("credential expired")
)

// Identity is the authenticated user as supplied by the identity provider.
type Identity struct {
	UserID   string
	Username string
	Token    string
}

// Matches reports whether a user reference from the wire (id or username)
// denotes this identity.
func (i Identity) Matches(user string) bool {
	if user == "" {
		return false
	}
	return user == i.UserID || (i.Username != "" && user == i.Username)
}

// Is reports whether u is this identity, by id when both sides have one.
func (i Identity) Is(u models.User) bool {
	if i.UserID != "" && u.ID != "" {
		return i.UserID == string(u.ID)
	}
	return i.Username != "" && i.Username == u.Username
}

// Provider supplies the bearer credential and the local user. Its lifecycle
// is owned by the caller.
type Provider interface {
	Identity(ctx context.Context) (Identity, error)
}

// Claims is what the client can learn from a bearer token without the
// server's signing key. Opaque tokens only carry the raw value.
type Claims struct {
	Subject   string
	UserID    string
	ExpiresAt time.Time
	Opaque    bool
}

// ParseCredential inspects a bearer token. JWTs are decoded without
// verification to read the expiry and subject; anything else is treated as
// an opaque token.
func ParseCredential(token string) (Claims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claims{}, ErrMissingCredential
	}

	mc := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, mc); err != nil {
		return Claims{Opaque: true}, nil
	}

	var c Claims
	if sub, err := mc.GetSubject(); err == nil {
		c.Subject = sub
	}
	switch v := mc["user_id"].(type) {
	case string:
		c.UserID = v
	case float64:
		c.UserID = fmt.Sprintf("%.0f", v)
	}
	if c.UserID == "" {
		c.UserID = c.Subject
	}
	exp, err := mc.GetExpirationTime()
	if err != nil {
		return Claims{}, fmt.Errorf("invalid exp claim: %w", err)
	}
	if exp != nil {
		c.ExpiresAt = exp.Time
	}
	return c, nil
}

// CheckCredential fails for a missing token or a JWT whose expiry is not
// after now.
func CheckCredential(token string, now time.Time) error {
	c, err := ParseCredential(token)
	if err != nil {
		return err
	}
	if !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt) {
		return fmt.Errorf("%w at %s", ErrCredentialExpired, c.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

// StaticProvider serves a fixed identity, typically from configuration.
type StaticProvider struct {
	identity Identity
}

// NewStaticProvider builds a provider for token. A missing userID is taken
// from the token's user_id or sub claim.
func NewStaticProvider(token, userID, username string) (*StaticProvider, error) {
	claims, err := ParseCredential(token)
	if err != nil {
		return nil, err
	}
	if userID == "" {
		userID = claims.UserID
	}
	if userID == "" {
		return nil, errors.New("user id is neither configured nor present in the token")
	}
	return &StaticProvider{identity: Identity{
		UserID:   userID,
		Username: username,
		Token:    strings.TrimSpace(token),
	}}, nil
}

func (p *StaticProvider) Identity(_ context.Context) (Identity, error) {
	return p.identity, nil
}

// ProfileLookup returns the server's record of the authenticated user.
type ProfileLookup func(ctx context.Context) (models.User, error)

// ProfileProvider completes an identity that lacks a username from the
// user's profile. Typing frames name users by username, so it is needed to
// recognise the local user. A resolved username is kept for the life of
// the provider; a failed lookup is retried on the next call.
type ProfileProvider struct {
	base   Provider
	lookup ProfileLookup
	group  singleflight.Group

	mu       sync.Mutex
	username string
}

func NewProfileProvider(base Provider, lookup ProfileLookup) *ProfileProvider {
	return &ProfileProvider{base: base, lookup: lookup}
}

func (p *ProfileProvider) Identity(ctx context.Context) (Identity, error) {
	id, err := p.base.Identity(ctx)
	if err != nil || id.Username != "" {
		return id, err
	}

	p.mu.Lock()
	username := p.username
	p.mu.Unlock()
	if username != "" {
		id.Username = username
		return id, nil
	}

	v, err, _ := p.group.Do("profile", func() (any, error) {
		u, err := p.lookup(ctx)
		if err != nil {
			return "", fmt.Errorf("resolve username: %w", err)
		}
		if u.Username == "" {
			return "", errors.New("resolve username: profile has no username")
		}
		if id.UserID != "" && u.ID != "" && string(u.ID) != id.UserID {
			return "", fmt.Errorf("resolve username: profile belongs to user %s, not %s", u.ID, id.UserID)
		}
		p.mu.Lock()
		p.username = u.Username
		p.mu.Unlock()
		return u.Username, nil
	})
	if err != nil {
		return Identity{}, err
	}
	id.Username = v.(string)
	return id, nil
}
