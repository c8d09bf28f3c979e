package ws

import (
	"context"
	"log/slog"
	"sync"

	"golang.org/x/sync/singleflight"

	"localconnect/internal/auth"
)

// Registry owns every open channel, at most one per key. It is the only
// place that dials.
type Registry struct {
	dialer    Dialer
	endpoints Endpoints
	identity  auth.Provider

	group singleflight.Group

	mu       sync.Mutex
	channels map[Key]*Channel
	// gens is bumped on Release so a dial that finishes afterwards is discarded.
	gens  map[Key]uint64
	epoch uint64
}

func NewRegistry(dialer Dialer, endpoints Endpoints, identity auth.Provider) *Registry {
	return &Registry{
		dialer:    dialer,
		endpoints: endpoints,
		identity:  identity,
		channels:  make(map[Key]*Channel),
		gens:      make(map[Key]uint64),
	}
}

// Acquire returns the live channel for key, dialing one if needed.
// Concurrent calls for the same key share a single dial.
func (r *Registry) Acquire(ctx context.Context, key Key) (*Channel, error) {
	if ch := r.Get(key); ch != nil {
		return ch, nil
	}

	v, err, _ := r.group.Do(string(key), func() (any, error) {
		r.mu.Lock()
		if ch, ok := r.channels[key]; ok {
			r.mu.Unlock()
			return ch, nil
		}
		gen, epoch := r.gens[key], r.epoch
		r.mu.Unlock()

		endpoint, err := r.endpoints.For(key)
		if err != nil {
			return nil, err
		}
		id, err := r.identity.Identity(ctx)
		if err != nil {
			return nil, err
		}

		ch, err := Open(ctx, r.dialer, key, endpoint, id.Token)
		if err != nil {
			return nil, err
		}
		ch.setTeardown(func() { r.forget(key, ch) })

		r.mu.Lock()
		if r.gens[key] != gen || r.epoch != epoch {
			r.mu.Unlock()
			slog.Debug("discarding channel released during dial", "key", key)
			_ = ch.Close()
			return nil, ErrReleased
		}
		r.channels[key] = ch
		r.mu.Unlock()

		slog.Debug("channel opened", "key", key)
		return ch, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Channel), nil
}

// Get returns the live channel for key or nil.
func (r *Registry) Get(key Key) *Channel {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.channels[key]
}

// Release closes the channel for key and cancels any dial in flight.
func (r *Registry) Release(key Key) {
	r.mu.Lock()
	r.gens[key]++
	ch := r.channels[key]
	delete(r.channels, key)
	r.mu.Unlock()

	if ch != nil {
		slog.Debug("channel released", "key", key)
		_ = ch.Close()
	}
}

func (r *Registry) ReleaseAll() {
	r.mu.Lock()
	r.epoch++
	channels := r.channels
	r.channels = make(map[Key]*Channel)
	r.mu.Unlock()

	for _, ch := range channels {
		_ = ch.Close()
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.channels)
}

// forget drops a channel that ended on its own, unless it was replaced.
func (r *Registry) forget(key Key, ch *Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.channels[key] == ch {
		delete(r.channels, key)
	}
}
