package socket

import (
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/stationfy/arena-chat-sdk-sub000/model"
	"github.com/stationfy/arena-chat-sdk-sub000/registry"
	"github.com/stationfy/arena-chat-sdk-sub000/telemetry"
)

// Registry holds one Session per normalized endpoint. Every channel of the
// same chat room shares the session, its heartbeat and its reconnect state.
type Registry struct {
	sessions *registry.Registry[*Session]
	config   *Config
	opts     []Option
	logger   *slog.Logger
}

// NewRegistry creates an empty registry. opts apply to every session it
// creates.
func NewRegistry(config *Config, logger *slog.Logger, opts ...Option) *Registry {
	return &Registry{
		sessions: registry.New[*Session](),
		config:   config.withDefaults(),
		opts:     opts,
		logger:   telemetry.OrDiscard(logger),
	}
}

// Acquire returns the session for endpoint, creating it and starting its
// first connection attempt on first use.
func (r *Registry) Acquire(endpoint string) (*Session, error) {
	key, err := NormalizeEndpoint(endpoint, nil)
	if err != nil {
		return nil, err
	}

	session, created, err := r.sessions.GetOrCreate(key, func() (*Session, error) {
		opts := append([]Option{WithLogger(r.logger)}, r.opts...)
		return NewSession(key, r.config, opts...)
	})
	if err != nil {
		return nil, err
	}
	if created {
		go func() {
			_ = session.Connect()
		}()
	}
	return session, nil
}

// Get returns the session for endpoint if one exists.
func (r *Registry) Get(endpoint string) (*Session, bool) {
	key, err := NormalizeEndpoint(endpoint, nil)
	if err != nil {
		return nil, false
	}
	session, err := r.sessions.Get(key)
	if err != nil {
		return nil, false
	}
	return session, true
}

// Dispose closes and forgets the session for endpoint.
func (r *Registry) Dispose(endpoint string) error {
	key, err := NormalizeEndpoint(endpoint, nil)
	if err != nil {
		return err
	}
	session, ok := r.sessions.Delete(key)
	if !ok {
		return model.NotFoundError("socket dispose", "no session for "+key)
	}
	return session.Close()
}

// Endpoints lists the endpoints with a live session.
func (r *Registry) Endpoints() []string {
	return r.sessions.Keys()
}

// NotifyOnline forwards an offline→online transition to every session.
func (r *Registry) NotifyOnline() {
	for _, session := range r.sessions.Values() {
		session.NotifyOnline()
	}
}

// NotifyOffline forwards loss of network to every session.
func (r *Registry) NotifyOffline() {
	for _, session := range r.sessions.Values() {
		session.NotifyOffline()
	}
}

// NotifyFocus forwards a focus event to every session.
func (r *Registry) NotifyFocus() {
	for _, session := range r.sessions.Values() {
		session.NotifyFocus()
	}
}

// Close closes every session concurrently. It is safe to call more than once.
func (r *Registry) Close() error {
	var group errgroup.Group
	for _, session := range r.sessions.Drain() {
		group.Go(session.Close)
	}
	return group.Wait()
}
