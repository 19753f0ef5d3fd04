// Package arenachat keeps a local, realtime view of chat channels in sync
// with the chat backend over a command socket or a document push service.
//
// A Context owns everything shared between channels: one socket session per
// endpoint, the push service store and the write backend. Channels are
// created through it and live until disposed or until the Context closes.
package arenachat

import (
	"context"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/stationfy/arena-chat-sdk-sub000/docstore"
	"github.com/stationfy/arena-chat-sdk-sub000/model"
	"github.com/stationfy/arena-chat-sdk-sub000/registry"
	"github.com/stationfy/arena-chat-sdk-sub000/socket"
	"github.com/stationfy/arena-chat-sdk-sub000/telemetry"
	"github.com/stationfy/arena-chat-sdk-sub000/transport"
)

// Context is the top-level owner of sessions, channels and the store.
type Context struct {
	config  *Config
	logger  *slog.Logger
	metrics telemetry.MetricsCollector

	sessions *socket.Registry
	channels *registry.Registry[*Channel]

	store      docstore.Store
	ownsStore  bool
	redis      *redis.Client
	ownsRedis  bool
	backend    transport.Backend
	registerer prometheus.Registerer

	socketOpts []socket.Option

	closeOnce sync.Once
	closeErr  error
}

type Option func(*Context)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Context) {
		c.logger = logger
	}
}

func WithMetrics(metrics telemetry.MetricsCollector) Option {
	return func(c *Context) {
		c.metrics = metrics
	}
}

// WithRegisterer is where Prometheus collectors are registered when metrics
// are enabled. Defaults to the global registerer.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(c *Context) {
		c.registerer = reg
	}
}

// WithStore injects the push service store. The Context does not close it.
func WithStore(store docstore.Store) Option {
	return func(c *Context) {
		c.store = store
	}
}

// WithRedisClient reuses client for the redis backend. The Context does not
// close it.
func WithRedisClient(client *redis.Client) Option {
	return func(c *Context) {
		c.redis = client
	}
}

// WithBackend injects the write backend. Defaults to a StoreBackend over the
// push service store.
func WithBackend(backend transport.Backend) Option {
	return func(c *Context) {
		c.backend = backend
	}
}

// WithSocketOptions applies opts to every socket session.
func WithSocketOptions(opts ...socket.Option) Option {
	return func(c *Context) {
		c.socketOpts = append(c.socketOpts, opts...)
	}
}

// New builds a Context from cfg. ctx bounds the store's background work.
func New(ctx context.Context, cfg *Config, opts ...Option) (*Context, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	resolved := *cfg
	applyDefaults(&resolved)
	cfg = &resolved
	if err := cfg.Validate(); err != nil {
		return nil, model.ValidationError("new context", "invalid configuration").WithCause(err)
	}

	c := &Context{
		config:   cfg,
		channels: registry.New[*Channel](),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.logger == nil {
		c.logger = telemetry.NewLogger(cfg.Logging)
	}
	if c.metrics == nil && cfg.Metrics.Enabled {
		c.metrics = telemetry.NewPrometheusMetrics(c.registerer)
	}
	c.metrics = telemetry.OrNoop(c.metrics)

	if err := c.openStore(ctx); err != nil {
		return nil, err
	}
	if c.backend == nil {
		c.backend = transport.NewStoreBackend(c.store)
	}

	socketConfig := cfg.Socket.Config
	socketOpts := append([]socket.Option{socket.WithMetrics(c.metrics)}, c.socketOpts...)
	c.sessions = socket.NewRegistry(&socketConfig, c.logger, socketOpts...)

	return c, nil
}

func (c *Context) openStore(ctx context.Context) error {
	if c.store != nil {
		return nil
	}

	switch c.config.Docstore.Backend {
	case BackendRedis:
		client := c.redis
		if client == nil {
			client = redis.NewClient(&redis.Options{
				Addr:     c.config.Docstore.Redis.Addr,
				Password: c.config.Docstore.Redis.Password,
				DB:       c.config.Docstore.Redis.DB,
			})
			c.redis = client
			c.ownsRedis = true
		}
		store, err := docstore.NewRedisStore(ctx, client, c.config.Docstore.Redis.Prefix, c.logger)
		if err != nil {
			if c.ownsRedis {
				_ = client.Close()
			}
			return model.Wrap(err, "new context")
		}
		c.store = store
	default:
		c.store = docstore.NewMemoryStore(ctx, c.logger)
	}
	c.ownsStore = true
	return nil
}

func (c *Context) Logger() *slog.Logger {
	return c.logger
}

// Store returns the push service store channels read from.
func (c *Context) Store() docstore.Store {
	return c.store
}

func (c *Context) Backend() transport.Backend {
	return c.backend
}

// Sessions returns the socket session registry.
func (c *Context) Sessions() *socket.Registry {
	return c.sessions
}

// Channel returns the channel with options.ChannelID, creating it on first
// use. A later call with the same id returns the existing channel.
func (c *Context) Channel(options ChannelOptions) (*Channel, error) {
	if err := options.Validate(); err != nil {
		return nil, err
	}

	for {
		channel, created, err := c.channels.GetOrCreate(options.ChannelID, func() (*Channel, error) {
			return c.buildChannel(options)
		})
		if err != nil {
			return nil, err
		}
		if created || !channel.isClosed() {
			return channel, nil
		}
		// Closed directly rather than disposed; replace it.
		c.channels.Delete(options.ChannelID)
	}
}

func (c *Context) buildChannel(options ChannelOptions) (*Channel, error) {
	ref := options.ref()

	newPush := func() transport.Strategy {
		return transport.NewPushStrategy(c.store, ref, c.logger)
	}

	initial := newPush
	if c.config.SocketEnabled(options.SiteID) {
		endpoint, err := socket.NormalizeEndpoint(c.config.Socket.URL, c.config.socketParams())
		if err != nil {
			return nil, err
		}
		session, err := c.sessions.Acquire(endpoint)
		if err != nil {
			return nil, err
		}
		initial = func() transport.Strategy {
			return transport.NewSocketStrategy(session, ref, c.logger)
		}
	}

	selector := transport.NewSelector(initial(), newPush,
		transport.WithSelectorLogger(c.logger.With("channel", ref.ChannelID)),
		transport.WithSelectorMetrics(c.metrics),
	)

	return newChannel(options, channelDeps{
		reader:    selector,
		backend:   c.backend,
		reactions: transport.NewReactionSource(c.store, ref, c.logger),
		logger:    c.logger,
		metrics:   c.metrics,
	}), nil
}

// DisposeChannel closes the channel with channelID and forgets it.
func (c *Context) DisposeChannel(channelID string) error {
	channel, ok := c.channels.Delete(channelID)
	if !ok {
		return model.NotFoundError("dispose channel", "no such channel").WithChannel(channelID)
	}
	return channel.Close()
}

// Channels returns the ids of the live channels.
func (c *Context) Channels() []string {
	return c.channels.Keys()
}

// NotifyOnline reports that the network came back.
func (c *Context) NotifyOnline() {
	c.sessions.NotifyOnline()
}

func (c *Context) NotifyOffline() {
	c.sessions.NotifyOffline()
}

// NotifyFocus reports that the application regained focus.
func (c *Context) NotifyFocus() {
	c.sessions.NotifyFocus()
}

// Close closes every channel, then every socket session, then the store the
// Context opened. It is idempotent.
func (c *Context) Close() error {
	c.closeOnce.Do(func() {
		var channels errgroup.Group
		for _, channel := range c.channels.Drain() {
			channels.Go(channel.Close)
		}
		channelErr := channels.Wait()

		sessionErr := c.sessions.Close()

		var storeErr, redisErr error
		if c.ownsStore {
			storeErr = c.store.Close()
		}
		if c.ownsRedis {
			redisErr = c.redis.Close()
		}

		c.closeErr = model.Combine(channelErr, sessionErr, storeErr, redisErr)
	})
	return c.closeErr
}
