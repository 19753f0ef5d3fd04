package docstore

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/stationfy/arena-chat-sdk-sub000/model"
	"github.com/stationfy/arena-chat-sdk-sub000/telemetry"
)

// DefaultRedisPrefix namespaces every key and channel the store touches.
const DefaultRedisPrefix = "arenachat:"

// RedisStore keeps each collection in a Redis hash (document id → JSON) and
// announces writes on a per-collection pub/sub channel. Listeners re-read
// their collection on each announcement and diff it against what they last
// delivered, so processes sharing the Redis server see each other's writes.
type RedisStore struct {
	client *redis.Client
	pubsub *redis.PubSub
	prefix string
	logger *slog.Logger

	mu       sync.RWMutex
	watchers map[string]map[*watcher]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	closed bool

	wg sync.WaitGroup
}

// NewRedisStore creates a Redis-backed store. The client should be
// configured and reachable.
func NewRedisStore(ctx context.Context, client *redis.Client, prefix string, logger *slog.Logger) (*RedisStore, error) {
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, model.ConnectionError("docstore connect", "failed to connect to Redis").WithCause(err)
	}
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}

	storeCtx, cancel := context.WithCancel(ctx)

	r := &RedisStore{
		client:   client,
		prefix:   prefix,
		logger:   telemetry.OrDiscard(logger).With("component", "docstore", "backend", "redis"),
		watchers: make(map[string]map[*watcher]struct{}),
		ctx:      storeCtx,
		cancel:   cancel,
	}
	r.pubsub = client.Subscribe(storeCtx)

	r.wg.Add(1)
	go r.handleMessages()

	return r, nil
}

func (r *RedisStore) documentsKey(path string) string {
	return r.prefix + "docs:" + path
}

func (r *RedisStore) changesChannel(path string) string {
	return r.prefix + "changes:" + path
}

func (r *RedisStore) loadCollection(ctx context.Context, path string) (map[string]Document, error) {
	entries, err := r.client.HGetAll(ctx, r.documentsKey(path)).Result()
	if err != nil {
		return nil, model.ConnectionError("docstore get", "failed to read collection "+path).WithCause(err)
	}

	docs := make(map[string]Document, len(entries))
	for id, raw := range entries {
		var data map[string]interface{}
		if err := json.Unmarshal([]byte(raw), &data); err != nil {
			r.logger.Warn("skipping malformed document", "path", path, "id", id, "error", err)
			continue
		}
		docs[id] = Document{ID: id, Data: data}
	}
	return docs, nil
}

func (r *RedisStore) Get(ctx context.Context, query Query) ([]Document, error) {
	if err := query.Validate(); err != nil {
		return nil, err
	}
	if r.isClosed() {
		return nil, model.ClosedError("docstore get", "store is closed")
	}

	docs, err := r.loadCollection(ctx, cleanPath(query.Path))
	if err != nil {
		return nil, err
	}
	window, _ := query.run(docs)

	return window, nil
}

func (r *RedisStore) Listen(ctx context.Context, query Query, listener Listener) (func(), error) {
	if err := query.Validate(); err != nil {
		return nil, err
	}
	if listener == nil {
		return nil, model.ValidationError("docstore listen", "listener is required")
	}
	path := cleanPath(query.Path)

	load := func(ctx context.Context) ([]Document, map[string]bool, error) {
		docs, err := r.loadCollection(ctx, path)
		if err != nil {
			return nil, nil, err
		}
		window, matching := query.run(docs)
		return window, matching, nil
	}
	w := newWatcher(r.ctx, query, listener, load, r.logger)

	if err := r.register(path, w); err != nil {
		return nil, err
	}

	initial, _, err := load(r.ctx)
	if err != nil {
		r.unregister(path, w)
		return nil, err
	}
	w.start(initial)

	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				r.unregister(path, w)
			case <-w.ctx.Done():
			}
		}()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			r.unregister(path, w)
		})
	}, nil
}

// register adds w and subscribes to the collection's channel on first use.
func (r *RedisStore) register(path string, w *watcher) error {
	r.mu.Lock()

	defer r.mu.Unlock()

	if r.closed {
		return model.ClosedError("docstore listen", "store is closed")
	}
	if _, exists := r.watchers[path]; !exists {
		if err := r.pubsub.Subscribe(r.ctx, r.changesChannel(path)); err != nil {
			return model.ConnectionError("docstore listen", "failed to subscribe to "+path).WithCause(err)
		}
		r.watchers[path] = make(map[*watcher]struct{})
	}
	r.watchers[path][w] = struct{}{}

	return nil
}

// unregister removes w and drops the channel subscription once nobody
// listens to the collection.
func (r *RedisStore) unregister(path string, w *watcher) {
	w.stop()

	r.mu.Lock()

	defer r.mu.Unlock()

	watchers, exists := r.watchers[path]
	if !exists {
		return
	}
	delete(watchers, w)
	if len(watchers) > 0 || r.closed {
		return
	}
	delete(r.watchers, path)
	if err := r.pubsub.Unsubscribe(r.ctx, r.changesChannel(path)); err != nil {
		r.logger.Warn("failed to unsubscribe", "path", path, "error", err)
	}
}

func (r *RedisStore) Set(ctx context.Context, path, id string, data interface{}) error {
	if err := validateTarget("docstore set", path, id); err != nil {
		return err
	}
	normalized, err := normalize(data)
	if err != nil {
		return err
	}
	if r.isClosed() {
		return model.ClosedError("docstore set", "store is closed")
	}
	path = cleanPath(path)

	raw, err := json.Marshal(normalized)
	if err != nil {
		return model.ValidationError("docstore set", "document is not serializable").WithCause(err)
	}
	if err := r.client.HSet(ctx, r.documentsKey(path), id, raw).Err(); err != nil {
		return model.ConnectionError("docstore set", "failed to write document").WithCause(err).WithMessage(id)
	}
	return r.announce(ctx, path, id)
}

func (r *RedisStore) Delete(ctx context.Context, path, id string) error {
	if err := validateTarget("docstore delete", path, id); err != nil {
		return err
	}
	if r.isClosed() {
		return model.ClosedError("docstore delete", "store is closed")
	}
	path = cleanPath(path)

	removed, err := r.client.HDel(ctx, r.documentsKey(path), id).Result()
	if err != nil {
		return model.ConnectionError("docstore delete", "failed to delete document").WithCause(err).WithMessage(id)
	}
	if removed == 0 {
		return nil
	}
	return r.announce(ctx, path, id)
}

func (r *RedisStore) announce(ctx context.Context, path, id string) error {
	if err := r.client.Publish(ctx, r.changesChannel(path), id).Err(); err != nil {
		return model.ConnectionError("docstore publish", "failed to announce change").WithCause(err).WithMessage(id)
	}
	return nil
}

func (r *RedisStore) isClosed() bool {
	r.mu.RLock()

	defer r.mu.RUnlock()

	return r.closed
}

// Close stops every listener and the subscription connection. The Redis
// client itself stays open; it belongs to the caller.
func (r *RedisStore) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	for _, watchers := range r.watchers {
		for w := range watchers {
			w.stop()
		}
	}
	r.watchers = make(map[string]map[*watcher]struct{})
	r.mu.Unlock()

	r.cancel()

	if err := r.pubsub.Close(); err != nil {
		return model.ConnectionError("docstore close", "failed to close subscription").WithCause(err)
	}
	r.wg.Wait()

	return nil
}

func (r *RedisStore) handleMessages() {
	defer r.wg.Done()

	ch := r.pubsub.Channel()
	changesPrefix := r.prefix + "changes:"

	for {
		select {
		case <-r.ctx.Done():
			return

		case msg, ok := <-ch:
			if !ok {
				return
			}
			if !strings.HasPrefix(msg.Channel, changesPrefix) {
				continue
			}
			r.wake(strings.TrimPrefix(msg.Channel, changesPrefix))
		}
	}
}

func (r *RedisStore) wake(path string) {
	r.mu.RLock()

	defer r.mu.RUnlock()

	for w := range r.watchers[path] {
		w.notify()
	}
}
