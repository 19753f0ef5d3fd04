package docstore

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/stationfy/arena-chat-sdk-sub000/model"
	"github.com/stationfy/arena-chat-sdk-sub000/telemetry"
)

// MemoryStore keeps collections in process memory. Every write wakes the
// listeners of its collection.
type MemoryStore struct {
	mu          sync.RWMutex
	collections map[string]map[string]Document
	watchers    map[string]map[*watcher]struct{}
	closed      bool
	ctx         context.Context
	cancel      context.CancelFunc
	logger      *slog.Logger
}

// NewMemoryStore creates an empty store. The context bounds the lifetime of
// every listener.
func NewMemoryStore(ctx context.Context, logger *slog.Logger) *MemoryStore {
	storeCtx, cancel := context.WithCancel(ctx)

	return &MemoryStore{
		collections: make(map[string]map[string]Document),
		watchers:    make(map[string]map[*watcher]struct{}),
		ctx:         storeCtx,
		cancel:      cancel,
		logger:      telemetry.OrDiscard(logger).With("component", "docstore", "backend", "memory"),
	}
}

func (m *MemoryStore) Get(ctx context.Context, query Query) ([]Document, error) {
	if err := query.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, model.ConnectionError("docstore get", "request canceled").WithCause(err)
	}

	m.mu.RLock()

	defer m.mu.RUnlock()

	if m.closed {
		return nil, model.ClosedError("docstore get", "store is closed")
	}
	window, _ := query.run(m.collections[cleanPath(query.Path)])

	return cloneDocuments(window), nil
}

func (m *MemoryStore) Listen(ctx context.Context, query Query, listener Listener) (func(), error) {
	if err := query.Validate(); err != nil {
		return nil, err
	}
	if listener == nil {
		return nil, model.ValidationError("docstore listen", "listener is required")
	}
	path := cleanPath(query.Path)

	m.mu.Lock()

	defer m.mu.Unlock()

	if m.closed {
		return nil, model.ClosedError("docstore listen", "store is closed")
	}

	load := func(context.Context) ([]Document, map[string]bool, error) {
		m.mu.RLock()

		defer m.mu.RUnlock()

		window, matching := query.run(m.collections[path])
		return cloneDocuments(window), matching, nil
	}
	w := newWatcher(m.ctx, query, listener, load, m.logger)

	if m.watchers[path] == nil {
		m.watchers[path] = make(map[*watcher]struct{})
	}
	m.watchers[path][w] = struct{}{}

	initial, _ := query.run(m.collections[path])
	w.start(cloneDocuments(initial))

	if ctx != nil && ctx.Done() != nil {
		go func() {
			select {
			case <-ctx.Done():
				m.unregister(path, w)
			case <-w.ctx.Done():
			}
		}()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			m.unregister(path, w)
		})
	}, nil
}

func (m *MemoryStore) unregister(path string, w *watcher) {
	w.stop()

	m.mu.Lock()

	defer m.mu.Unlock()

	delete(m.watchers[path], w)
	if len(m.watchers[path]) == 0 {
		delete(m.watchers, path)
	}
}

func (m *MemoryStore) Set(ctx context.Context, path, id string, data interface{}) error {
	if err := validateTarget("docstore set", path, id); err != nil {
		return err
	}
	normalized, err := normalize(data)
	if err != nil {
		return err
	}
	path = cleanPath(path)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return model.ClosedError("docstore set", "store is closed")
	}
	if m.collections[path] == nil {
		m.collections[path] = make(map[string]Document)
	}
	m.collections[path][id] = Document{ID: id, Data: normalized}
	watchers := m.watchersLocked(path)
	m.mu.Unlock()

	for _, w := range watchers {
		w.notify()
	}
	return nil
}

func (m *MemoryStore) Delete(ctx context.Context, path, id string) error {
	if err := validateTarget("docstore delete", path, id); err != nil {
		return err
	}
	path = cleanPath(path)

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return model.ClosedError("docstore delete", "store is closed")
	}
	if _, exists := m.collections[path][id]; !exists {
		m.mu.Unlock()
		return nil
	}
	delete(m.collections[path], id)
	watchers := m.watchersLocked(path)
	m.mu.Unlock()

	for _, w := range watchers {
		w.notify()
	}
	return nil
}

func (m *MemoryStore) watchersLocked(path string) []*watcher {
	watchers := make([]*watcher, 0, len(m.watchers[path]))
	for w := range m.watchers[path] {
		watchers = append(watchers, w)
	}
	return watchers
}

// Close stops every listener. It is idempotent.
func (m *MemoryStore) Close() error {
	m.mu.Lock()

	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	m.cancel()

	for _, watchers := range m.watchers {
		for w := range watchers {
			w.stop()
		}
	}
	m.watchers = make(map[string]map[*watcher]struct{})

	return nil
}

func cleanPath(path string) string {
	return strings.Trim(path, "/")
}
