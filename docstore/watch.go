package docstore

import (
	"context"
	"log/slog"
	"reflect"
	"sync"

	"github.com/stationfy/arena-chat-sdk-sub000/model"
)

// Change is one document transition inside a snapshot.
type Change struct {
	Type model.ChangeType
	Doc  Document
}

// Snapshot is what a listener receives. The first snapshot of a listener
// reports every document in the window as added and has Initial set.
type Snapshot struct {
	Docs    []Document
	Changes []Change
	Initial bool
}

// Listener receives snapshots sequentially, on a goroutine owned by the
// listener registration.
type Listener func(Snapshot)

// loadFunc reads the current window of a query and the ids of every
// document matching its filters.
type loadFunc func(ctx context.Context) ([]Document, map[string]bool, error)

// watcher turns change notifications into diffed snapshots. Notifications
// coalesce: a burst of writes yields one snapshot holding all their changes.
type watcher struct {
	query   Query
	handler Listener
	load    loadFunc
	logger  *slog.Logger

	last []Document
	wake chan struct{}

	ctx      context.Context
	cancel   context.CancelFunc
	stopOnce sync.Once
}

func newWatcher(parent context.Context, query Query, handler Listener, load loadFunc, logger *slog.Logger) *watcher {
	ctx, cancel := context.WithCancel(parent)
	return &watcher{
		query:   query,
		handler: handler,
		load:    load,
		logger:  logger,
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// start delivers the initial window and then follows notifications.
func (w *watcher) start(initial []Document) {
	w.last = initial

	changes := make([]Change, len(initial))
	for i, doc := range initial {
		changes[i] = Change{Type: model.Added, Doc: doc}
	}

	go func() {
		w.deliver(Snapshot{Docs: initial, Changes: changes, Initial: true})

		for {
			select {
			case <-w.ctx.Done():
				return
			case <-w.wake:
				w.refresh()
			}
		}
	}()
}

func (w *watcher) notify() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

func (w *watcher) refresh() {
	window, matching, err := w.load(w.ctx)
	if err != nil {
		if w.ctx.Err() == nil {
			w.logger.Warn("listener refresh failed", "query", describe(w.query), "error", err)
		}
		return
	}

	changes := diff(w.last, window, matching)
	w.last = window

	if len(changes) == 0 {
		return
	}
	w.deliver(Snapshot{Docs: window, Changes: changes})
}

func (w *watcher) deliver(snapshot Snapshot) {
	if w.ctx.Err() != nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("listener panicked", "query", describe(w.query), "panic", r)
		}
	}()

	w.handler(snapshot)
}

// stop ends the watcher. A delivery already running completes; nothing is
// delivered after it.
func (w *watcher) stop() {
	w.stopOnce.Do(w.cancel)
}

// diff computes the changes between two windows of the same query. A document
// that left the window but still matches the query was pushed out by the
// limit or a cursor and is not reported as removed.
func diff(prev, next []Document, matching map[string]bool) []Change {
	previous := make(map[string]Document, len(prev))
	for _, doc := range prev {
		previous[doc.ID] = doc
	}
	current := make(map[string]bool, len(next))
	for _, doc := range next {
		current[doc.ID] = true
	}

	var changes []Change
	for _, doc := range prev {
		if !current[doc.ID] && !matching[doc.ID] {
			changes = append(changes, Change{Type: model.Removed, Doc: doc})
		}
	}
	for _, doc := range next {
		old, seen := previous[doc.ID]
		switch {
		case !seen:
			changes = append(changes, Change{Type: model.Added, Doc: doc})
		case !reflect.DeepEqual(old.Data, doc.Data):
			changes = append(changes, Change{Type: model.Modified, Doc: doc})
		}
	}
	return changes
}
