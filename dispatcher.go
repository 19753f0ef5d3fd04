package arenachat

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/stationfy/arena-chat-sdk-sub000/model"
	"github.com/stationfy/arena-chat-sdk-sub000/telemetry"
)

// MessageCallback receives one changed message.
type MessageCallback func(msg model.Message)

// Opener opens the single underlying subscription of a dispatcher. deliver
// must be called for every event, in arrival order. The returned function
// closes the subscription.
type Opener func(limit int, deliver func(event model.Event)) (func(), error)

type callbackEntry struct {
	id       int
	callback MessageCallback
}

// ChangeDispatcher fans change events out to callbacks registered per change
// type. The underlying subscription is opened by the first registration and
// closed once every bucket is empty again.
type ChangeDispatcher struct {
	open    Opener
	logger  *slog.Logger
	metrics telemetry.MetricsCollector

	mu      sync.Mutex
	buckets map[model.ChangeType][]callbackEntry
	nextID  int
	limit   int
	close   func()
	opened  int
	stopped bool
}

func NewChangeDispatcher(open Opener, logger *slog.Logger, metrics telemetry.MetricsCollector) *ChangeDispatcher {
	return &ChangeDispatcher{
		open:    open,
		logger:  telemetry.OrDiscard(logger),
		metrics: telemetry.OrNoop(metrics),
		buckets: make(map[model.ChangeType][]callbackEntry),
	}
}

// Register appends callback to the bucket of changeType. The returned
// function removes just this callback and may be called any number of times.
func (d *ChangeDispatcher) Register(changeType model.ChangeType, callback MessageCallback) (func(), error) {
	if !changeType.Valid() {
		return nil, model.ValidationError("register callback", fmt.Sprintf("unknown change type %q", changeType))
	}
	if callback == nil {
		return nil, model.ValidationError("register callback", "callback is required")
	}

	d.mu.Lock()

	defer d.mu.Unlock()

	if d.stopped {
		return nil, model.ClosedError("register callback", "dispatcher is closed")
	}

	if d.close == nil {
		closeFn, err := d.open(d.limit, d.dispatch)
		if err != nil {
			return nil, model.Wrap(err, "register callback")
		}
		d.close = closeFn
		d.opened++
	}

	id := d.nextID
	d.nextID++
	d.buckets[changeType] = append(d.buckets[changeType], callbackEntry{id: id, callback: callback})

	var once sync.Once
	return func() {
		once.Do(func() {
			d.remove(changeType, id)
		})
	}, nil
}

func (d *ChangeDispatcher) remove(changeType model.ChangeType, id int) {
	d.mu.Lock()
	entries := d.buckets[changeType]
	for i, entry := range entries {
		if entry.id == id {
			d.buckets[changeType] = append(entries[:i:i], entries[i+1:]...)
			break
		}
	}
	closeFn := d.releaseLocked()
	d.mu.Unlock()

	if closeFn != nil {
		closeFn()
	}
}

// Unregister clears every callback of changeType.
func (d *ChangeDispatcher) Unregister(changeType model.ChangeType) {
	d.mu.Lock()
	delete(d.buckets, changeType)
	closeFn := d.releaseLocked()
	d.mu.Unlock()

	if closeFn != nil {
		closeFn()
	}
}

// UnregisterAll clears every bucket and closes the subscription.
func (d *ChangeDispatcher) UnregisterAll() {
	d.mu.Lock()
	d.buckets = make(map[model.ChangeType][]callbackEntry)
	closeFn := d.releaseLocked()
	d.mu.Unlock()

	if closeFn != nil {
		closeFn()
	}
}

// releaseLocked detaches the subscription when no bucket holds a callback.
// The caller closes what it returns after unlocking.
func (d *ChangeDispatcher) releaseLocked() func() {
	for _, entries := range d.buckets {
		if len(entries) > 0 {
			return nil
		}
	}
	closeFn := d.close
	d.close = nil
	return closeFn
}

// SetLimit changes the window the subscription covers. An open subscription
// is replaced by one opened with the new limit.
func (d *ChangeDispatcher) SetLimit(limit int) error {
	d.mu.Lock()
	if d.limit == limit || d.close == nil || d.stopped {
		d.limit = limit
		d.mu.Unlock()
		return nil
	}

	closeFn, err := d.open(limit, d.dispatch)
	if err != nil {
		d.mu.Unlock()
		return model.Wrap(err, "resize subscription")
	}
	previous := d.close
	d.close = closeFn
	d.limit = limit
	d.opened++
	d.mu.Unlock()

	previous()
	return nil
}

func (d *ChangeDispatcher) Limit() int {
	d.mu.Lock()

	defer d.mu.Unlock()

	return d.limit
}

// Active reports whether the underlying subscription is open.
func (d *ChangeDispatcher) Active() bool {
	d.mu.Lock()

	defer d.mu.Unlock()

	return d.close != nil
}

// Count returns the number of callbacks registered for changeType.
func (d *ChangeDispatcher) Count(changeType model.ChangeType) int {
	d.mu.Lock()

	defer d.mu.Unlock()

	return len(d.buckets[changeType])
}

// Dispatch delivers event to the callbacks of its type, in registration
// order, one pass.
func (d *ChangeDispatcher) Dispatch(event model.Event) {
	d.dispatch(event)
}

func (d *ChangeDispatcher) dispatch(event model.Event) {
	d.mu.Lock()
	entries := make([]callbackEntry, len(d.buckets[event.Type]))
	copy(entries, d.buckets[event.Type])
	d.mu.Unlock()

	if len(entries) == 0 {
		return
	}

	for _, entry := range entries {
		d.invoke(entry.callback, event)
	}
	d.metrics.EventDispatched(string(event.Type), len(entries))
}

func (d *ChangeDispatcher) invoke(callback MessageCallback, event model.Event) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("message callback panicked", "changeType", event.Type, "key", event.Message.Key, "panic", r)
			d.metrics.Error("dispatcher", fmt.Errorf("callback panic: %v", r))
		}
	}()

	msg := event.Message.Clone()
	msg.ChangeType = event.Type
	callback(msg)
}

// Close clears every bucket, closes the subscription and rejects further
// registrations.
func (d *ChangeDispatcher) Close() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()

	d.UnregisterAll()
}
