package socket

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/stationfy/arena-chat-sdk-sub000/model"
)

type requestResult struct {
	data json.RawMessage
	err  error
}

type pendingRequest struct {
	command  string
	deadline time.Time
	done     chan requestResult
}

// requestTable maps correlation keys to their completion handles. Entries
// leave the table on reply, timeout, cancellation or teardown; expired entries
// are also swept on insert so the table stays bounded even if a waiter leaks.
type requestTable struct {
	mu      sync.Mutex
	entries map[string]*pendingRequest
	max     int
	ttl     time.Duration
	now     func() time.Time
}

func newRequestTable(max int, ttl time.Duration) *requestTable {
	return &requestTable{
		entries: make(map[string]*pendingRequest),
		max:     max,
		ttl:     ttl,
		now:     time.Now,
	}
}

func (t *requestTable) add(key, command string) (*pendingRequest, error) {
	t.mu.Lock()

	defer t.mu.Unlock()

	if _, exists := t.entries[key]; exists {
		return nil, model.ProtocolError("socket "+command, "duplicate correlation key "+key)
	}
	if len(t.entries) >= t.max {
		t.sweepLocked()
	}
	if len(t.entries) >= t.max {
		return nil, model.ConnectionError("socket "+command, "too many pending requests")
	}
	pending := &pendingRequest{
		command:  command,
		deadline: t.now().Add(t.ttl),
		done:     make(chan requestResult, 1),
	}
	t.entries[key] = pending
	return pending, nil
}

// complete resolves key. It reports false when no request is waiting on it.
func (t *requestTable) complete(key string, result requestResult) bool {
	t.mu.Lock()
	pending, exists := t.entries[key]
	if exists {
		delete(t.entries, key)
	}
	t.mu.Unlock()

	if !exists {
		return false
	}
	pending.done <- result
	return true
}

func (t *requestTable) cancel(key string) {
	t.mu.Lock()

	defer t.mu.Unlock()

	delete(t.entries, key)
}

// rejectAll fails every waiting request with err.
func (t *requestTable) rejectAll(err error) {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[string]*pendingRequest)
	t.mu.Unlock()

	for _, pending := range entries {
		pending.done <- requestResult{err: err}
	}
}

func (t *requestTable) sweepLocked() {
	now := t.now()
	for key, pending := range t.entries {
		if now.After(pending.deadline) {
			delete(t.entries, key)
			pending.done <- requestResult{err: model.ConnectionError("socket "+pending.command, "request timed out")}
		}
	}
}

func (t *requestTable) len() int {
	t.mu.Lock()

	defer t.mu.Unlock()

	return len(t.entries)
}
