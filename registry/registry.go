// Package registry provides the keyed instance maps that replace process-wide
// singletons: one socket session per endpoint, one channel per channel id.
package registry

import (
	"sort"
	"sync"

	"github.com/stationfy/arena-chat-sdk-sub000/model"
)

// Registry is a concurrency-safe map from key to a lazily created instance.
type Registry[T any] struct {
	mutex sync.RWMutex
	store map[string]T
}

func New[T any]() *Registry[T] {
	return &Registry[T]{
		store: make(map[string]T),
	}
}

// GetOrCreate returns the instance stored under key, building it with create
// on first use. create runs under the registry lock so concurrent callers
// observe a single instance; it must not call back into the registry.
func (r *Registry[T]) GetOrCreate(key string, create func() (T, error)) (T, bool, error) {
	r.mutex.RLock()
	value, exists := r.store[key]
	r.mutex.RUnlock()

	if exists {
		return value, false, nil
	}

	r.mutex.Lock()

	defer r.mutex.Unlock()

	if value, exists := r.store[key]; exists {
		return value, false, nil
	}
	value, err := create()

	if err != nil {
		var zeroValue T
		return zeroValue, false, err
	}
	r.store[key] = value
	return value, true, nil
}

func (r *Registry[T]) Get(key string) (T, error) {
	r.mutex.RLock()

	defer r.mutex.RUnlock()

	var zeroValue T
	value, exists := r.store[key]
	if !exists {
		return zeroValue, model.NotFoundError("registry", "key does not exist: "+key)
	}
	return value, nil
}

// Delete removes key and returns what was stored under it.
func (r *Registry[T]) Delete(key string) (T, bool) {
	r.mutex.Lock()

	defer r.mutex.Unlock()

	value, exists := r.store[key]
	if exists {
		delete(r.store, key)
	}
	return value, exists
}

// Drain removes and returns every instance.
func (r *Registry[T]) Drain() []T {
	r.mutex.Lock()

	defer r.mutex.Unlock()

	values := make([]T, 0, len(r.store))

	for _, value := range r.store {
		values = append(values, value)
	}
	r.store = make(map[string]T)

	return values
}

func (r *Registry[T]) Values() []T {
	r.mutex.RLock()

	defer r.mutex.RUnlock()

	values := make([]T, 0, len(r.store))

	for _, value := range r.store {
		values = append(values, value)
	}
	return values
}

func (r *Registry[T]) Keys() []string {
	r.mutex.RLock()

	defer r.mutex.RUnlock()

	keys := make([]string, 0, len(r.store))

	for key := range r.store {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	return keys
}

func (r *Registry[T]) Len() int {
	r.mutex.RLock()

	defer r.mutex.RUnlock()

	return len(r.store)
}
