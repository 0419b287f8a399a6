// Package registry provides the name-keyed tables that hold the available
// source collectors and AI providers for the lifetime of the process.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"
)

var (
	// ErrDuplicateType is returned when a key is registered twice.
	ErrDuplicateType = errors.New("registry: type already registered")
	// ErrNotFound is returned when a key is not registered.
	ErrNotFound = errors.New("registry: type not registered")
)

// now is overridden in tests to provide deterministic timestamps.
var now = time.Now

// Entry is a registered value plus its registration metadata.
type Entry[T any] struct {
	Key          string
	Value        T
	Active       bool
	RegisteredAt time.Time
	Metadata     map[string]string
}

// Statistics summarizes the registry contents.
type Statistics struct {
	Total    int
	Active   int
	Inactive int
	ByKey    map[string]bool
	Oldest   time.Time
	Newest   time.Time
}

// Registry maps type keys to values. It is safe for concurrent use.
type Registry[T any] struct {
	mu      sync.RWMutex
	entries map[string]*Entry[T]
}

// New creates an empty registry.
func New[T any]() *Registry[T] {
	return &Registry[T]{entries: make(map[string]*Entry[T])}
}

// Register adds value under key. New entries are active.
func (r *Registry[T]) Register(key string, value T, metadata map[string]string) error {
	if key == "" {
		return fmt.Errorf("registry: empty type key")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.entries[key]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateType, key)
	}

	md := make(map[string]string, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}

	r.entries[key] = &Entry[T]{
		Key:          key,
		Value:        value,
		Active:       true,
		RegisteredAt: now(),
		Metadata:     md,
	}
	return nil
}

// MustRegister is Register for startup tables; it panics on duplicates.
func (r *Registry[T]) MustRegister(key string, value T, metadata map[string]string) {
	if err := r.Register(key, value, metadata); err != nil {
		panic(err)
	}
}

// Unregister removes key and reports whether it was present.
func (r *Registry[T]) Unregister(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.entries[key]; !ok {
		return false
	}
	delete(r.entries, key)
	return true
}

// Get returns the value for an active key.
func (r *Registry[T]) Get(key string) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[key]
	if !ok || !entry.Active {
		var zero T
		return zero, false
	}
	return entry.Value, true
}

// Lookup returns a copy of the registration for key, active or not.
func (r *Registry[T]) Lookup(key string) (Entry[T], bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[key]
	if !ok {
		return Entry[T]{}, false
	}
	return entry.clone(), true
}

// SetActive toggles visibility of key without dropping its registration.
func (r *Registry[T]) SetActive(key string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	entry.Active = active
	return nil
}

// ListActive returns the active entries sorted by key.
func (r *Registry[T]) ListActive() []Entry[T] {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry[T], 0, len(r.entries))
	for _, entry := range r.entries {
		if entry.Active {
			out = append(out, entry.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// Keys returns every registered key, active or not, sorted.
func (r *Registry[T]) Keys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.entries))
	for k := range r.entries {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Statistics reports counts and registration time bounds.
func (r *Registry[T]) Statistics() Statistics {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := Statistics{ByKey: make(map[string]bool, len(r.entries))}
	for key, entry := range r.entries {
		stats.Total++
		stats.ByKey[key] = entry.Active
		if entry.Active {
			stats.Active++
		} else {
			stats.Inactive++
		}
		if stats.Oldest.IsZero() || entry.RegisteredAt.Before(stats.Oldest) {
			stats.Oldest = entry.RegisteredAt
		}
		if entry.RegisteredAt.After(stats.Newest) {
			stats.Newest = entry.RegisteredAt
		}
	}
	return stats
}

func (e *Entry[T]) clone() Entry[T] {
	out := *e
	out.Metadata = make(map[string]string, len(e.Metadata))
	for k, v := range e.Metadata {
		out.Metadata[k] = v
	}
	return out
}
