// Package coordination defines the key/value store the runtime uses to track
// live instances and publish routing metadata. Each backend (etcd, memory)
// lives in its own sub-package and registers a Builder.
package coordination

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrConflict is returned by Mutate when the key kept changing underneath it.
var ErrConflict = errors.New("coordination: too many concurrent updates")

// MutateFunc computes the next value from the current one. Returning
// remove=true deletes the key instead of writing next.
type MutateFunc func(current string, found bool) (next string, remove bool, err error)

// Store is a strongly consistent key/value store.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	// List returns every key under prefix with its value.
	List(ctx context.Context, prefix string) (map[string]string, error)
	Put(ctx context.Context, key, value string) error
	// Delete removes key. When recursive, every key below key+"/" goes too.
	Delete(ctx context.Context, key string, recursive bool) error
	// Mutate applies fn atomically with respect to other Mutate calls on key.
	Mutate(ctx context.Context, key string, fn MutateFunc) error
	Close() error
}

// Config provides the values store builders need.
type Config interface {
	GetCoordinationSystem() string
	GetCoordinationEndpoints() []string
	GetCoordinationUser() string
	GetCoordinationToken() string
}

// Builder creates a Store from config.
type Builder func(ctx context.Context, cfg Config) (Store, error)

// Registry maps coordination system names to builders.
type Registry struct {
	mu       sync.RWMutex
	builders map[string]Builder
}

// DefaultRegistry is the global store registry.
var DefaultRegistry = NewRegistry()

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{builders: make(map[string]Builder)}
}

// Register adds a builder under name, matching the COORDINATION_SYSTEM value.
func (r *Registry) Register(name string, builder Builder) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[name] = builder
}

// Has reports whether a builder is registered under name.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.builders[name]
	return ok
}

// Names returns the sorted registered names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.builders))
	for name := range r.builders {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Build creates a store with the builder named by cfg.
func (r *Registry) Build(ctx context.Context, cfg Config) (Store, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	name := cfg.GetCoordinationSystem()

	r.mu.RLock()
	builder, ok := r.builders[name]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("unknown coordination system: %q (registered: %v)", name, r.Names())
	}
	return builder(ctx, cfg)
}

// Register adds a builder to the default registry.
func Register(name string, builder Builder) {
	DefaultRegistry.Register(name, builder)
}

// Build creates a store using the default registry.
func Build(ctx context.Context, cfg Config) (Store, error) {
	return DefaultRegistry.Build(ctx, cfg)
}
