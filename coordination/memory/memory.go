// Package memory provides an in-process coordination store backed by go-cache.
package memory

import (
	"context"
	"strings"
	"sync"

	gocache "github.com/patrickmn/go-cache"

	"github.com/drblury/stardust/coordination"
)

// SystemName is the name used to register this store.
const SystemName = "memory"

// DefaultStore backs the registered builder so Stars in one process share state.
var DefaultStore = New()

func init() {
	Register()
}

// Register registers the memory store with the default registry.
func Register() {
	coordination.Register(SystemName, Build)
}

// Build returns DefaultStore.
func Build(ctx context.Context, cfg coordination.Config) (coordination.Store, error) {
	return DefaultStore, nil
}

// Store keeps keys in memory without expiry. Close is a no-op so the store can
// be shared by several owners.
type Store struct {
	mu    sync.Mutex
	cache *gocache.Cache
}

var _ coordination.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{cache: gocache.New(gocache.NoExpiration, 0)}
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	v, ok := s.cache.Get(key)
	if !ok {
		return "", false, nil
	}
	return v.(string), true, nil
}

func (s *Store) List(ctx context.Context, prefix string) (map[string]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	out := make(map[string]string)
	for key, item := range s.cache.Items() {
		if strings.HasPrefix(key, prefix) {
			out[key] = item.Object.(string)
		}
	}
	return out, nil
}

func (s *Store) Put(ctx context.Context, key, value string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Set(key, value, gocache.NoExpiration)
	return nil
}

func (s *Store) Delete(ctx context.Context, key string, recursive bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache.Delete(key)
	if recursive {
		prefix := strings.TrimSuffix(key, "/") + "/"
		for k := range s.cache.Items() {
			if strings.HasPrefix(k, prefix) {
				s.cache.Delete(k)
			}
		}
	}
	return nil
}

func (s *Store) Mutate(ctx context.Context, key string, fn coordination.MutateFunc) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var current string
	v, found := s.cache.Get(key)
	if found {
		current = v.(string)
	}
	next, remove, err := fn(current, found)
	if err != nil {
		return err
	}
	if remove {
		s.cache.Delete(key)
		return nil
	}
	s.cache.Set(key, next, gocache.NoExpiration)
	return nil
}

// Len returns the number of stored keys.
func (s *Store) Len() int {
	return s.cache.ItemCount()
}

func (s *Store) Close() error { return nil }
