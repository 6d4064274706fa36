package cachedstore

import (
	"context"

	"github.com/discochess/pitfall/internal/store"
)

var _ store.Store = (*Store)(nil)

// Store wraps another Store with an in-process cache tier.
// Reads are served from the backend when possible; writes go through to the
// underlying store first and are cached only once durable.
type Store struct {
	underlying store.Store
	backend    Backend
}

// New creates a new cached store wrapping the given store.
func New(underlying store.Store, backend Backend) *Store {
	return &Store{
		underlying: underlying,
		backend:    backend,
	}
}

// Get reads an object, checking the cache first. Misses are not cached.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if data, ok := s.backend.Get(key); ok {
		return data, nil
	}

	data, err := s.underlying.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	s.backend.Set(key, data)
	return data, nil
}

// Put writes through to the underlying store and caches data on success.
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	if err := s.underlying.Put(ctx, key, data); err != nil {
		return err
	}
	s.backend.Set(key, data)
	return nil
}

// Close closes the underlying store.
func (s *Store) Close() error {
	return s.underlying.Close()
}

// Stats returns cache statistics.
func (s *Store) Stats() Stats {
	return s.backend.Stats()
}
