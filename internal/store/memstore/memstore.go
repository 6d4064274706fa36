// Package memstore provides an in-memory store implementation for testing.
package memstore

import (
	"context"
	"sync"

	"github.com/discochess/pitfall/internal/store"
)

var _ store.Store = (*Store)(nil)

// Store is an in-memory store. Values are copied on the way in and out.
type Store struct {
	mu      sync.RWMutex
	objects map[string][]byte
	gets    int
	puts    int
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		objects: make(map[string][]byte),
	}
}

// Get reads an object from memory.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.gets++
	data, ok := s.objects[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return append([]byte(nil), data...), nil
}

// Put stores a copy of data under key.
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.puts++
	s.objects[key] = append([]byte(nil), data...)
	return nil
}

// Len returns the number of stored objects.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

// Calls returns the number of Get and Put calls so far.
func (s *Store) Calls() (gets, puts int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.gets, s.puts
}

// Close is a no-op for the memory store.
func (s *Store) Close() error {
	return nil
}
