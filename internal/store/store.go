// Package store defines the blob storage interface behind the analysis cache.
package store

import (
	"context"
	"errors"
	"net/url"
)

// ErrNotFound is returned when an object does not exist in the store.
var ErrNotFound = errors.New("store: object not found")

// Store defines the interface for storage backends.
// Implementations handle object naming and compression internally.
type Store interface {
	// Get reads the object stored under key.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put writes data under key, replacing any previous value.
	Put(ctx context.Context, key string, data []byte) error

	// Close releases any resources held by the store.
	Close() error
}

// ObjectName maps a key to a single path segment safe for file systems and
// bucket object names, with ext appended when non-empty.
func ObjectName(key, ext string) string {
	name := url.PathEscape(key)
	if ext != "" {
		name += "." + ext
	}
	return name
}
