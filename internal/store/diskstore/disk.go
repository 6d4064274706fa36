// Package diskstore implements a disk-based filesystem storage backend.
package diskstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"

	"github.com/discochess/pitfall/internal/codec"
	"github.com/discochess/pitfall/internal/store"
)

var _ store.Store = (*Store)(nil)

const lockRetryDelay = 10 * time.Millisecond

// Store keeps one compressed file per object under root/objects.
//
// Writes go to a temporary file that is renamed into place while holding an
// advisory lock on the object, so concurrent processes sharing a cache
// directory never observe partial files.
type Store struct {
	root  string
	codec codec.Codec
}

// New creates a new disk store rooted at the given directory.
// The directory must exist. The codec handles compression/decompression.
func New(root string, codec codec.Codec) (*Store, error) {
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("stat root directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}
	if err := os.MkdirAll(filepath.Join(root, "objects"), 0o755); err != nil {
		return nil, fmt.Errorf("creating objects directory: %w", err)
	}

	return &Store{
		root:  root,
		codec: codec,
	}, nil
}

// Get reads and decompresses the object stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	compressed, err := os.ReadFile(s.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("reading object: %w", err)
	}

	return codec.Decode(s.codec, bytes.NewReader(compressed))
}

// Put compresses data and writes it under key.
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	compressed, err := codec.Encode(s.codec, data)
	if err != nil {
		return err
	}

	path := s.path(key)
	lock := flock.New(path + ".lock")
	locked, err := lock.TryLockContext(ctx, lockRetryDelay)
	if err != nil {
		return fmt.Errorf("locking object: %w", err)
	}
	if !locked {
		return fmt.Errorf("locking object: %s is busy", key)
	}
	defer func() {
		_ = lock.Unlock()
		_ = os.Remove(path + ".lock")
	}()

	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(compressed); err != nil {
		tmp.Close()
		return fmt.Errorf("writing object: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("renaming object: %w", err)
	}
	return nil
}

// Close releases any resources held by the store.
func (s *Store) Close() error {
	return nil
}

// path returns the filesystem path for an object.
func (s *Store) path(key string) string {
	return filepath.Join(s.root, "objects", store.ObjectName(key, s.codec.Extension()))
}
