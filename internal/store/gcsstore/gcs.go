// Package gcsstore implements a Google Cloud Storage backend.
package gcsstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/discochess/pitfall/internal/codec"
	"github.com/discochess/pitfall/internal/store"
)

var _ store.Store = (*Store)(nil)

// Store is a Google Cloud Storage backend.
type Store struct {
	client *storage.Client
	bucket *storage.BucketHandle
	prefix string
	codec  codec.Codec
}

// New creates a new GCS store.
// The bucket must already exist.
// The codec handles compression/decompression.
func New(ctx context.Context, bucketName string, c codec.Codec, opts ...Option) (*Store, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}

	s := &Store{
		client: client,
		bucket: client.Bucket(bucketName),
		codec:  c,
	}

	for _, opt := range opts {
		opt(s)
	}

	return s, nil
}

// Option configures a Store.
type Option func(*Store)

// WithPrefix sets a key prefix for all operations.
func WithPrefix(prefix string) Option {
	return func(s *Store) {
		s.prefix = strings.TrimSuffix(prefix, "/")
		if s.prefix != "" {
			s.prefix += "/"
		}
	}
}

// Get reads and decompresses the object stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	reader, err := s.bucket.Object(s.objectKey(key)).NewReader(ctx)
	if err != nil {
		return nil, mapError("reading object", err)
	}
	defer reader.Close()

	return codec.Decode(s.codec, reader)
}

// Put compresses data and uploads it under key.
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	compressed, err := codec.Encode(s.codec, data)
	if err != nil {
		return err
	}

	w := s.bucket.Object(s.objectKey(key)).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := w.Write(compressed); err != nil {
		_ = w.Close()
		return fmt.Errorf("writing object: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finalizing object: %w", err)
	}
	return nil
}

// Close releases resources.
func (s *Store) Close() error {
	return s.client.Close()
}

// objectKey returns the full object name for a cache key.
func (s *Store) objectKey(key string) string {
	return s.prefix + "analyses/" + store.ObjectName(key, s.codec.Extension())
}

func mapError(op string, err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return store.ErrNotFound
	}
	return fmt.Errorf("%s: %w", op, err)
}
