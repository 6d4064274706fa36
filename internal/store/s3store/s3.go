// Package s3store implements an AWS S3 storage backend.
package s3store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/discochess/pitfall/internal/codec"
	"github.com/discochess/pitfall/internal/store"
)

var _ store.Store = (*Store)(nil)

// API is the subset of the S3 client used by Store.
type API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, opts ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, opts ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

var _ API = (*s3.Client)(nil)

// Store is an AWS S3 storage backend.
type Store struct {
	client API
	bucket string
	prefix string
	codec  codec.Codec
}

// Option configures a Store.
type Option func(*settings)

type settings struct {
	prefix   string
	region   string
	endpoint string
}

// WithPrefix sets a key prefix for all operations.
func WithPrefix(prefix string) Option {
	return func(s *settings) {
		s.prefix = normalizePrefix(prefix)
	}
}

// WithRegion sets the AWS region.
func WithRegion(region string) Option {
	return func(s *settings) { s.region = region }
}

// WithEndpoint sets a custom endpoint (for S3-compatible services like MinIO).
func WithEndpoint(endpoint string) Option {
	return func(s *settings) { s.endpoint = endpoint }
}

// New creates a new S3 store using the default AWS credential chain.
// The bucket must already exist.
func New(ctx context.Context, bucketName string, c codec.Codec, opts ...Option) (*Store, error) {
	var set settings
	for _, opt := range opts {
		opt(&set)
	}

	var loadOpts []func(*config.LoadOptions) error
	if set.region != "" {
		loadOpts = append(loadOpts, config.WithRegion(set.region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		if set.endpoint != "" {
			o.BaseEndpoint = aws.String(set.endpoint)
			o.UsePathStyle = true
		}
	})

	s := NewWithClient(client, bucketName, c)
	s.prefix = set.prefix
	return s, nil
}

// NewWithClient creates a store on an existing client.
func NewWithClient(client API, bucketName string, c codec.Codec) *Store {
	return &Store{
		client: client,
		bucket: bucketName,
		codec:  c,
	}
}

// Get reads and decompresses the object stored under key.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.objectKey(key)),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("reading object: %w", err)
	}
	defer result.Body.Close()

	return codec.Decode(s.codec, result.Body)
}

// Put compresses data and uploads it under key.
func (s *Store) Put(ctx context.Context, key string, data []byte) error {
	compressed, err := codec.Encode(s.codec, data)
	if err != nil {
		return err
	}

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(s.objectKey(key)),
		Body:          bytes.NewReader(compressed),
		ContentLength: aws.Int64(int64(len(compressed))),
	})
	if err != nil {
		return fmt.Errorf("writing object: %w", err)
	}
	return nil
}

// Close releases resources.
func (s *Store) Close() error {
	// S3 client doesn't need explicit closing.
	return nil
}

// objectKey returns the full object key for a cache key.
func (s *Store) objectKey(key string) string {
	return s.prefix + "analyses/" + store.ObjectName(key, s.codec.Extension())
}

func normalizePrefix(prefix string) string {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix != "" {
		prefix += "/"
	}
	return prefix
}
