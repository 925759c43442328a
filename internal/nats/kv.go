package nats

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/capitalize-ai/querysession/internal/kv"
	"github.com/capitalize-ai/querysession/pkg/logger"
)

// DefaultBucket holds the session history when no bucket is configured.
const DefaultBucket = "QUERYSESSION"

// KVStore implements kv.Store on a JetStream key/value bucket.
type KVStore struct {
	client *Client
	bucket jetstream.KeyValue
	owned  bool
}

// EnsureBucket returns the bucket, creating it when it does not exist.
func EnsureBucket(ctx context.Context, js jetstream.JetStream, name string) (jetstream.KeyValue, error) {
	bucket, err := js.KeyValue(ctx, name)
	if err == nil {
		return bucket, nil
	}
	if !errors.Is(err, jetstream.ErrBucketNotFound) {
		return nil, fmt.Errorf("failed to look up bucket %s: %w", name, err)
	}

	bucket, err = js.CreateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:      name,
		Description: "Query session conversation history",
		History:     1,
		Storage:     jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create bucket %s: %w", name, err)
	}
	return bucket, nil
}

// NewKVStore binds a store to bucket on client. Closing the store closes the
// client when owned is true.
func NewKVStore(ctx context.Context, client *Client, bucket string, owned bool) (*KVStore, error) {
	if bucket == "" {
		bucket = DefaultBucket
	}
	kvBucket, err := EnsureBucket(ctx, client.JetStream(), bucket)
	if err != nil {
		return nil, err
	}
	return &KVStore{client: client, bucket: kvBucket, owned: owned}, nil
}

// Open connects to cfg.URL and binds a store that owns the connection.
func Open(ctx context.Context, cfg Config, bucket string, log *logger.Logger) (*KVStore, error) {
	client, err := Connect(ctx, cfg, log)
	if err != nil {
		return nil, err
	}
	store, err := NewKVStore(ctx, client, bucket, true)
	if err != nil {
		client.Close()
		return nil, err
	}
	return store, nil
}

func (s *KVStore) Get(ctx context.Context, key string) ([]byte, error) {
	entry, err := s.bucket.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return entry.Value(), nil
}

func (s *KVStore) Set(ctx context.Context, key string, value []byte) error {
	if _, err := s.bucket.Put(ctx, key, value); err != nil {
		return fmt.Errorf("failed to put %s: %w", key, err)
	}
	return nil
}

func (s *KVStore) Remove(ctx context.Context, key string) error {
	err := s.bucket.Delete(ctx, key)
	if err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("failed to delete %s: %w", key, err)
	}
	return nil
}

func (s *KVStore) Close() error {
	if s.owned {
		s.client.Close()
	}
	return nil
}

var _ kv.Store = (*KVStore)(nil)
