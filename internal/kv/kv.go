// Package kv is the key/value persistence surface behind the session store.
package kv

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errors.New("key not found")

// Store is a string-keyed byte store. Implementations must be safe for
// concurrent use; callers needing read-modify-write atomicity serialize
// themselves.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Remove(ctx context.Context, key string) error
	Close() error
}
