// Package kv is the local key-value storage used by the offline queue and the
// edit buffer: a durable bbolt tier, an in-memory session tier, and the
// strategy object that picks between them.
package kv

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("key not found")

// ErrUnavailable is returned by a tier that cannot serve requests.
var ErrUnavailable = errors.New("storage unavailable")

// Store is an async-style key-value store.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	// Keys lists keys starting with prefix in lexical order.
	Keys(ctx context.Context, prefix string) ([]string, error)
}
