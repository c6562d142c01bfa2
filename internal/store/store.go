// Package store implements the key/value medium the cache layers persist to.
//
// A Store is the equivalent of origin-wide browser storage: a flat keyspace
// shared by every component that opens it, with no transactional isolation
// between writers (last writer wins). Implementations:
//   - LocalStore: one file per key under a directory, zstd compressed
//   - SQLiteStore: a single kv table
//   - MemoryStore: a process-local map
//
// Quota wraps any Store with a byte limit and reports ErrQuotaExceeded the way
// a browser reports a full storage area.
package store

import (
	"context"
	"errors"
)

var (
	ErrNotFound      = errors.New("store: not found")
	ErrQuotaExceeded = errors.New("store: quota exceeded")
)

// Store handles raw key/value storage.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key, replacing any previous value.
	Set(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys lists every key in the store, in no particular order.
	Keys(ctx context.Context) ([]string, error)

	// Close releases resources held by the store.
	Close() error
}
