// Package store holds the payload engines behind the reference server.
//
// Payloads are opaque byte strings under text keys: last write wins, no
// versions, no expiry. The server never looks inside them.
package store

import (
	"context"
	"errors"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store: closed")

// Store is a key to payload map. Implementations are safe for concurrent
// use and never alias caller buffers: Set copies its input and Get returns
// a slice the caller owns.
type Store interface {
	Set(ctx context.Context, key string, value []byte) error
	// Get returns ok=false for an absent key.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)
	Delete(ctx context.Context, key string) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	Len(ctx context.Context) (int, error)
	Close() error
}

// Open returns a SQLite store at path, or an in-memory store when path is
// empty.
func Open(path string) (Store, error) {
	if path == "" {
		return NewMemory(), nil
	}
	return NewSQLite(path)
}
