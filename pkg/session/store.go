// Package session provides the per-visitor key-value stores used during login.
package session

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key holds no value.
var ErrNotFound = errors.New("session value not found")

// UpdateFunc receives the current value (nil when absent) and returns the
// value to store. Returning nil removes the key. Returning an error leaves the
// key untouched. fn may be invoked more than once and must not have side
// effects beyond computing the next value.
type UpdateFunc func(current []byte) ([]byte, error)

// Store is an opaque per-visitor key-value store. Values are scoped to a
// session id; nothing is shared between sessions.
type Store interface {
	Get(ctx context.Context, sessionID, key string) ([]byte, error)
	Set(ctx context.Context, sessionID, key string, value []byte, ttl time.Duration) error
	Remove(ctx context.Context, sessionID, key string) error
	// Update performs a read-modify-write of a single key atomically with
	// respect to other Update, Set and Remove calls on the same key.
	Update(ctx context.Context, sessionID, key string, ttl time.Duration, fn UpdateFunc) error
}

func compositeKey(sessionID, key string) string {
	return sessionID + ":" + key
}
