// Package store holds the process state shared between relay requests: QR
// sessions and delivery queue items. The in-memory backend loses everything on
// restart; the Redis backend survives it.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key has no entry.
var ErrNotFound = errors.New("store: key not found")

// Entry is a stored value and its expiry. A zero ExpiresAt never expires.
type Entry[V any] struct {
	Value     V
	ExpiresAt time.Time
}

// Expired reports whether the entry's expiry has passed at now.
func (e Entry[V]) Expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && !now.Before(e.ExpiresAt)
}

// Store is a keyed table with optional per-entry expiry.
//
// Get and Take return expired entries until they are swept, so callers can
// tell an expired key from a missing one.
type Store[V any] interface {
	// Get returns the entry for key or ErrNotFound.
	Get(ctx context.Context, key string) (Entry[V], error)

	// Set stores value under key, replacing any existing entry.
	Set(ctx context.Context, key string, value V, expiresAt time.Time) error

	// SetNX stores value under key only when no entry exists, expired or
	// not. It reports whether the value was stored.
	SetNX(ctx context.Context, key string, value V, expiresAt time.Time) (bool, error)

	// Update atomically replaces the entry for key with the one fn returns and
	// returns the previous entry. A missing key yields ErrNotFound without
	// calling fn; an error from fn leaves the entry untouched.
	Update(ctx context.Context, key string, fn func(Entry[V]) (Entry[V], error)) (Entry[V], error)

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Take atomically returns and removes the entry for key. Of two
	// concurrent Take calls on one key, at most one gets the entry.
	Take(ctx context.Context, key string) (Entry[V], error)

	// Range calls fn for each entry until fn returns false.
	Range(ctx context.Context, fn func(key string, entry Entry[V]) bool) error

	// Sweep removes entries expired at now and returns how many it removed.
	Sweep(ctx context.Context, now time.Time) (int, error)
}
