// Package store provides the ephemeral TTL-bounded key/value storage used for
// authorization codes and issued-token records.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Default store settings.
const (
	DefaultOperationTimeout = 3 * time.Second
	DefaultCleanupInterval  = time.Minute
)

var (
	// ErrNotFound is returned when a key is absent or already expired.
	ErrNotFound = errors.New("store: not found")

	// ErrUnavailable is returned when the backend cannot be reached within
	// the operation timeout.
	ErrUnavailable = errors.New("store: unavailable")
)

// Store is an ephemeral key/value store with per-key expiry.
//
// GetDel must be atomic: when several callers race on the same key exactly
// one of them receives the value and the others receive ErrNotFound.
type Store interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	GetDel(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}

// unavailable wraps a backend failure so callers can match ErrUnavailable.
func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrUnavailable, op, err)
}
