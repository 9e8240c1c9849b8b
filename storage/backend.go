// Package storage defines the key/value contract every durable piece of
// session state goes through. The session core itself is stateless; all
// mutation paths use the conditional write primitive rather than
// read-modify-write so multiple instances can share one backend.
package storage

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when a key does not exist or its TTL has lapsed.
var ErrNotFound = errors.New("storage: key not found")

// Backend is the storage contract consumed by the session, token, revocation
// and security services. Implementations must honour TTL semantics and must
// make CompareAndSwap atomic with respect to concurrent writers.
type Backend interface {
	// Get returns the value stored at key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value at key. A ttl of zero means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// CompareAndSwap atomically replaces the value at key with replacement
	// when the current value equals expected. A nil expected means
	// "create only if absent"; a nil replacement means "delete if it matches".
	// It reports whether the swap happened.
	CompareAndSwap(ctx context.Context, key string, expected, replacement []byte, ttl time.Duration) (bool, error)

	// Scan visits every live key with the given prefix. Returning an error
	// from fn stops the scan and propagates the error.
	Scan(ctx context.Context, prefix string, fn func(key string, value []byte) error) error

	// Close releases any underlying connections.
	Close() error
}
