// Package cache is the shared data-plane contract consumed by the
// rate-limit engine, the revocation set, the notification digest
// markers and the broadcast bridge. Counters are atomic: concurrent
// increments never lose updates, and CompareAndSwap is the only
// read-modify-write primitive.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by Get when the key does not exist or expired.
var ErrMiss = errors.New("cache: key not found")

// Cache is the minimal key-value + set + pub/sub surface.
type Cache interface {
	// Get returns the value for key, ErrMiss when absent.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key; ttl <= 0 means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Delete removes the given keys; missing keys are not an error.
	Delete(ctx context.Context, keys ...string) error

	// Increment atomically adds one and returns the new value. When the
	// increment creates the key and ttl > 0, the ttl is set in the same
	// atomic step.
	Increment(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// CompareAndSwap stores next iff the current value equals old.
	// old == nil means "only if absent". Reports whether the swap won.
	CompareAndSwap(ctx context.Context, key string, old, next []byte, ttl time.Duration) (bool, error)

	// SAdd adds members to the set at key; ttl > 0 refreshes the set's
	// expiry on every add.
	SAdd(ctx context.Context, key string, ttl time.Duration, members ...string) error
	SRem(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SCard(ctx context.Context, key string) (int64, error)

	// DeletePattern removes keys matching a glob pattern, best effort.
	// Returns the number of keys removed.
	DeletePattern(ctx context.Context, pattern string) (int64, error)

	// Publish sends payload to all current subscribers of topic.
	Publish(ctx context.Context, topic string, payload []byte) error
	// Subscribe registers handler for topic and returns an unsubscribe
	// function. Handlers for one subscription are invoked in publish
	// order.
	Subscribe(ctx context.Context, topic string, handler func(payload []byte)) (func(), error)

	// Ping verifies the backend is reachable.
	Ping(ctx context.Context) error
	Close() error
}
