// Package backend defines the minimal capability surface the hub needs from
// its store: atomic counters, hashes with TTL, pub/sub notification channels,
// and prefix listing. Adapters exist for Redis, NATS JetStream, and an
// in-memory store used by tests.
package backend

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a counter key does not exist.
var ErrNotFound = errors.New("backend: key not found")

// Fields holds the two stored fields of a committed frame.
type Fields struct {
	Metadata []byte
	Payload  []byte
}

// Subscription is a live notification stream for a single channel.
//
// Seqs is closed when the subscription terminates, either because
// Unsubscribe was called or because the backend connection failed; Err
// reports the failure in the latter case. The subscription owns its
// backend resources and releases them on Unsubscribe.
type Subscription interface {
	Seqs() <-chan int64
	Err() error
	Unsubscribe() error
}

// Backend is the pluggable store behind the hub.
//
// All operations honor ctx cancellation. Counter operations are atomic;
// HashPut applies its TTL in the same batched operation as the field
// writes so a published sequence always refers to a readable frame.
type Backend interface {
	// CounterInit sets key to 0 only if it does not already exist.
	CounterInit(ctx context.Context, key string) error

	// CounterIncr atomically increments key and returns the new value.
	// Implementations may treat a missing key as 0 (init coalesced with
	// the increment) or return ErrNotFound.
	CounterIncr(ctx context.Context, key string) (int64, error)

	// CounterGet returns the counter value, or ErrNotFound.
	CounterGet(ctx context.Context, key string) (int64, error)

	// CounterDelete removes the counter. Deleting a missing key is not
	// an error.
	CounterDelete(ctx context.Context, key string) error

	// HashPut writes both frame fields and the TTL as one batched unit.
	HashPut(ctx context.Context, key string, f Fields, ttl time.Duration) error

	// HashGet reads the frame fields. A missing or expired key returns
	// ErrNotFound.
	HashGet(ctx context.Context, key string) (Fields, error)

	// Publish sends a sequence number on the channel.
	Publish(ctx context.Context, channel string, seq int64) error

	// Subscribe opens a notification stream on the channel.
	Subscribe(ctx context.Context, channel string) (Subscription, error)

	// KeysWithPrefix returns every key under the prefix.
	KeysWithPrefix(ctx context.Context, prefix string) ([]string, error)

	// Ping verifies backend connectivity.
	Ping(ctx context.Context) error

	// Close releases the backend client.
	Close() error
}
