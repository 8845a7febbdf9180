// Package presence provides the process-coordination substrate: pub/sub plus
// key/value, counter, hash, and set primitives shared by every process in the
// cluster. It is the only channel components may use to coordinate across
// process boundaries.
package presence

import (
	"context"
	"errors"
	"time"
)

// Handler receives the JSON-encoded payload of a published message.
type Handler func(data []byte)

// Subscription is a handle to a single registered topic handler.
type Subscription interface {
	// Topic returns the topic this subscription is attached to.
	Topic() string
	// Unsubscribe removes this handler from the topic. Idempotent.
	Unsubscribe() error
}

// ErrClosed is returned by operations on a presence instance that has been
// shut down.
var ErrClosed = errors.New("presence: closed")

// Presence is the coordination contract shared by all backends.
//
// Published payloads pass through a JSON serialization round trip: class
// identity is never preserved, only plain data survives. All key/value
// mutations are atomic with respect to concurrent callers against the same
// backend.
type Presence interface {
	// Publish fans payload out to every current subscriber of topic reachable
	// through this presence instance.
	Publish(ctx context.Context, topic string, payload any) error
	// Subscribe registers h for topic and returns its handle.
	Subscribe(ctx context.Context, topic string, h Handler) (Subscription, error)
	// Unsubscribe removes every handler registered for topic in this process.
	Unsubscribe(ctx context.Context, topic string) error
	// Exists reports whether topic has at least one local subscriber.
	Exists(ctx context.Context, topic string) (bool, error)

	// Set stores a string value under key.
	Set(ctx context.Context, key, value string) error
	// SetEx stores a string value under key with a time-to-live.
	SetEx(ctx context.Context, key, value string, ttl time.Duration) error
	// Get returns the value under key, or ok=false when absent or expired.
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	// Del removes key. Idempotent.
	Del(ctx context.Context, key string) error

	// Incr atomically increments the integer under key (default 0) and
	// returns the new value.
	Incr(ctx context.Context, key string) (int64, error)
	// Decr atomically decrements the integer under key (default 0) and
	// returns the new value.
	Decr(ctx context.Context, key string) (int64, error)

	// HSet stores field=value in the hash under key.
	HSet(ctx context.Context, key, field, value string) error
	// HGet returns the value of field in the hash under key.
	HGet(ctx context.Context, key, field string) (value string, ok bool, err error)
	// HDel removes field from the hash under key. Idempotent.
	HDel(ctx context.Context, key, field string) error
	// HGetAll returns a copy of the full hash under key.
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	// HLen returns the number of fields in the hash under key.
	HLen(ctx context.Context, key string) (int, error)

	// SAdd adds member to the set under key.
	SAdd(ctx context.Context, key, member string) error
	// SRem removes member from the set under key. Idempotent.
	SRem(ctx context.Context, key, member string) error
	// SMembers returns all members of the set under key.
	SMembers(ctx context.Context, key string) ([]string, error)
	// SCard returns the cardinality of the set under key.
	SCard(ctx context.Context, key string) (int, error)
	// SIsMember reports whether member is in the set under key.
	SIsMember(ctx context.Context, key, member string) (bool, error)
	// SInter returns the intersection of the sets under the given keys.
	SInter(ctx context.Context, keys ...string) ([]string, error)

	// Shutdown releases backend resources. Further operations fail with ErrClosed.
	Shutdown(ctx context.Context) error
}
