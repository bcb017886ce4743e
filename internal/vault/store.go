package vault

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Store.Get when the key does not exist or has
// expired.
var ErrNotFound = errors.New("vault: key not found")

// Store is the key-value backend shared by every proxy replica. All methods
// must be safe for concurrent use, and SetNX / Incr must be atomic across
// replicas since token minting relies on them.
type Store interface {
	// Incr increments the integer at key and (re)sets its TTL.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	// SetNX stores value only if key is absent. It reports whether it wrote.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	// Set stores value unconditionally.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	Get(ctx context.Context, key string) (string, error)
	// Expire refreshes the TTL of every existing key. Missing keys are ignored.
	Expire(ctx context.Context, ttl time.Duration, keys ...string) error
	// List returns every live key under prefix with its value.
	List(ctx context.Context, prefix string) (map[string]string, error)
	// DeletePrefix removes every key under prefix and returns how many went.
	DeletePrefix(ctx context.Context, prefix string) (int, error)
	Ping(ctx context.Context) error
}
