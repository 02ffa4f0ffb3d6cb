package store

import "context"

// KV is the durable key/value capability behind session snapshots. Values are
// text; scope isolates one device or browser session from another.
type KV interface {
	// Get returns the stored value and whether the key exists.
	Get(ctx context.Context, scope, key string) (string, bool, error)
	Put(ctx context.Context, scope, key, value string) error
	Delete(ctx context.Context, scope string, keys ...string) error
}
