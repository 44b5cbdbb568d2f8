// Package store provides the durable key/value layer under the knowledge
// store, run records, and checkpoints. Keys are path-like
// ("runs/<id>/plan.json"); values are opaque bytes, written once and never
// rewritten in place.
package store

import "errors"

// Errors surfaced by store operations.
var (
	ErrNotFound     = errors.New("key not found")
	ErrImmutableKey = errors.New("key already written with different content")
)

// Entry is one key/value pair returned by a prefix scan.
type Entry struct {
	Key   string
	Value []byte
}

// Store is the persistence contract. Put is durable before it returns and
// refuses to rewrite a key with different content; writing identical bytes
// is an idempotent no-op so content-addressed callers can retry safely.
// Get has read-your-writes semantics; Scan returns entries in
// lexicographic key order.
type Store interface {
	Put(key string, value []byte) error
	Get(key string) ([]byte, error)
	Scan(prefix string) ([]Entry, error)
	Delete(key string) error
	Close() error
}
