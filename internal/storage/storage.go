// Package storage defines the durable key-value store used for the ordinal map and its
// implementations.
package storage

import "errors"

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("storage: closed")

// KV is a single key/value pair for an atomic batch write.
type KV struct {
	Key   string
	Value string
}

// KVS is a durable string key-value store. Every mutation is persisted before it returns.
type KVS interface {
	// Get returns the value for key and whether it was present.
	Get(key string) (string, bool, error)
	Set(key, value string) error
	// SetBatch writes all pairs atomically.
	SetBatch(pairs ...KV) error
	Delete(key string) error
	// Keys calls fn for every key in ascending byte order; a non-nil error from fn stops iteration
	// and is returned.
	Keys(fn func(key string) error) error
	// Clear removes every key.
	Clear() error
	Close() error
}
