package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/cockroachdb/pebble"
)

// PebbleKVS implements KVS on a pebble database directory.
type PebbleKVS struct {
	db *pebble.DB
}

// writeOptions syncs every write; the ordinal map is the only record of id/reference pairs
// outside the engine.
var writeOptions = pebble.Sync

// OpenPebble opens or creates a pebble store at dir. Parent directories are created if needed.
func OpenPebble(dir string) (*PebbleKVS, error) {
	if parent := filepath.Dir(dir); parent != "." {
		if err := os.MkdirAll(parent, 0755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble store: %w", err)
	}
	return &PebbleKVS{db: db}, nil
}

// Get returns the value stored at key.
func (p *PebbleKVS) Get(key string) (string, bool, error) {
	if p.db == nil {
		return "", false, ErrClosed
	}
	val, closer, err := p.db.Get([]byte(key))
	if errors.Is(err, pebble.ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	s := string(val)
	_ = closer.Close()
	return s, true, nil
}

// Set stores value at key.
func (p *PebbleKVS) Set(key, value string) error {
	if p.db == nil {
		return ErrClosed
	}
	return p.db.Set([]byte(key), []byte(value), writeOptions)
}

// SetBatch commits all pairs in one pebble batch.
func (p *PebbleKVS) SetBatch(pairs ...KV) error {
	if p.db == nil {
		return ErrClosed
	}
	b := p.db.NewBatch()
	defer b.Close()
	for _, kv := range pairs {
		if err := b.Set([]byte(kv.Key), []byte(kv.Value), nil); err != nil {
			return err
		}
	}
	return b.Commit(writeOptions)
}

// Delete removes key. Deleting a missing key is not an error.
func (p *PebbleKVS) Delete(key string) error {
	if p.db == nil {
		return ErrClosed
	}
	return p.db.Delete([]byte(key), writeOptions)
}

// Keys iterates all keys in order.
func (p *PebbleKVS) Keys(fn func(key string) error) error {
	if p.db == nil {
		return ErrClosed
	}
	it := p.db.NewIter(&pebble.IterOptions{})
	for it.First(); it.Valid(); it.Next() {
		if err := fn(string(it.Key())); err != nil {
			_ = it.Close()
			return err
		}
	}
	return it.Close()
}

// Clear deletes every key in a single batch.
func (p *PebbleKVS) Clear() error {
	if p.db == nil {
		return ErrClosed
	}
	b := p.db.NewBatch()
	defer b.Close()
	err := p.Keys(func(key string) error {
		return b.Delete([]byte(key), nil)
	})
	if err != nil {
		return err
	}
	return b.Commit(writeOptions)
}

// Close flushes and closes the database.
func (p *PebbleKVS) Close() error {
	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	return err
}
