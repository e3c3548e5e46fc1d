// Package ordinal implements the append-only ordinal map: sequential counters to identifiers, and
// identifiers to their original reference (usually a file path). It backs random sampling, the
// benchmark evaluator and bulk-import tooling.
//
// Layout in the underlying store (compatible with files produced by external bulk loaders):
//
//	"0" .. "COUNT-1"  -> identifier
//	identifier        -> reference
//	"COUNT"           -> number of entries
package ordinal

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"

	"github.com/hyperjump/nitamono/internal/models"
	"github.com/hyperjump/nitamono/internal/storage"
	"go.uber.org/zap"
)

// CountKey holds the number of entries.
const CountKey = "COUNT"

// ErrNotInitialized is returned when the store has no COUNT key yet (an empty map).
var ErrNotInitialized = errors.New("ordinal: COUNT not initialized")

// Entry is one row of the map.
type Entry struct {
	Ordinal   int64             `json:"ordinal"`
	ID        models.Identifier `json:"id"`
	Reference string            `json:"reference"`
}

// Map is the ordinal map over a KVS. Append is serialized; reads go straight to the store.
type Map struct {
	kvs    storage.KVS
	mu     sync.Mutex
	int64n func(n int64) int64
	logger *zap.Logger
}

// Option configures a Map.
type Option func(*Map)

// WithLogger sets a logger for append/import events.
func WithLogger(l *zap.Logger) Option {
	return func(m *Map) { m.logger = l }
}

// WithRand makes sampling draw from r instead of the global source.
func WithRand(r *rand.Rand) Option {
	var mu sync.Mutex
	return func(m *Map) {
		m.int64n = func(n int64) int64 {
			mu.Lock()
			defer mu.Unlock()
			return r.Int64N(n)
		}
	}
}

// New returns a Map backed by kvs. The Map does not own kvs; close it separately.
func New(kvs storage.KVS, opts ...Option) *Map {
	m := &Map{
		kvs:    kvs,
		int64n: rand.Int64N,
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Count returns the number of entries. An uninitialised store returns 0 and ErrNotInitialized.
func (m *Map) Count() (int64, error) {
	v, ok, err := m.kvs.Get(CountKey)
	if err != nil {
		return 0, fmt.Errorf("ordinal: read %s: %w", CountKey, err)
	}
	if !ok {
		return 0, ErrNotInitialized
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("ordinal: corrupt %s value %q", CountKey, v)
	}
	return n, nil
}

// Append assigns the next counter to id and records reference. It is a no-op returning false when
// id is already present. The counter, reference and new COUNT are written in one batch. id must be
// a well-formed identifier, since ids share the keyspace with counters and COUNT.
func (m *Map) Append(id models.Identifier, reference string) (bool, error) {
	id, err := models.ParseIdentifier(string(id))
	if err != nil {
		return false, fmt.Errorf("ordinal: append: %w", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	_, exists, err := m.kvs.Get(string(id))
	if err != nil {
		return false, fmt.Errorf("ordinal: lookup %s: %w", id, err)
	}
	if exists {
		return false, nil
	}
	count, err := m.Count()
	if err != nil && !errors.Is(err, ErrNotInitialized) {
		return false, err
	}
	err = m.kvs.SetBatch(
		storage.KV{Key: strconv.FormatInt(count, 10), Value: string(id)},
		storage.KV{Key: string(id), Value: reference},
		storage.KV{Key: CountKey, Value: strconv.FormatInt(count+1, 10)},
	)
	if err != nil {
		return false, fmt.Errorf("ordinal: append %s: %w", id, err)
	}
	m.logger.Debug("ordinal append", zap.Int64("ordinal", count), zap.String("id", string(id)), zap.String("reference", reference))
	return true, nil
}

// At returns the identifier stored at counter ordinal.
func (m *Map) At(ordinal int64) (models.Identifier, bool, error) {
	v, ok, err := m.kvs.Get(strconv.FormatInt(ordinal, 10))
	if err != nil || !ok {
		return "", ok, err
	}
	return models.Identifier(v), true, nil
}

// Resolve returns the reference recorded for id.
func (m *Map) Resolve(id models.Identifier) (string, bool, error) {
	return m.kvs.Get(string(id))
}

// ReverseResolve returns the identifier whose reference equals reference. It scans the map; use
// ReverseIndex for repeated lookups.
func (m *Map) ReverseResolve(reference string) (models.Identifier, bool, error) {
	var found models.Identifier
	errStop := errors.New("found")
	err := m.Each(func(e Entry) error {
		if e.Reference == reference {
			found = e.ID
			return errStop
		}
		return nil
	})
	if errors.Is(err, errStop) {
		return found, true, nil
	}
	if err != nil && !errors.Is(err, ErrNotInitialized) {
		return "", false, err
	}
	return "", false, nil
}

// ReverseIndex returns reference -> identifier for every entry.
func (m *Map) ReverseIndex() (map[string]models.Identifier, error) {
	idx := make(map[string]models.Identifier)
	err := m.Each(func(e Entry) error {
		idx[e.Reference] = e.ID
		return nil
	})
	if err != nil && !errors.Is(err, ErrNotInitialized) {
		return nil, err
	}
	return idx, nil
}

// Each calls fn for every entry in counter order. Counters that fail to resolve are skipped.
func (m *Map) Each(fn func(Entry) error) error {
	count, err := m.Count()
	if err != nil {
		return err
	}
	for i := int64(0); i < count; i++ {
		id, ok, err := m.At(i)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		ref, _, err := m.Resolve(id)
		if err != nil {
			return err
		}
		if err := fn(Entry{Ordinal: i, ID: id, Reference: ref}); err != nil {
			return err
		}
	}
	return nil
}

// Sample draws n counters uniformly with replacement and returns the identifiers they resolve to.
// Misses are dropped, so fewer than n identifiers may come back, and duplicates are possible.
func (m *Map) Sample(n int) ([]models.Identifier, error) {
	count, err := m.Count()
	if err != nil {
		return nil, err
	}
	out := make([]models.Identifier, 0, n)
	if count == 0 {
		return out, nil
	}
	for i := 0; i < n; i++ {
		id, ok, err := m.At(m.int64n(count))
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, id)
		}
	}
	return out, nil
}

// Import reads "<identifier> <reference>" lines from r and appends each. The reference is the rest
// of the line and may contain spaces. Blank lines are ignored. Returns the number of new entries.
func (m *Map) Import(r io.Reader) (int, error) {
	sc := bufio.NewScanner(r)
	added := 0
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimRight(sc.Text(), "\r\n")
		if strings.TrimSpace(text) == "" {
			continue
		}
		idPart, ref, _ := strings.Cut(text, " ")
		id, err := models.ParseIdentifier(idPart)
		if err != nil {
			return added, fmt.Errorf("ordinal: line %d: %w", line, err)
		}
		ok, err := m.Append(id, ref)
		if err != nil {
			return added, err
		}
		if ok {
			added++
		}
	}
	if err := sc.Err(); err != nil {
		return added, fmt.Errorf("ordinal: read import: %w", err)
	}
	m.logger.Info("ordinal import finished", zap.Int("lines", line), zap.Int("added", added))
	return added, nil
}
