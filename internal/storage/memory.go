package storage

import (
	"sort"
	"sync"
)

// MemoryKVS is an in-memory KVS for tests and throwaway maps.
type MemoryKVS struct {
	mu     sync.RWMutex
	data   map[string]string
	closed bool
}

// NewMemoryKVS returns an empty in-memory store.
func NewMemoryKVS() *MemoryKVS {
	return &MemoryKVS{data: make(map[string]string)}
}

func (m *MemoryKVS) Get(key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return "", false, ErrClosed
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *MemoryKVS) Set(key, value string) error {
	return m.SetBatch(KV{Key: key, Value: value})
}

func (m *MemoryKVS) SetBatch(pairs ...KV) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	for _, kv := range pairs {
		m.data[kv.Key] = kv.Value
	}
	return nil
}

func (m *MemoryKVS) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	delete(m.data, key)
	return nil
}

func (m *MemoryKVS) Keys(fn func(key string) error) error {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return ErrClosed
	}
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	m.mu.RUnlock()
	sort.Strings(keys)
	for _, k := range keys {
		if err := fn(k); err != nil {
			return err
		}
	}
	return nil
}

func (m *MemoryKVS) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.data = make(map[string]string)
	return nil
}

func (m *MemoryKVS) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
