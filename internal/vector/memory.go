package vector

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"
)

// MemoryIndex is a brute-force inner-product index. Removal only sets a tombstone bit; Compact
// drops tombstoned slots.
type MemoryIndex struct {
	dimensions int
	ids        []string
	vectors    [][]float32
	slots      map[string]uint32
	removed    *roaring.Bitmap
	mu         sync.RWMutex
}

// NewMemoryIndex creates an index for vectors of the given dimension.
func NewMemoryIndex(dimensions int) (*MemoryIndex, error) {
	if dimensions <= 0 {
		return nil, fmt.Errorf("dimensions must be positive")
	}
	return &MemoryIndex{
		dimensions: dimensions,
		slots:      make(map[string]uint32),
		removed:    roaring.New(),
	}, nil
}

// Add inserts or replaces vectors by id.
func (m *MemoryIndex) Add(ctx context.Context, ids []string, vectors [][]float32) error {
	if len(ids) != len(vectors) {
		return fmt.Errorf("ids and vectors length mismatch")
	}
	for i := range vectors {
		if len(vectors[i]) != m.dimensions {
			return fmt.Errorf("vector dimension mismatch: got %d, expected %d", len(vectors[i]), m.dimensions)
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, id := range ids {
		vec := make([]float32, m.dimensions)
		copy(vec, vectors[i])
		if slot, ok := m.slots[id]; ok {
			m.vectors[slot] = vec
			m.removed.Remove(slot)
			continue
		}
		m.slots[id] = uint32(len(m.ids))
		m.ids = append(m.ids, id)
		m.vectors = append(m.vectors, vec)
	}
	return nil
}

// Search returns up to k live vectors ordered by descending inner product.
func (m *MemoryIndex) Search(ctx context.Context, query []float32, k int) ([]*VectorResult, error) {
	if len(query) != m.dimensions {
		return nil, fmt.Errorf("query dimension mismatch: got %d, expected %d", len(query), m.dimensions)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if k <= 0 || len(m.ids) == 0 {
		return nil, nil
	}
	scores := make([]*VectorResult, 0, len(m.ids))
	for i, vec := range m.vectors {
		if m.removed.Contains(uint32(i)) {
			continue
		}
		scores = append(scores, &VectorResult{ID: m.ids[i], Score: InnerProduct(query, vec)})
	}
	sort.SliceStable(scores, func(i, j int) bool { return scores[i].Score > scores[j].Score })
	if k > len(scores) {
		k = len(scores)
	}
	return scores[:k], nil
}

// Remove tombstones the given ids. Unknown ids are ignored.
func (m *MemoryIndex) Remove(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if slot, ok := m.slots[id]; ok {
			m.removed.Add(slot)
		}
	}
	return nil
}

// Tombstones returns the number of removed slots still held in memory.
func (m *MemoryIndex) Tombstones() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return int(m.removed.GetCardinality())
}

// Compact rebuilds the slot arrays without tombstoned entries.
func (m *MemoryIndex) Compact() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.removed.IsEmpty() {
		return
	}
	live := len(m.ids) - int(m.removed.GetCardinality())
	ids := make([]string, 0, live)
	vectors := make([][]float32, 0, live)
	slots := make(map[string]uint32, live)
	for i, id := range m.ids {
		if m.removed.Contains(uint32(i)) {
			continue
		}
		slots[id] = uint32(len(ids))
		ids = append(ids, id)
		vectors = append(vectors, m.vectors[i])
	}
	m.ids, m.vectors, m.slots = ids, vectors, slots
	m.removed.Clear()
}

// Size returns the number of live vectors.
func (m *MemoryIndex) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.ids) - int(m.removed.GetCardinality())
}

// Close releases the vectors.
func (m *MemoryIndex) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ids, m.vectors = nil, nil
	m.slots = make(map[string]uint32)
	m.removed.Clear()
	return nil
}
