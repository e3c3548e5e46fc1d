package feature

import (
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/hyperjump/nitamono/internal/models"
)

// DefaultCacheSize is the number of vectors kept when none is configured.
const DefaultCacheSize = 10000

// Cache is an LRU of feature vectors keyed by identifier. Vectors are content-derived, so an entry
// never goes stale.
type Cache struct {
	lru *lru.Cache[models.Identifier, []float32]
}

// NewCache returns a cache holding up to size vectors.
func NewCache(size int) *Cache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c, _ := lru.New[models.Identifier, []float32](size)
	return &Cache{lru: c}
}

// Get returns the cached vector for id.
func (c *Cache) Get(id models.Identifier) ([]float32, bool) {
	return c.lru.Get(id)
}

// Set stores vec for id.
func (c *Cache) Set(id models.Identifier, vec []float32) {
	c.lru.Add(id, vec)
}

// Purge drops every entry.
func (c *Cache) Purge() {
	c.lru.Purge()
}

// Len returns the number of cached vectors.
func (c *Cache) Len() int {
	return c.lru.Len()
}
