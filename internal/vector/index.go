// Package vector provides the in-memory nearest-neighbour index used by the reference engine.
package vector

import "context"

// VectorIndex stores unit vectors by id and answers top-k inner-product queries.
type VectorIndex interface {
	// Add inserts or replaces vectors. Replacing a removed id revives it.
	Add(ctx context.Context, ids []string, vectors [][]float32) error
	Search(ctx context.Context, query []float32, k int) ([]*VectorResult, error)
	Remove(ctx context.Context, ids []string) error
	Size() int
	Close() error
}

// VectorResult is a single hit.
type VectorResult struct {
	ID    string
	Score float64 // inner product; cosine similarity for unit vectors
}
