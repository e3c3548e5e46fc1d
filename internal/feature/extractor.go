// Package feature turns content bytes into fixed-size feature vectors for the reference engine,
// and encodes vectors as portable feature strings.
package feature

import (
	"context"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/hyperjump/nitamono/internal/models"
	"github.com/hyperjump/nitamono/pkg/utils"
)

// Extractor produces a unit-length feature vector from content bytes.
type Extractor interface {
	Extract(ctx context.Context, data []byte) ([]float32, error)
	Dimensions() int
}

const (
	// DefaultDimensions is the vector size when none is configured.
	DefaultDimensions = 256
	// DefaultShingle is the byte window hashed into a bucket.
	DefaultShingle = 4
)

// ShingleExtractor hashes every overlapping window of Shingle bytes into one of Dims buckets,
// damps counts with a square root and L2-normalises. Identical bytes give identical vectors and
// content sharing long byte runs lands close together.
type ShingleExtractor struct {
	dims    int
	shingle int
}

// NewShingleExtractor returns an extractor; non-positive arguments fall back to the defaults.
func NewShingleExtractor(dims, shingle int) *ShingleExtractor {
	if dims <= 0 {
		dims = DefaultDimensions
	}
	if shingle <= 0 {
		shingle = DefaultShingle
	}
	return &ShingleExtractor{dims: dims, shingle: shingle}
}

// Extract returns the feature vector of data.
func (e *ShingleExtractor) Extract(ctx context.Context, data []byte) ([]float32, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty data", models.ErrInvalidContent)
	}
	w := e.shingle
	if len(data) < w {
		w = len(data)
	}
	counts := make([]float64, e.dims)
	for i := 0; i+w <= len(data); i++ {
		if i%(1<<16) == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		h := xxhash.Sum64(data[i : i+w])
		counts[h%uint64(e.dims)]++
	}
	vec := make([]float32, e.dims)
	for i, c := range counts {
		vec[i] = float32(math.Sqrt(c))
	}
	utils.NormalizeL2(vec)
	return vec, nil
}

// Dimensions returns the vector size.
func (e *ShingleExtractor) Dimensions() int {
	return e.dims
}
