// Package engine is the contract between the index service and the similarity engine, plus the
// reference sqlite-backed driver.
package engine

import (
	"context"
	"fmt"

	"github.com/hyperjump/nitamono/internal/feature"
	"github.com/hyperjump/nitamono/internal/models"
	"go.uber.org/zap"
)

// Adapter is an open engine handle. Every returned error is an *Error.
type Adapter interface {
	// Insert adds file or data content and returns its identifier. Inserts become searchable
	// after Pull.
	Insert(ctx context.Context, ref models.ContentRef) (models.Identifier, error)
	// Search returns at most k records, best first.
	Search(ctx context.Context, k int, ref models.ContentRef) ([]models.Record, error)
	// Remove marks id as removed. Unknown or already removed ids fail with ErrNotFound.
	Remove(ctx context.Context, id models.Identifier) error
	// Pull commits pending inserts and removals into the searchable index.
	Pull(ctx context.Context) error
	CreateDatabase(ctx context.Context) error
	DropDatabase(ctx context.Context) error
	Close() error
}

// Factory opens a fresh Adapter.
type Factory func(ctx context.Context) (Adapter, error)

// Driver names.
const (
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// Options selects and tunes a driver.
type Options struct {
	Driver       string
	DatabasePath string
	Dimensions   int
	Shingle      int
	CacheSize    int
}

// NewFactory returns a Factory for opts.Driver. The memory driver starts empty on every open.
func NewFactory(opts Options, logger *zap.Logger) (Factory, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var path string
	switch opts.Driver {
	case DriverSQLite, "":
		if opts.DatabasePath == "" {
			return nil, fmt.Errorf("engine: sqlite driver needs a database path")
		}
		path = opts.DatabasePath
	case DriverMemory:
		path = MemoryPath
	default:
		return nil, fmt.Errorf("engine: unknown driver %q", opts.Driver)
	}
	return func(ctx context.Context) (Adapter, error) {
		return OpenSQLite(path,
			WithExtractor(feature.NewShingleExtractor(opts.Dimensions, opts.Shingle)),
			WithCacheSize(opts.CacheSize),
			WithLogger(logger),
		)
	}, nil
}
