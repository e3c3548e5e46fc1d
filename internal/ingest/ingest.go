// Package ingest inserts image files into the index and records them in the ordinal map. It backs
// the add command and the directory watcher.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/hyperjump/nitamono/internal/engine"
	"github.com/hyperjump/nitamono/internal/models"
	"github.com/hyperjump/nitamono/internal/ordinal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Index is the part of the service the ingester drives.
type Index interface {
	Insert(ctx context.Context, ref models.ContentRef) (models.Identifier, error)
	Remove(ctx context.Context, id models.Identifier) error
	Pull(ctx context.Context) error
}

// Result describes one inserted file. Added is false when the identifier was already in the
// ordinal map.
type Result struct {
	ID    models.Identifier
	Path  string
	Added bool
}

// Ingester inserts files at a bounded rate.
type Ingester struct {
	index      Index
	ordinal    *ordinal.Map
	limiter    *rate.Limiter
	extensions []string
	logger     *zap.Logger
}

// Option configures an Ingester.
type Option func(*Ingester)

// WithRate limits inserts to perSecond files per second with the given burst. A non-positive
// rate means unlimited.
func WithRate(perSecond float64, burst int) Option {
	return func(in *Ingester) {
		if perSecond <= 0 {
			in.limiter = rate.NewLimiter(rate.Inf, 1)
			return
		}
		if burst < 1 {
			burst = 1
		}
		in.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
}

// WithExtensions restricts directory walks to the given extensions.
func WithExtensions(exts []string) Option {
	return func(in *Ingester) { in.extensions = exts }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(in *Ingester) { in.logger = l }
}

// New returns an Ingester. m may be nil, in which case files are only inserted.
func New(index Index, m *ordinal.Map, opts ...Option) *Ingester {
	in := &Ingester{
		index:   index,
		ordinal: m,
		limiter: rate.NewLimiter(rate.Inf, 1),
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(in)
	}
	return in
}

// AddFiles inserts each file and appends it to the ordinal map, calling fn for every success.
// Files the engine rejects are logged and skipped; a system error stops the run. Returns the
// number of files inserted.
func (in *Ingester) AddFiles(ctx context.Context, paths []string, fn func(Result)) (int, error) {
	n := 0
	for _, path := range paths {
		if err := in.limiter.Wait(ctx); err != nil {
			return n, err
		}
		res, err := in.addFile(ctx, path)
		if err != nil {
			if engine.IsSystem(err) || errors.Is(err, context.Canceled) {
				return n, err
			}
			in.logger.Warn("skipping file", zap.String("path", path), zap.Error(err))
			continue
		}
		n++
		if fn != nil {
			fn(res)
		}
	}
	return n, nil
}

func (in *Ingester) addFile(ctx context.Context, path string) (Result, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %v", models.ErrInvalidContent, err)
	}
	id, err := in.index.Insert(ctx, models.FileRef(abs))
	if err != nil {
		return Result{}, err
	}
	res := Result{ID: id, Path: abs}
	if in.ordinal != nil {
		added, err := in.ordinal.Append(id, abs)
		if err != nil {
			return Result{}, &engine.Error{Op: "append", Class: engine.SystemError, Err: err}
		}
		res.Added = added
	}
	in.logger.Debug("file ingested", zap.String("path", abs), zap.String("id", string(id)), zap.Bool("added", res.Added))
	return res, nil
}

// AddDirectory inserts every matching regular file under dir.
func (in *Ingester) AddDirectory(ctx context.Context, dir string, recursive bool, fn func(Result)) (int, error) {
	files, err := in.Collect(dir, recursive)
	if err != nil {
		return 0, err
	}
	return in.AddFiles(ctx, files, fn)
}

// Collect lists the matching regular files under dir.
func (in *Ingester) Collect(dir string, recursive bool) ([]string, error) {
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("absolute path: %w", err)
	}
	info, err := os.Stat(absDir)
	if err != nil {
		return nil, fmt.Errorf("stat directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("not a directory: %s", absDir)
	}
	var files []string
	err = filepath.WalkDir(absDir, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			if path != absDir && !recursive {
				return filepath.SkipDir
			}
			return nil
		}
		if !MatchExtension(path, in.extensions) {
			return nil
		}
		// resolve symlinks so only regular files are inserted
		finfo, statErr := os.Stat(path)
		if statErr != nil || !finfo.Mode().IsRegular() {
			return nil
		}
		files = append(files, path)
		return nil
	})
	return files, err
}

// Ingest inserts a batch of files and pulls so they become searchable.
func (in *Ingester) Ingest(ctx context.Context, paths []string) error {
	n, err := in.AddFiles(ctx, paths, nil)
	if err != nil {
		return err
	}
	if n == 0 {
		return nil
	}
	if err := in.index.Pull(ctx); err != nil {
		return err
	}
	in.logger.Info("batch ingested", zap.Int("files", n))
	return nil
}

// Forget removes the item recorded for path from the index. The ordinal map is append-only and
// keeps its entry. Paths that were never recorded are ignored.
func (in *Ingester) Forget(ctx context.Context, path string) error {
	if in.ordinal == nil {
		return nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	id, ok, err := in.ordinal.ReverseResolve(abs)
	if err != nil || !ok {
		return err
	}
	if err := in.index.Remove(ctx, id); err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil
		}
		return err
	}
	in.logger.Info("file forgotten", zap.String("path", abs), zap.String("id", string(id)))
	return in.index.Pull(ctx)
}

// MatchExtension reports whether path has one of exts (case-insensitive, leading dot optional).
// An empty list matches everything.
func MatchExtension(path string, exts []string) bool {
	if len(exts) == 0 {
		return true
	}
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	for _, e := range exts {
		if strings.TrimPrefix(strings.ToLower(e), ".") == ext {
			return true
		}
	}
	return false
}
