package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hyperjump/nitamono/internal/contentid"
	"github.com/hyperjump/nitamono/internal/feature"
	"github.com/hyperjump/nitamono/internal/models"
	"github.com/hyperjump/nitamono/internal/vector"
	"go.uber.org/zap"
)

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// SQLiteEngine stores features in sqlite and serves search from an in-memory index that Pull
// brings up to date. Every insert and remove bumps the row version; Pull applies rows whose
// version is newer than the last one it saw.
type SQLiteEngine struct {
	db        *sql.DB
	path      string
	extractor feature.Extractor
	cache     *feature.Cache
	cacheSize int
	logger    *zap.Logger

	mu         sync.RWMutex
	index      *vector.MemoryIndex
	lastPulled int64
	closed     bool
}

// SQLiteOption configures a SQLiteEngine.
type SQLiteOption func(*SQLiteEngine)

// WithExtractor sets the feature extractor.
func WithExtractor(x feature.Extractor) SQLiteOption {
	return func(e *SQLiteEngine) { e.extractor = x }
}

// WithCacheSize sets the number of feature vectors kept in memory for search by id.
func WithCacheSize(n int) SQLiteOption {
	return func(e *SQLiteEngine) { e.cacheSize = n }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) SQLiteOption {
	return func(e *SQLiteEngine) { e.logger = l }
}

// OpenSQLite opens the database at path. Parent directories are created if they do not exist.
// The schema is created by CreateDatabase.
func OpenSQLite(path string, opts ...SQLiteOption) (*SQLiteEngine, error) {
	e := &SQLiteEngine{path: path, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	if e.extractor == nil {
		e.extractor = feature.NewShingleExtractor(0, 0)
	}
	e.cache = feature.NewCache(e.cacheSize)
	index, err := vector.NewMemoryIndex(e.extractor.Dimensions())
	if err != nil {
		return nil, systemError("open", err)
	}
	e.index = index

	if path != MemoryPath {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, systemError("open", fmt.Errorf("failed to create database directory: %w", err))
			}
		}
	}
	dsn := path
	if path != MemoryPath {
		dsn = path + "?_busy_timeout=5000"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, systemError("open", fmt.Errorf("failed to open database: %w", err))
	}
	if path == MemoryPath {
		// each connection would get its own empty database
		db.SetMaxOpenConns(1)
	} else if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, systemError("open", fmt.Errorf("failed to enable WAL: %w", err))
	}
	e.db = db
	return e, nil
}

const schema = `
CREATE TABLE features (
	id TEXT PRIMARY KEY,
	source TEXT NOT NULL DEFAULT '',
	vector BLOB NOT NULL,
	removed INTEGER NOT NULL DEFAULT 0,
	version INTEGER NOT NULL
);
CREATE INDEX idx_features_version ON features(version);
`

// CreateDatabase creates the schema, or fails with ErrDatabaseExists.
func (e *SQLiteEngine) CreateDatabase(ctx context.Context) error {
	const op = "create_database"
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return systemError(op, ErrClosed)
	}
	exists, err := e.tableExists(ctx)
	if err != nil {
		return systemError(op, err)
	}
	if exists {
		return userError(op, ErrDatabaseExists)
	}
	if _, err := e.db.ExecContext(ctx, schema); err != nil {
		return systemError(op, err)
	}
	e.logger.Info("database created", zap.String("path", e.path))
	return nil
}

// DropDatabase removes the schema and empties the index. Dropping a missing database succeeds.
func (e *SQLiteEngine) DropDatabase(ctx context.Context) error {
	const op = "drop_database"
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return systemError(op, ErrClosed)
	}
	if _, err := e.db.ExecContext(ctx, `DROP TABLE IF EXISTS features`); err != nil {
		return systemError(op, err)
	}
	index, err := vector.NewMemoryIndex(e.extractor.Dimensions())
	if err != nil {
		return systemError(op, err)
	}
	_ = e.index.Close()
	e.index = index
	e.lastPulled = 0
	e.cache.Purge()
	e.logger.Info("database dropped", zap.String("path", e.path))
	return nil
}

func (e *SQLiteEngine) tableExists(ctx context.Context) (bool, error) {
	var n int
	err := e.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = 'features'`).Scan(&n)
	return n > 0, err
}

// Insert stores the feature of file or data content. Inserting a removed id revives it.
func (e *SQLiteEngine) Insert(ctx context.Context, ref models.ContentRef) (models.Identifier, error) {
	const op = "insert"
	if err := ref.Validate(); err != nil {
		return "", userError(op, err)
	}
	if k := ref.Kind(); k != models.KindFile && k != models.KindData {
		return "", userError(op, fmt.Errorf("%w: cannot insert %s content", ErrInvalidContent, k))
	}
	data, err := readContent(ref)
	if err != nil {
		return "", userError(op, err)
	}
	id := contentid.Data(data)
	vec, err := e.extractor.Extract(ctx, data)
	if err != nil {
		return "", classify(op, err)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return "", systemError(op, ErrClosed)
	}
	_, err = e.db.ExecContext(ctx, `
		INSERT INTO features (id, source, vector, removed, version)
		VALUES (?, ?, ?, 0, (SELECT COALESCE(MAX(version), 0) + 1 FROM features))
		ON CONFLICT(id) DO UPDATE SET
			source = excluded.source,
			vector = excluded.vector,
			removed = 0,
			version = excluded.version`,
		string(id), ref.Source(), feature.Marshal(vec))
	if err != nil {
		return "", systemError(op, err)
	}
	e.cache.Set(id, vec)
	return id, nil
}

// Remove marks id removed. The stored feature is kept so the id can still be used as a query.
func (e *SQLiteEngine) Remove(ctx context.Context, id models.Identifier) error {
	const op = "remove"
	id, err := models.ParseIdentifier(string(id))
	if err != nil {
		return userError(op, err)
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return systemError(op, ErrClosed)
	}
	res, err := e.db.ExecContext(ctx, `
		UPDATE features
		SET removed = 1, version = (SELECT MAX(version) + 1 FROM features)
		WHERE id = ? AND removed = 0`, string(id))
	if err != nil {
		return systemError(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return systemError(op, err)
	}
	if n == 0 {
		return userError(op, fmt.Errorf("%w: %s", ErrNotFound, id))
	}
	return nil
}

// Pull applies every row changed since the previous pull to the search index.
func (e *SQLiteEngine) Pull(ctx context.Context) error {
	const op = "pull"
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return systemError(op, ErrClosed)
	}
	rows, err := e.db.QueryContext(ctx,
		`SELECT id, vector, removed, version FROM features WHERE version > ? ORDER BY version`, e.lastPulled)
	if err != nil {
		return systemError(op, err)
	}
	defer rows.Close()

	var added, removed int
	for rows.Next() {
		var (
			id      string
			blob    []byte
			gone    bool
			version int64
		)
		if err := rows.Scan(&id, &blob, &gone, &version); err != nil {
			return systemError(op, err)
		}
		if gone {
			if err := e.index.Remove(ctx, []string{id}); err != nil {
				return systemError(op, err)
			}
			removed++
		} else {
			vec, err := feature.Unmarshal(blob)
			if err != nil {
				return systemError(op, fmt.Errorf("corrupt feature for %s: %w", id, err))
			}
			if err := e.index.Add(ctx, []string{id}, [][]float32{vec}); err != nil {
				return systemError(op, err)
			}
			added++
		}
		e.lastPulled = version
	}
	if err := rows.Err(); err != nil {
		return systemError(op, err)
	}
	if e.index.Tombstones() > e.index.Size() {
		e.index.Compact()
	}
	if added+removed > 0 {
		e.logger.Debug("pulled",
			zap.Int("added", added),
			zap.Int("removed", removed),
			zap.Int("size", e.index.Size()))
	}
	return nil
}

// Search returns up to k committed records closest to ref.
func (e *SQLiteEngine) Search(ctx context.Context, k int, ref models.ContentRef) ([]models.Record, error) {
	const op = "search"
	if k <= 0 {
		return nil, userError(op, fmt.Errorf("%w: result count must be positive, got %d", ErrInvalidContent, k))
	}
	if err := ref.Validate(); err != nil {
		return nil, userError(op, err)
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.closed {
		return nil, systemError(op, ErrClosed)
	}
	query, err := e.queryVector(ctx, ref)
	if err != nil {
		return nil, classify(op, err)
	}
	if len(query) != e.extractor.Dimensions() {
		return nil, userError(op, fmt.Errorf("%w: feature has %d dimensions, expected %d",
			ErrInvalidContent, len(query), e.extractor.Dimensions()))
	}
	hits, err := e.index.Search(ctx, query, k)
	if err != nil {
		return nil, systemError(op, err)
	}
	records := make([]models.Record, 0, len(hits))
	for _, h := range hits {
		var source string
		err := e.db.QueryRowContext(ctx, `SELECT source FROM features WHERE id = ?`, h.ID).Scan(&source)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return nil, systemError(op, err)
		}
		records = append(records, models.Record{
			ID:    models.Identifier(h.ID),
			Value: models.RecordValue{Similarity: h.Score, Source: source},
		})
	}
	return records, nil
}

func (e *SQLiteEngine) queryVector(ctx context.Context, ref models.ContentRef) ([]float32, error) {
	switch ref.Kind() {
	case models.KindString:
		return feature.Decode(ref.FeatureString())
	case models.KindRaw:
		return ref.Raw(), nil
	case models.KindID:
		return e.storedVector(ctx, ref.ID())
	default:
		data, err := readContent(ref)
		if err != nil {
			return nil, err
		}
		return e.extractor.Extract(ctx, data)
	}
}

func (e *SQLiteEngine) storedVector(ctx context.Context, id models.Identifier) ([]float32, error) {
	id, err := models.ParseIdentifier(string(id))
	if err != nil {
		return nil, err
	}
	if vec, ok := e.cache.Get(id); ok {
		return vec, nil
	}
	var blob []byte
	err = e.db.QueryRowContext(ctx, `SELECT vector FROM features WHERE id = ?`, string(id)).Scan(&blob)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, systemError("load_feature", err)
	}
	vec, err := feature.Unmarshal(blob)
	if err != nil {
		return nil, systemError("load_feature", err)
	}
	e.cache.Set(id, vec)
	return vec, nil
}

// Close releases the database and the index. Further calls fail with ErrClosed.
func (e *SQLiteEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	_ = e.index.Close()
	e.cache.Purge()
	if err := e.db.Close(); err != nil {
		return systemError("close", err)
	}
	return nil
}

// Size returns the number of searchable items.
func (e *SQLiteEngine) Size() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.index.Size()
}

func readContent(ref models.ContentRef) ([]byte, error) {
	if ref.Kind() == models.KindData {
		return ref.Data(), nil
	}
	data, err := os.ReadFile(ref.Path())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidContent, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: %s is empty", ErrInvalidContent, ref.Path())
	}
	return data, nil
}

// classify tags err for op. Already classified errors keep their class; content and lookup
// failures are user errors; anything else is a system error.
func classify(op string, err error) error {
	var ce *Error
	if errors.As(err, &ce) {
		return &Error{Op: op, Class: ce.Class, Err: err}
	}
	if errors.Is(err, ErrInvalidContent) || errors.Is(err, ErrNotFound) ||
		errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return userError(op, err)
	}
	return systemError(op, err)
}
