// Package bench measures retrieval quality over a labelled corpus: every item is searched by its
// own identifier and scored by how many results fall in the same near-duplicate group.
package bench

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"sync"
	"time"

	"github.com/hyperjump/nitamono/internal/metrics"
	"github.com/hyperjump/nitamono/internal/models"
	"github.com/hyperjump/nitamono/internal/ordinal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultPattern   = `ukbench(\d{5})`
	DefaultGroupSize = 4
)

// Searcher runs a top-k query.
type Searcher interface {
	Search(ctx context.Context, k int, ref models.ContentRef) ([]models.Record, error)
}

// GroupKeyFunc derives the group of a reference. ok is false when the reference is not part of the
// labelled corpus.
type GroupKeyFunc func(reference string) (key string, ok bool)

// PatternGroupKey numbers items by the first capture of pattern and puts groupSize consecutive
// numbers in one group: with the defaults ukbench00000..ukbench00003 form group 0.
func PatternGroupKey(pattern string, groupSize int) (GroupKeyFunc, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("bench: pattern: %w", err)
	}
	if re.NumSubexp() < 1 {
		return nil, fmt.Errorf("bench: pattern %q has no capture group", pattern)
	}
	if groupSize <= 0 {
		return nil, fmt.Errorf("bench: group size must be positive")
	}
	return func(reference string) (string, bool) {
		m := re.FindStringSubmatch(reference)
		if m == nil {
			return "", false
		}
		n, err := strconv.Atoi(m[1])
		if err != nil {
			return "", false
		}
		return strconv.Itoa(n / groupSize), true
	}, nil
}

// Progress is reported after every query.
type Progress struct {
	Processed int64
	Score     int64
	QPS       float64
	Elapsed   time.Duration
}

// Report is the outcome of a run. Score counts every same-group result, including the query
// itself when it comes back.
type Report struct {
	Score     int64         `json:"score"`
	Count     int64         `json:"count"`
	Mean      float64       `json:"mean"`
	Precision float64       `json:"precision"`
	QPS       float64       `json:"qps"`
	Elapsed   time.Duration `json:"elapsed"`
	GroupSize int           `json:"group_size"`
}

// Evaluator drives a Searcher over the entries of an ordinal map.
type Evaluator struct {
	searcher  Searcher
	ordinal   *ordinal.Map
	groupKey  GroupKeyFunc
	groupSize int
	workers   int
	progress  func(Progress)
	logger    *zap.Logger
}

// Option configures an Evaluator.
type Option func(*Evaluator)

// WithGroups replaces the default ukbench grouping. groupSize is also the k of every query.
func WithGroups(fn GroupKeyFunc, groupSize int) Option {
	return func(e *Evaluator) {
		e.groupKey = fn
		e.groupSize = groupSize
	}
}

// WithWorkers sets the number of concurrent queries.
func WithWorkers(n int) Option {
	return func(e *Evaluator) { e.workers = n }
}

// WithProgress registers a callback invoked after each query. Calls are serialized.
func WithProgress(fn func(Progress)) Option {
	return func(e *Evaluator) { e.progress = fn }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Evaluator) { e.logger = l }
}

// New returns an Evaluator using the ukbench grouping unless overridden.
func New(s Searcher, m *ordinal.Map, opts ...Option) *Evaluator {
	e := &Evaluator{
		searcher: s,
		ordinal:  m,
		workers:  1,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.groupKey == nil {
		e.groupKey, _ = PatternGroupKey(DefaultPattern, DefaultGroupSize)
		e.groupSize = DefaultGroupSize
	}
	if e.workers < 1 {
		e.workers = 1
	}
	return e
}

type query struct {
	id  models.Identifier
	key string
}

// Run searches every labelled entry and returns the aggregate. The first search error aborts the
// run.
func (e *Evaluator) Run(ctx context.Context) (Report, error) {
	byReference, err := e.ordinal.ReverseIndex()
	if err != nil {
		return Report{}, fmt.Errorf("bench: read ordinal map: %w", err)
	}
	references := make(map[models.Identifier]string, len(byReference))
	var queries []query
	err = e.ordinal.Each(func(entry ordinal.Entry) error {
		references[entry.ID] = entry.Reference
		key, ok := e.groupKey(entry.Reference)
		if !ok {
			return nil
		}
		queries = append(queries, query{id: byReference[entry.Reference], key: key})
		return nil
	})
	if err != nil {
		return Report{}, fmt.Errorf("bench: read ordinal map: %w", err)
	}
	e.logger.Info("benchmark started",
		zap.Int("queries", len(queries)),
		zap.Int("group_size", e.groupSize),
		zap.Int("workers", e.workers))

	var (
		// processed and score only change under mu, so progress reports never run backwards
		mu        sync.Mutex
		processed int64
		score     int64
		start     = time.Now()
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)
	for _, q := range queries {
		g.Go(func() error {
			records, err := e.searcher.Search(gctx, e.groupSize, models.IDRef(q.id))
			if err != nil {
				return fmt.Errorf("bench: search %s: %w", q.id, err)
			}
			var hits int64
			for _, r := range records {
				if key, ok := e.groupKey(references[r.ID]); ok && key == q.key {
					hits++
				}
			}
			mu.Lock()
			defer mu.Unlock()
			score += hits
			processed++
			elapsed := time.Since(start)
			qps := rate(processed, elapsed)
			metrics.BenchProcessed.Inc()
			metrics.BenchQPS.Set(qps)
			if e.progress != nil {
				e.progress(Progress{Processed: processed, Score: score, QPS: qps, Elapsed: elapsed})
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return Report{}, err
	}

	elapsed := time.Since(start)
	report := Report{
		Score:     score,
		Count:     processed,
		QPS:       rate(processed, elapsed),
		Elapsed:   elapsed,
		GroupSize: e.groupSize,
	}
	if report.Count > 0 {
		report.Mean = float64(report.Score) / float64(report.Count)
		report.Precision = report.Mean / float64(e.groupSize)
	}
	e.logger.Info("benchmark finished",
		zap.Int64("score", report.Score),
		zap.Int64("count", report.Count),
		zap.Float64("qps", report.QPS))
	return report, nil
}

func rate(n int64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(n) / elapsed.Seconds()
}
