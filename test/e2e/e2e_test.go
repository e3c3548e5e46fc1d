package e2e

import (
	"context"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/hyperjump/nitamono/internal/bench"
	"github.com/hyperjump/nitamono/internal/client"
	"github.com/hyperjump/nitamono/internal/config"
	"github.com/hyperjump/nitamono/internal/engine"
	"github.com/hyperjump/nitamono/internal/fetch"
	"github.com/hyperjump/nitamono/internal/ingest"
	"github.com/hyperjump/nitamono/internal/models"
	"github.com/hyperjump/nitamono/internal/ordinal"
	"github.com/hyperjump/nitamono/internal/server"
	"github.com/hyperjump/nitamono/internal/service"
	"github.com/hyperjump/nitamono/internal/storage"
	"github.com/hyperjump/nitamono/internal/watcher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	e2eGroups     = 6
	e2eGroupSize  = 4
	e2eDimensions = 256
)

type stack struct {
	core    *service.Core
	ordinal *ordinal.Map
	client  *client.Client
	dir     string
}

// newStack wires the sqlite engine, a pebble ordinal map and the HTTP server the way the server
// command does.
func newStack(t *testing.T, cfg config.ServerConfig) *stack {
	t.Helper()
	dir := t.TempDir()
	factory, err := engine.NewFactory(engine.Options{
		Driver:       engine.DriverSQLite,
		DatabasePath: filepath.Join(dir, "db", "features.db"),
		Dimensions:   e2eDimensions,
		Shingle:      4,
		CacheSize:    100,
	}, zap.NewNop())
	require.NoError(t, err)
	core := service.New(factory)
	t.Cleanup(func() { _ = core.Close() })

	kvs, err := storage.OpenPebble(filepath.Join(dir, "ordinal"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = kvs.Close() })
	m := ordinal.New(kvs)

	if cfg.MaxResults == 0 {
		cfg.MaxResults = 10
	}
	srv := server.NewServer(core, &cfg, zap.NewNop(),
		server.WithOrdinal(m),
		server.WithFetcher(fetch.New(5*time.Second, 1<<20)),
		server.WithDiskPaths(dir),
	)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &stack{core: core, ordinal: m, client: client.New(ts.URL), dir: dir}
}

func TestE2E_IngestSearchBenchOverRPC(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, config.ServerConfig{})
	corpus := BuildCorpus(e2eGroups, e2eGroupSize, 2024)
	paths, err := WriteCorpus(filepath.Join(s.dir, "images"), corpus)
	require.NoError(t, err)

	rpc := RPCIndex{Client: s.client}
	ingester := ingest.New(rpc, s.ordinal)
	var added []ingest.Result
	n, err := ingester.AddFiles(ctx, paths, func(r ingest.Result) { added = append(added, r) })
	require.NoError(t, err)
	require.Equal(t, len(paths), n)
	require.Len(t, added, len(paths))
	require.NoError(t, rpc.Pull(ctx))

	count, err := s.ordinal.Count()
	require.NoError(t, err)
	assert.EqualValues(t, len(paths), count)

	// every image finds its own group first
	for i, res := range added {
		records, err := s.client.Search(ctx, models.IDRef(res.ID), e2eGroupSize)
		require.NoError(t, err)
		require.Len(t, records, e2eGroupSize)
		assert.Equal(t, res.ID, records[0].ID, "self match should rank first")
		for _, r := range records {
			ref, ok, err := s.ordinal.Resolve(r.ID)
			require.NoError(t, err)
			require.True(t, ok)
			assert.Contains(t, corpus.GroupOf(corpus.Images[i].Group), filepath.Base(ref))
		}
	}

	report, err := bench.New(rpc, s.ordinal, bench.WithWorkers(3)).Run(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, len(paths), report.Count)
	assert.EqualValues(t, len(paths)*e2eGroupSize, report.Score)
	assert.InDelta(t, 1.0, report.Precision, 1e-9)
	assert.Greater(t, report.QPS, 0.0)
}

func TestE2E_RemoveAndRevive(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, config.ServerConfig{})
	corpus := BuildCorpus(2, e2eGroupSize, 9)

	ids := make([]models.Identifier, len(corpus.Images))
	for i, img := range corpus.Images {
		id, err := s.client.Insert(ctx, models.DataRef(img.Data, img.Name))
		require.NoError(t, err)
		ids[i] = id
	}
	require.NoError(t, s.client.Pull(ctx))

	require.NoError(t, s.client.Remove(ctx, ids[1]))
	require.NoError(t, s.client.Pull(ctx))
	records, err := s.client.Search(ctx, models.IDRef(ids[0]), 10)
	require.NoError(t, err)
	for _, r := range records {
		assert.NotEqual(t, ids[1], r.ID, "removed id must not be returned")
	}

	// removed ids still work as queries
	records, err = s.client.Search(ctx, models.IDRef(ids[1]), 1)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Contains(t, []models.Identifier{ids[0], ids[2], ids[3]}, records[0].ID)

	var se *client.StatusError
	err = s.client.Remove(ctx, ids[1])
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 400, se.Code)

	// inserting the same content again revives it
	id, err := s.client.Insert(ctx, models.DataRef(corpus.Images[1].Data, "again.jpg"))
	require.NoError(t, err)
	assert.Equal(t, ids[1], id)
	require.NoError(t, s.client.Pull(ctx))
	records, err = s.client.Search(ctx, models.IDRef(ids[1]), 1)
	require.NoError(t, err)
	assert.Equal(t, ids[1], records[0].ID)
}

func TestE2E_RecordInsertsAndSample(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, config.ServerConfig{RecordInserts: true})
	corpus := BuildCorpus(1, e2eGroupSize, 5)
	for _, img := range corpus.Images {
		_, err := s.client.Insert(ctx, models.DataRef(img.Data, img.Name))
		require.NoError(t, err)
	}

	items, err := s.client.Sample(ctx, 20)
	require.NoError(t, err)
	require.NotEmpty(t, items)
	assert.LessOrEqual(t, len(items), 20)
	for _, it := range items {
		assert.Contains(t, corpus.GroupOf(0), it.Reference)
	}
	require.NoError(t, s.client.Health(ctx))
}

func TestE2E_WatcherFeedsIndex(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, config.ServerConfig{})
	watchDir := filepath.Join(s.dir, "watched")

	ingester := ingest.New(s.core, s.ordinal, ingest.WithExtensions([]string{".jpg"}))
	w := watcher.New([]string{watchDir}, []string{".jpg"}, true, ingester,
		watcher.WithDebounce(50*time.Millisecond))
	require.NoError(t, w.Start(ctx))
	t.Cleanup(w.Stop)

	corpus := BuildCorpus(2, e2eGroupSize, 11)
	_, err := WriteCorpus(filepath.Join(watchDir, "batch"), corpus)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		count, err := s.ordinal.Count()
		return err == nil && count >= int64(len(corpus.Images))
	}, 5*time.Second, 25*time.Millisecond)

	id, ok, err := s.ordinal.At(0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Eventually(t, func() bool {
		records, err := s.client.Search(ctx, models.IDRef(id), 1)
		return err == nil && len(records) == 1 && records[0].ID == id
	}, 5*time.Second, 25*time.Millisecond)
}
