// Package main is the nitamono CLI entry point.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/hyperjump/nitamono/internal/client"
	"github.com/hyperjump/nitamono/internal/config"
	"github.com/hyperjump/nitamono/internal/engine"
	"github.com/hyperjump/nitamono/internal/fetch"
	"github.com/hyperjump/nitamono/internal/ingest"
	"github.com/hyperjump/nitamono/internal/metrics"
	"github.com/hyperjump/nitamono/internal/models"
	"github.com/hyperjump/nitamono/internal/ordinal"
	"github.com/hyperjump/nitamono/internal/server"
	"github.com/hyperjump/nitamono/internal/service"
	"github.com/hyperjump/nitamono/internal/storage"
	"github.com/hyperjump/nitamono/internal/watcher"
	"github.com/hyperjump/nitamono/pkg/utils"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var version = "dev"

const defaultConfigPath = "/usr/local/etc/nitamono/config.yaml"

// loadConfig loads config from path. When path is the default, config.yaml in the current
// directory wins if it exists, and a missing default file means built-in defaults.
// Returns the config and the path that was actually loaded ("" for defaults).
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		if path == defaultConfigPath && errors.Is(err, fs.ErrNotExist) {
			cfg = &config.Config{}
			config.ApplyDefaults(cfg)
			return cfg, "", nil
		}
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	args := os.Args[2:]
	switch command {
	case "server":
		runServer(args)
	case "insert":
		runInsert(args)
	case "search":
		runSearch(args)
	case "remove":
		runRemove(args)
	case "pull":
		runPull(args)
	case "feature":
		runFeature(args)
	case "import":
		runImport(args)
	case "add":
		runAdd(args)
	case "sample":
		runSample(args)
	case "count":
		runCount(args)
	case "bench":
		runBench(args)
	case "drop-database":
		runDropDatabase(args)
	case "config":
		runConfig(args)
	case "version", "--version", "-v":
		fmt.Printf("nitamono version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

// common holds the flags every subcommand understands.
type common struct {
	configPath *string
	debug      *bool
	serverURL  *string
}

func commonFlags(fs *flag.FlagSet, withServer bool) *common {
	c := &common{
		configPath: fs.String("config", defaultConfigPath, "config file path"),
		debug:      fs.Bool("debug", false, "enable debug logging"),
	}
	if withServer {
		c.serverURL = fs.String("server", "", "server URL (empty = open the local database directly)")
	}
	return c
}

func (c *common) remote() bool {
	return c.serverURL != nil && *c.serverURL != ""
}

// load resolves the config and builds the logger, exiting on failure.
func (c *common) load() (*config.Config, *zap.Logger) {
	cfg, resolved, err := loadConfig(*c.configPath)
	if err != nil {
		fatalf("Failed to load config: %v", err)
	}
	debugMode := cfg.Debug || *c.debug
	logger, err := utils.NewLogger(debugMode, cfg.LogFile)
	if err != nil {
		fatalf("Failed to create logger: %v", err)
	}
	if resolved == "" {
		resolved = "(defaults)"
	}
	logger.Debug("config loaded", zap.String("config_path", resolved), zap.Bool("debug", debugMode))
	return cfg, logger
}

// Components holds initialized services.
type Components struct {
	Core    *service.Core
	Ordinal *ordinal.Map
	Fetcher *fetch.Fetcher
	kvs     storage.KVS
}

// Close releases the engine and the ordinal store.
func (c *Components) Close() {
	if c.Core != nil {
		_ = c.Core.Close()
	}
	if c.kvs != nil {
		_ = c.kvs.Close()
	}
}

func initializeComponents(cfg *config.Config, logger *zap.Logger, withOrdinal bool) (*Components, error) {
	factory, err := engine.NewFactory(engine.Options{
		Driver:       cfg.Engine.Driver,
		DatabasePath: cfg.Storage.DatabasePath,
		Dimensions:   cfg.Engine.Dimensions,
		Shingle:      cfg.Engine.Shingle,
		CacheSize:    cfg.Engine.CacheSize,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize engine: %w", err)
	}
	c := &Components{
		Core:    service.New(factory, service.WithLogger(logger)),
		Fetcher: fetch.New(cfg.Fetch.Timeout, cfg.Fetch.MaxContentLength),
	}
	if withOrdinal && cfg.Storage.OrdinalPath != "" {
		kvs, err := storage.OpenPebble(cfg.Storage.OrdinalPath)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to open ordinal map: %w", err)
		}
		c.kvs = kvs
		c.Ordinal = ordinal.New(kvs, ordinal.WithLogger(logger))
	}
	logger.Debug("components initialized",
		zap.String("driver", cfg.Engine.Driver),
		zap.String("database_path", cfg.Storage.DatabasePath),
		zap.Bool("ordinal", c.Ordinal != nil))
	return c, nil
}

// index is what the commands drive: the local Core or a remote server.
type index interface {
	Insert(ctx context.Context, ref models.ContentRef) (models.Identifier, error)
	Search(ctx context.Context, k int, ref models.ContentRef) ([]models.Record, error)
	Remove(ctx context.Context, id models.Identifier) error
	Pull(ctx context.Context) error
}

// remoteIndex adapts a client to the index interface.
type remoteIndex struct {
	c *client.Client
}

func (r remoteIndex) Insert(ctx context.Context, ref models.ContentRef) (models.Identifier, error) {
	return r.c.Insert(ctx, ref)
}

func (r remoteIndex) Search(ctx context.Context, k int, ref models.ContentRef) ([]models.Record, error) {
	return r.c.Search(ctx, ref, k)
}

func (r remoteIndex) Remove(ctx context.Context, id models.Identifier) error {
	return r.c.Remove(ctx, id)
}

func (r remoteIndex) Pull(ctx context.Context) error {
	return r.c.Pull(ctx)
}

func runServer(args []string) {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	c := commonFlags(fs, false)
	host := fs.String("host", "", "listen host (overrides config)")
	port := fs.Int("port", 0, "listen port (overrides config)")
	_ = fs.Parse(args)

	cfg, logger := c.load()
	defer logger.Sync()
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		logger.Fatal("Failed to register metrics", zap.Error(err))
	}

	components, err := initializeComponents(cfg, logger, true)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	defer components.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if _, err := components.Core.Get(ctx); err != nil {
		logger.Warn("engine not available yet; will retry on first request", zap.Error(err))
	}

	var watchSvc *watcher.Watcher
	if len(cfg.Watch.Directories) > 0 {
		ingester := ingest.New(components.Core, components.Ordinal,
			ingest.WithRate(cfg.Import.Rate, cfg.Import.Burst),
			ingest.WithExtensions(cfg.Watch.Extensions),
			ingest.WithLogger(logger),
		)
		watchSvc = watcher.New(cfg.Watch.Directories, cfg.Watch.Extensions, cfg.Watch.RecursiveOrDefault(),
			ingester, watcher.WithLogger(logger))
		if err := watchSvc.Start(ctx); err != nil {
			logger.Fatal("Failed to start watcher", zap.Error(err))
		}
		go watchSvc.Sync()
	}

	opts := []server.Option{
		server.WithFetcher(components.Fetcher),
		server.WithDiskPaths(cfg.Storage.DatabasePath, cfg.Storage.OrdinalPath),
	}
	if components.Ordinal != nil {
		opts = append(opts, server.WithOrdinal(components.Ordinal))
	}
	srv := server.NewServer(components.Core, &cfg.Server, logger, opts...)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	if watchSvc != nil {
		watchSvc.Stop()
	}
	cancel()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	_ = srv.Stop(stopCtx)
}

func printUsage() {
	fmt.Println(`nitamono - content-addressed image similarity index

Usage:
  nitamono server [flags]                 Start the HTTP server
  nitamono insert [flags] <file>          Insert a file (or --url)
  nitamono search [flags] [file]          Search by --file, --id, --string or --url
  nitamono remove [flags] <id>            Remove an identifier
  nitamono pull [flags]                   Commit pending inserts and removals
  nitamono feature [flags] <file>         Print the feature string of a file
  nitamono import [flags] <id.txt>        Load "id reference" lines into the ordinal map
  nitamono add [flags] <file|dir>...      Insert files and record them in the ordinal map
  nitamono sample [flags]                 Print random entries of the ordinal map
  nitamono count [flags]                  Print the number of ordinal map entries
  nitamono bench [flags]                  Run the retrieval benchmark over the ordinal map
  nitamono drop-database [flags]          Drop the engine database
  nitamono config [flags]                 Write a config file with defaults
  nitamono version                        Show version
  nitamono help                           Show this help

Common Flags:
  --config string    Config file path (default: /usr/local/etc/nitamono/config.yaml)
  --debug            Enable debug logging
  --server string    Server URL; empty opens the local database directly
                     (insert, search, remove, pull, add, sample, bench)

Search Flags:
  --file string      Query file
  --id string        Query by identifier
  --string string    Query by feature string (see "nitamono feature")
  --url string       Query by remote content
  --limit int        Number of results (default: server.max_results)
  --output string    Output format: text or json

Bench Flags:
  --pattern string   Group pattern (default from config: ukbench(\d{5}))
  --group-size int   Items per group and k of every query (default from config: 4)
  --workers int      Parallel queries (default from config: 1)

Examples:
  nitamono server
  nitamono add --recursive ./ukbench
  nitamono search --file query.jpg --limit 5
  nitamono search --server http://localhost:4567 --url https://example.com/a.jpg
  nitamono search --string "$(nitamono feature a.jpg)"
  nitamono bench --workers 4`)
}
