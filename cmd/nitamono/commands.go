package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/hyperjump/nitamono/internal/bench"
	"github.com/hyperjump/nitamono/internal/cli"
	"github.com/hyperjump/nitamono/internal/client"
	"github.com/hyperjump/nitamono/internal/config"
	"github.com/hyperjump/nitamono/internal/feature"
	"github.com/hyperjump/nitamono/internal/fetch"
	"github.com/hyperjump/nitamono/internal/ingest"
	"github.com/hyperjump/nitamono/internal/models"
	"github.com/hyperjump/nitamono/internal/ordinal"
	"go.uber.org/zap"
)

// session is an opened command environment: either a remote client or local components.
type session struct {
	cfg        *config.Config
	logger     *zap.Logger
	index      index
	client     *client.Client
	components *Components
}

// open builds a session for c. Local sessions open the ordinal map only when withOrdinal is set,
// so engine-only commands can run while a server holds the map.
func open(c *common, withOrdinal bool) *session {
	cfg, logger := c.load()
	s := &session{cfg: cfg, logger: logger}
	if c.remote() {
		s.client = client.New(*c.serverURL)
		s.index = remoteIndex{c: s.client}
		return s
	}
	components, err := initializeComponents(cfg, logger, withOrdinal)
	if err != nil {
		fatalf("Failed to initialize: %v", err)
	}
	s.components = components
	s.index = components.Core
	return s
}

func (s *session) close() {
	if s.components != nil {
		s.components.Close()
	}
	_ = s.logger.Sync()
}

// refuse exits when op is disabled in the local config. Servers enforce their own list.
func (s *session) refuse(op string) {
	if s.client == nil && s.cfg.OperationDisabled(op) {
		fatalf("%s: %v", op, models.ErrDisabled)
	}
}

func (s *session) ordinal() *ordinal.Map {
	if s.components == nil || s.components.Ordinal == nil {
		fatalf("No ordinal map configured (storage.ordinal_path)")
	}
	return s.components.Ordinal
}

// interruptible returns a context canceled on SIGINT or SIGTERM.
func interruptible() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func outputFormat(s string) cli.OutputFormat {
	format, err := cli.ParseFormat(s)
	if err != nil {
		fatalf("%v", err)
	}
	return format
}

func runInsert(args []string) {
	fs := flag.NewFlagSet("insert", flag.ExitOnError)
	c := commonFlags(fs, true)
	rawURL := fs.String("url", "", "insert remote content instead of a file")
	pull := fs.Bool("pull", false, "pull after inserting")
	_ = fs.Parse(reorderArgs(args))

	if *rawURL == "" && fs.NArg() < 1 {
		fmt.Println("Usage: nitamono insert [flags] <file> | --url <url>")
		os.Exit(1)
	}
	s := open(c, false)
	defer s.close()
	s.refuse("insert")
	ctx, cancel := interruptible()
	defer cancel()

	var ref models.ContentRef
	if *rawURL != "" {
		fetched, err := s.fetcher().Fetch(ctx, *rawURL)
		if err != nil {
			fatalf("Fetch failed: %v", err)
		}
		ref = fetched
	} else {
		abs, err := filepath.Abs(fs.Arg(0))
		if err != nil {
			fatalf("Invalid path: %v", err)
		}
		ref = models.FileRef(abs)
	}
	id, err := s.index.Insert(ctx, ref)
	if err != nil {
		fatalf("Insert failed: %v", err)
	}
	if *pull {
		if err := s.index.Pull(ctx); err != nil {
			fatalf("Pull failed: %v", err)
		}
	}
	fmt.Println(id)
}

func (s *session) fetcher() *fetch.Fetcher {
	if s.components != nil {
		return s.components.Fetcher
	}
	return fetch.New(s.cfg.Fetch.Timeout, s.cfg.Fetch.MaxContentLength)
}

func runSearch(args []string) {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	c := commonFlags(fs, true)
	file := fs.String("file", "", "query file")
	id := fs.String("id", "", "query identifier")
	featureString := fs.String("string", "", "query feature string")
	rawURL := fs.String("url", "", "query remote content")
	limit := fs.Int("limit", 0, "number of results (default: server.max_results)")
	output := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(reorderArgs(args))

	if *file == "" && fs.NArg() > 0 {
		*file = fs.Arg(0)
	}
	given := 0
	for _, v := range []string{*file, *id, *featureString, *rawURL} {
		if v != "" {
			given++
		}
	}
	if given != 1 {
		fmt.Println("Usage: nitamono search [flags] (<file> | --file <file> | --id <id> | --string <feature> | --url <url>)")
		os.Exit(1)
	}
	format := outputFormat(*output)

	s := open(c, false)
	defer s.close()
	s.refuse("search")
	ctx, cancel := interruptible()
	defer cancel()

	k := *limit
	if k <= 0 {
		k = s.cfg.Server.MaxResults
	}
	var (
		records []models.Record
		err     error
	)
	switch {
	case *rawURL != "" && s.client != nil:
		records, err = s.client.SearchURL(ctx, *rawURL, *limit)
	case *rawURL != "":
		var ref models.ContentRef
		ref, err = s.fetcher().Fetch(ctx, *rawURL)
		if err == nil {
			records, err = s.index.Search(ctx, k, ref)
		}
	default:
		var ref models.ContentRef
		ref, err = searchRef(*file, *id, *featureString)
		if err == nil {
			if s.client != nil {
				records, err = s.client.Search(ctx, ref, *limit)
			} else {
				records, err = s.index.Search(ctx, k, ref)
			}
		}
	}
	if err != nil {
		fatalf("Search failed: %v", err)
	}
	if err := cli.WriteRecords(os.Stdout, records, format); err != nil {
		fatalf("Output failed: %v", err)
	}
}

// searchRef builds the query reference from exactly one non-empty argument.
func searchRef(file, id, featureString string) (models.ContentRef, error) {
	switch {
	case file != "":
		abs, err := filepath.Abs(file)
		if err != nil {
			return models.ContentRef{}, fmt.Errorf("%w: %v", models.ErrInvalidContent, err)
		}
		return models.FileRef(abs), nil
	case id != "":
		parsed, err := models.ParseIdentifier(id)
		if err != nil {
			return models.ContentRef{}, err
		}
		return models.IDRef(parsed), nil
	case featureString != "":
		return models.StringRef(featureString), nil
	default:
		return models.ContentRef{}, fmt.Errorf("%w: no query given", models.ErrInvalidContent)
	}
}

func runRemove(args []string) {
	fs := flag.NewFlagSet("remove", flag.ExitOnError)
	c := commonFlags(fs, true)
	pull := fs.Bool("pull", false, "pull after removing")
	_ = fs.Parse(reorderArgs(args))
	if fs.NArg() < 1 {
		fmt.Println("Usage: nitamono remove [flags] <id>")
		os.Exit(1)
	}
	id, err := models.ParseIdentifier(fs.Arg(0))
	if err != nil {
		fatalf("Invalid identifier: %v", err)
	}

	s := open(c, false)
	defer s.close()
	s.refuse("remove")
	ctx, cancel := interruptible()
	defer cancel()
	if err := s.index.Remove(ctx, id); err != nil {
		fatalf("Remove failed: %v", err)
	}
	if *pull {
		if err := s.index.Pull(ctx); err != nil {
			fatalf("Pull failed: %v", err)
		}
	}
	fmt.Printf("Removed: %s\n", id)
}

func runPull(args []string) {
	fs := flag.NewFlagSet("pull", flag.ExitOnError)
	c := commonFlags(fs, true)
	_ = fs.Parse(args)

	s := open(c, false)
	defer s.close()
	s.refuse("pull")
	ctx, cancel := interruptible()
	defer cancel()
	if err := s.index.Pull(ctx); err != nil {
		fatalf("Pull failed: %v", err)
	}
	fmt.Println("OK")
}

func runFeature(args []string) {
	fs := flag.NewFlagSet("feature", flag.ExitOnError)
	c := commonFlags(fs, false)
	_ = fs.Parse(args)
	if fs.NArg() < 1 {
		fmt.Println("Usage: nitamono feature [flags] <file>")
		os.Exit(1)
	}
	cfg, logger := c.load()
	defer logger.Sync()

	data, err := os.ReadFile(fs.Arg(0))
	if err != nil {
		fatalf("Failed to read file: %v", err)
	}
	extractor := feature.NewShingleExtractor(cfg.Engine.Dimensions, cfg.Engine.Shingle)
	vec, err := extractor.Extract(context.Background(), data)
	if err != nil {
		fatalf("Feature extraction failed: %v", err)
	}
	fmt.Println(feature.Encode(vec))
}

func runImport(args []string) {
	fs := flag.NewFlagSet("import", flag.ExitOnError)
	c := commonFlags(fs, false)
	_ = fs.Parse(args)
	if fs.NArg() < 1 {
		fmt.Println("Usage: nitamono import [flags] <id.txt>")
		os.Exit(1)
	}
	f, err := os.Open(fs.Arg(0))
	if err != nil {
		fatalf("Failed to open %s: %v", fs.Arg(0), err)
	}
	defer f.Close()

	s := open(c, true)
	defer s.close()
	m := s.ordinal()
	added, err := m.Import(f)
	if err != nil {
		fatalf("Import failed after %d entries: %v", added, err)
	}
	count, err := m.Count()
	if err != nil && !errors.Is(err, ordinal.ErrNotInitialized) {
		fatalf("Count failed: %v", err)
	}
	fmt.Printf("Imported %d new entries\nCOUNT: %d\n", added, count)
}

func runAdd(args []string) {
	fs := flag.NewFlagSet("add", flag.ExitOnError)
	c := commonFlags(fs, true)
	recursive := fs.Bool("recursive", false, "descend into subdirectories")
	ratePerSecond := fs.Float64("rate", -1, "files per second (default from config; 0 = unlimited)")
	_ = fs.Parse(reorderArgs(args))
	if fs.NArg() < 1 {
		fmt.Println("Usage: nitamono add [flags] <file|dir>...")
		os.Exit(1)
	}

	// the ordinal map is always local; a remote server only receives the inserts
	cfg, logger := c.load()
	components, err := initializeComponents(cfg, logger, true)
	if err != nil {
		fatalf("Failed to initialize: %v", err)
	}
	s := &session{cfg: cfg, logger: logger, components: components, index: components.Core}
	if c.remote() {
		s.client = client.New(*c.serverURL)
		s.index = remoteIndex{c: s.client}
	}
	defer s.close()
	s.refuse("insert")
	m := s.ordinal()

	r := cfg.Import.Rate
	if *ratePerSecond >= 0 {
		r = *ratePerSecond
	}
	ingester := ingest.New(s.index, m,
		ingest.WithRate(r, cfg.Import.Burst),
		ingest.WithExtensions(cfg.Watch.Extensions),
		ingest.WithLogger(logger),
	)
	ctx, cancel := interruptible()
	defer cancel()

	var files []string
	for _, arg := range fs.Args() {
		info, err := os.Stat(arg)
		if err != nil {
			fatalf("Failed to stat %s: %v", arg, err)
		}
		if !info.IsDir() {
			files = append(files, arg)
			continue
		}
		found, err := ingester.Collect(arg, *recursive)
		if err != nil {
			fatalf("Failed to list %s: %v", arg, err)
		}
		files = append(files, found...)
	}

	printNew := func(res ingest.Result) {
		if res.Added {
			fmt.Printf("%s %s\n", res.ID, res.Path)
		}
	}
	if _, err := ingester.AddFiles(ctx, files, printNew); err != nil {
		fatalf("Add failed: %v", err)
	}
	if err := s.index.Pull(ctx); err != nil {
		fatalf("Pull failed: %v", err)
	}
	count, err := m.Count()
	if err != nil && !errors.Is(err, ordinal.ErrNotInitialized) {
		fatalf("Count failed: %v", err)
	}
	fmt.Printf("COUNT: %d\n", count)
}

func runSample(args []string) {
	fs := flag.NewFlagSet("sample", flag.ExitOnError)
	c := commonFlags(fs, true)
	n := fs.Int("n", 0, "number of entries (default: server.max_results)")
	output := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(args)
	format := outputFormat(*output)

	s := open(c, true)
	defer s.close()
	s.refuse("sample")
	size := *n
	if size <= 0 {
		size = s.cfg.Server.MaxResults
	}

	var rows []cli.SampleRow
	if s.client != nil {
		items, err := s.client.Sample(context.Background(), size)
		if err != nil {
			fatalf("Sample failed: %v", err)
		}
		for _, it := range items {
			rows = append(rows, cli.SampleRow{ID: it.ID, Reference: it.Reference})
		}
	} else {
		m := s.ordinal()
		ids, err := m.Sample(size)
		if err != nil && !errors.Is(err, ordinal.ErrNotInitialized) {
			fatalf("Sample failed: %v", err)
		}
		for _, id := range ids {
			ref, _, err := m.Resolve(id)
			if err != nil {
				fatalf("Resolve failed: %v", err)
			}
			rows = append(rows, cli.SampleRow{ID: id, Reference: ref})
		}
	}
	if err := cli.WriteRows(os.Stdout, rows, format); err != nil {
		fatalf("Output failed: %v", err)
	}
}

func runCount(args []string) {
	fs := flag.NewFlagSet("count", flag.ExitOnError)
	c := commonFlags(fs, false)
	_ = fs.Parse(args)

	cfg, logger := c.load()
	defer logger.Sync()
	components, err := initializeComponents(cfg, logger, true)
	if err != nil {
		fatalf("Failed to initialize: %v", err)
	}
	defer components.Close()
	if components.Ordinal == nil {
		fatalf("No ordinal map configured (storage.ordinal_path)")
	}
	count, err := components.Ordinal.Count()
	if err != nil && !errors.Is(err, ordinal.ErrNotInitialized) {
		fatalf("Count failed: %v", err)
	}
	fmt.Println(count)
}

func runBench(args []string) {
	fs := flag.NewFlagSet("bench", flag.ExitOnError)
	c := commonFlags(fs, true)
	pattern := fs.String("pattern", "", "group pattern with one numeric capture (default from config)")
	groupSize := fs.Int("group-size", 0, "items per group and k of every query (default from config)")
	workers := fs.Int("workers", 0, "parallel queries (default from config)")
	output := fs.String("output", "text", "output format: text or json")
	quiet := fs.Bool("quiet", false, "no progress line")
	_ = fs.Parse(args)
	format := outputFormat(*output)

	cfg, logger := c.load()
	components, err := initializeComponents(cfg, logger, true)
	if err != nil {
		fatalf("Failed to initialize: %v", err)
	}
	s := &session{cfg: cfg, logger: logger, components: components, index: components.Core}
	if c.remote() {
		s.client = client.New(*c.serverURL)
		s.index = remoteIndex{c: s.client}
	}
	defer s.close()
	s.refuse("search")

	if *pattern == "" {
		*pattern = cfg.Bench.Pattern
	}
	if *groupSize <= 0 {
		*groupSize = cfg.Bench.GroupSize
	}
	if *workers <= 0 {
		*workers = cfg.Bench.Workers
	}
	groupKey, err := bench.PatternGroupKey(*pattern, *groupSize)
	if err != nil {
		fatalf("Invalid pattern: %v", err)
	}
	opts := []bench.Option{
		bench.WithGroups(groupKey, *groupSize),
		bench.WithWorkers(*workers),
		bench.WithLogger(logger),
	}
	if !*quiet && format == cli.OutputText {
		opts = append(opts, bench.WithProgress(func(p bench.Progress) { cli.WriteProgress(os.Stdout, p) }))
	}
	ctx, cancel := interruptible()
	defer cancel()

	report, err := bench.New(s.index, s.ordinal(), opts...).Run(ctx)
	if err != nil {
		fatalf("\nBenchmark failed: %v", err)
	}
	if err := cli.WriteReport(os.Stdout, report, format); err != nil {
		fatalf("Output failed: %v", err)
	}
}

func runDropDatabase(args []string) {
	fs := flag.NewFlagSet("drop-database", flag.ExitOnError)
	c := commonFlags(fs, false)
	yes := fs.Bool("yes", false, "do not ask for confirmation")
	_ = fs.Parse(args)

	s := open(c, false)
	defer s.close()
	s.refuse("drop_database")
	if !*yes {
		fmt.Printf("Drop the database at %s? [y/N] ", s.cfg.Storage.DatabasePath)
		var answer string
		_, _ = fmt.Scanln(&answer)
		if !strings.EqualFold(strings.TrimSpace(answer), "y") {
			fmt.Println("Aborted")
			return
		}
	}
	if err := s.components.Core.DropDatabase(context.Background()); err != nil {
		fatalf("Drop failed: %v", err)
	}
	fmt.Println("Database dropped")
}

func runConfig(args []string) {
	fs := flag.NewFlagSet("config", flag.ExitOnError)
	out := fs.String("output", "config.yaml", "where to write the config")
	force := fs.Bool("force", false, "overwrite an existing file")
	_ = fs.Parse(args)

	if _, err := os.Stat(*out); err == nil && !*force {
		fatalf("%s exists; use --force to overwrite", *out)
	}
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	if err := config.Save(*out, cfg); err != nil {
		fatalf("%v", err)
	}
	fmt.Printf("Wrote %s\n", *out)
}

// reorderArgs moves any flags (and their values) that appear after the positional arguments to
// the front so that flag.Parse() sees them; the flag package stops at the first non-flag.
func reorderArgs(args []string) []string {
	for i, a := range args {
		if len(a) > 0 && a[0] == '-' {
			if i == 0 {
				return args
			}
			reordered := make([]string, 0, len(args))
			reordered = append(reordered, args[i:]...)
			reordered = append(reordered, args[:i]...)
			return reordered
		}
	}
	return args
}
