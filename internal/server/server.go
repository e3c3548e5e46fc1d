// Package server provides the HTTP API of the nitamono index service.
package server

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hyperjump/nitamono/internal/config"
	"github.com/hyperjump/nitamono/internal/fetch"
	"github.com/hyperjump/nitamono/internal/metrics"
	"github.com/hyperjump/nitamono/internal/ordinal"
	"github.com/hyperjump/nitamono/internal/service"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Server is the HTTP server for the index API.
type Server struct {
	core      *service.Core
	ordinal   *ordinal.Map
	fetcher   *fetch.Fetcher
	config    *config.ServerConfig
	disabled  map[string]bool
	diskPaths []string
	logger    *zap.Logger
	server    *http.Server
}

// Option configures optional collaborators of a Server.
type Option func(*Server)

// WithOrdinal enables /sample and, with record_inserts, recording of uploads.
func WithOrdinal(m *ordinal.Map) Option {
	return func(s *Server) { s.ordinal = m }
}

// WithFetcher enables search by url.
func WithFetcher(f *fetch.Fetcher) Option {
	return func(s *Server) { s.fetcher = f }
}

// WithDiskPaths lists the paths whose size /status reports.
func WithDiskPaths(paths ...string) Option {
	return func(s *Server) { s.diskPaths = paths }
}

// NewServer creates a server over core.
func NewServer(core *service.Core, cfg *config.ServerConfig, logger *zap.Logger, opts ...Option) *Server {
	s := &Server{
		core:     core,
		config:   cfg,
		disabled: make(map[string]bool),
		logger:   logger,
	}
	for _, op := range cfg.DisabledOperations {
		s.disabled[op] = true
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the routed API.
//
// There is no route-wide deadline: engine calls run to completion once admitted. The request
// timeout bounds reading the request and fetching remote content instead.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))
	r.Use(countRequests)

	r.Post("/", s.handleInsert)
	r.Delete("/{id}", s.handleRemove)
	r.Post("/pull", s.handlePull)
	r.Get("/search", s.handleSearch)
	r.Post("/search", s.handleSearch)
	r.Get("/sample", s.handleSample)
	r.Get("/status", s.handleStatus)
	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := s.config.Addr()
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.requestTimeout(),
		ReadTimeout:       s.requestTimeout(),
	}
	s.logger.Info("starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) requestTimeout() time.Duration {
	if s.config.RequestTimeout <= 0 {
		return 60 * time.Second
	}
	return s.config.RequestTimeout
}

func countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		metrics.Requests.WithLabelValues(route, strconv.Itoa(ww.Status())).Inc()
	})
}
