// Package service owns the single engine handle of the process and heals it: any system error
// from the engine closes the handle and opens a fresh one before the next call is admitted.
package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hyperjump/nitamono/internal/engine"
	"github.com/hyperjump/nitamono/internal/metrics"
	"go.uber.org/zap"
)

// State of the engine binding.
type State int

const (
	Closed State = iota
	Open
)

func (s State) String() string {
	if s == Open {
		return "open"
	}
	return "closed"
}

// Core serializes all engine access through one mutex. It opens the adapter lazily and rebinds it
// after a system error.
type Core struct {
	factory engine.Factory
	logger  *zap.Logger

	mu         sync.Mutex
	adapter    engine.Adapter
	generation uint64
	session    string
}

// Option configures a Core.
type Option func(*Core)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(c *Core) { c.logger = l }
}

// New returns a closed Core that opens adapters with factory.
func New(factory engine.Factory, opts ...Option) *Core {
	c := &Core{factory: factory, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State reports whether an adapter is bound.
func (c *Core) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.adapter != nil {
		return Open
	}
	return Closed
}

// Generation is the number of successful opens so far.
func (c *Core) Generation() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generation
}

// Get returns the bound adapter, opening one if the Core is closed. The adapter must not be used
// after a later Reset or Close; prefer Do, which holds the lock for the call.
func (c *Core) Get(ctx context.Context) (engine.Adapter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openLocked(context.WithoutCancel(ctx))
}

// Reset closes the bound adapter, if any, and opens a fresh one.
func (c *Core) Reset(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.adapter != nil {
		metrics.Resets.Inc()
	}
	c.closeLocked("reset")
	_, err := c.openLocked(context.WithoutCancel(ctx))
	return err
}

// Close releases the bound adapter and leaves the Core closed.
func (c *Core) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.adapter == nil {
		return nil
	}
	err := c.adapter.Close()
	c.adapter = nil
	c.logger.Info("engine closed", zap.String("session", c.session))
	return err
}

// Do runs fn against the bound adapter while holding the Core's lock. When fn fails with a system
// error the adapter is replaced before the lock is released, so the next caller gets a fresh one.
// The returned error is always an *engine.Error.
//
// fn receives a context that keeps ctx's values but is never canceled: a caller going away must not
// leave an adapter call half done or be mistaken for an engine failure.
func (c *Core) Do(ctx context.Context, op string, fn func(ctx context.Context, a engine.Adapter) error) error {
	return c.run(ctx, op, fn, false)
}

// run is Do; with closeAfter a successful fn also releases the adapter before the lock is dropped.
func (c *Core) run(ctx context.Context, op string, fn func(ctx context.Context, a engine.Adapter) error, closeAfter bool) error {
	start := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()
	defer func() { metrics.OperationDuration.WithLabelValues(op).Observe(time.Since(start).Seconds()) }()

	ctx = context.WithoutCancel(ctx)
	a, err := c.openLocked(ctx)
	if err != nil {
		metrics.Operations.WithLabelValues(op, engine.SystemError.String()).Inc()
		return err
	}
	gen := c.generation
	err = fn(ctx, a)
	if err == nil {
		metrics.Operations.WithLabelValues(op, "ok").Inc()
		if closeAfter {
			c.closeLocked(op)
		}
		return nil
	}
	var ee *engine.Error
	if !errors.As(err, &ee) {
		err = &engine.Error{Op: op, Class: engine.UserError, Err: err}
	}
	class := engine.ClassOf(err)
	metrics.Operations.WithLabelValues(op, class.String()).Inc()
	if class == engine.SystemError {
		c.logger.Error("system error, resetting engine",
			zap.String("op", op),
			zap.String("session", c.session),
			zap.Error(err))
		c.resetLocked(ctx, gen)
	}
	return err
}

// resetLocked rebinds the adapter unless a newer generation is already bound.
func (c *Core) resetLocked(ctx context.Context, gen uint64) {
	if c.generation != gen {
		return
	}
	metrics.Resets.Inc()
	c.closeLocked("reset")
	if _, err := c.openLocked(ctx); err != nil {
		c.logger.Error("reopen failed, engine stays closed", zap.Error(err))
	}
}

func (c *Core) closeLocked(reason string) {
	if c.adapter == nil {
		return
	}
	if err := c.adapter.Close(); err != nil {
		c.logger.Warn("close failed", zap.String("session", c.session), zap.Error(err))
	}
	c.adapter = nil
	c.logger.Info("engine closed", zap.String("session", c.session), zap.String("reason", reason))
}

func (c *Core) openLocked(ctx context.Context) (engine.Adapter, error) {
	if c.adapter != nil {
		return c.adapter, nil
	}
	a, err := c.factory(ctx)
	if err != nil {
		return nil, asSystem("open", err)
	}
	if err := a.CreateDatabase(ctx); err != nil && !errors.Is(err, engine.ErrDatabaseExists) {
		_ = a.Close()
		return nil, asSystem("create_database", err)
	}
	if err := a.Pull(ctx); err != nil {
		_ = a.Close()
		return nil, asSystem("pull", err)
	}
	c.adapter = a
	c.generation++
	c.session = uuid.NewString()
	metrics.Generation.Set(float64(c.generation))
	c.logger.Info("engine opened",
		zap.String("session", c.session),
		zap.Uint64("generation", c.generation))
	return a, nil
}

// asSystem tags open-protocol failures. Whatever the adapter said, the Core could not bind.
func asSystem(op string, err error) error {
	return &engine.Error{Op: op, Class: engine.SystemError, Err: fmt.Errorf("open engine: %w", err)}
}
