package service

import (
	"context"

	"github.com/hyperjump/nitamono/internal/engine"
	"github.com/hyperjump/nitamono/internal/models"
)

// Insert adds content through the bound adapter.
func (c *Core) Insert(ctx context.Context, ref models.ContentRef) (models.Identifier, error) {
	var id models.Identifier
	err := c.Do(ctx, "insert", func(ctx context.Context, a engine.Adapter) error {
		var err error
		id, err = a.Insert(ctx, ref)
		return err
	})
	return id, err
}

// Search returns up to k records closest to ref.
func (c *Core) Search(ctx context.Context, k int, ref models.ContentRef) ([]models.Record, error) {
	var records []models.Record
	err := c.Do(ctx, "search", func(ctx context.Context, a engine.Adapter) error {
		var err error
		records, err = a.Search(ctx, k, ref)
		return err
	})
	return records, err
}

// Remove marks id removed.
func (c *Core) Remove(ctx context.Context, id models.Identifier) error {
	return c.Do(ctx, "remove", func(ctx context.Context, a engine.Adapter) error {
		return a.Remove(ctx, id)
	})
}

// Pull commits pending changes.
func (c *Core) Pull(ctx context.Context) error {
	return c.Do(ctx, "pull", func(ctx context.Context, a engine.Adapter) error {
		return a.Pull(ctx)
	})
}

// DropDatabase drops the database and closes the Core in one critical section, so no call can reach
// the dropped schema. The next call recreates an empty one.
func (c *Core) DropDatabase(ctx context.Context) error {
	return c.run(ctx, "drop_database", func(ctx context.Context, a engine.Adapter) error {
		return a.DropDatabase(ctx)
	}, true)
}
