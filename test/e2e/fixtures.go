package e2e

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hyperjump/nitamono/internal/client"
	"github.com/hyperjump/nitamono/internal/models"
)

// WriteCorpus writes every image of c into dir and returns the absolute paths in corpus order.
func WriteCorpus(dir string, c *Corpus) ([]string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, fmt.Errorf("create corpus dir: %w", err)
	}
	paths := make([]string, 0, len(c.Images))
	for _, img := range c.Images {
		p := filepath.Join(abs, img.Name)
		if err := os.WriteFile(p, img.Data, 0600); err != nil {
			return nil, fmt.Errorf("write %s: %w", img.Name, err)
		}
		paths = append(paths, p)
	}
	return paths, nil
}

// RPCIndex drives a server through the client with the argument order the ingester and the
// benchmark evaluator expect.
type RPCIndex struct {
	Client *client.Client
}

func (r RPCIndex) Insert(ctx context.Context, ref models.ContentRef) (models.Identifier, error) {
	return r.Client.Insert(ctx, ref)
}

func (r RPCIndex) Search(ctx context.Context, k int, ref models.ContentRef) ([]models.Record, error) {
	return r.Client.Search(ctx, ref, k)
}

func (r RPCIndex) Remove(ctx context.Context, id models.Identifier) error {
	return r.Client.Remove(ctx, id)
}

func (r RPCIndex) Pull(ctx context.Context) error {
	return r.Client.Pull(ctx)
}
