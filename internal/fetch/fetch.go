// Package fetch downloads remote content for search and insert, bounded in time and size.
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/hyperjump/nitamono/internal/models"
)

const (
	DefaultTimeout  = 10 * time.Second
	DefaultMaxBytes = 10 << 20
)

// Fetcher retrieves http and https URLs. Every failure wraps models.ErrInvalidContent: a bad
// remote resource is the caller's problem, not the engine's.
type Fetcher struct {
	Timeout  time.Duration
	MaxBytes int64
	Client   *http.Client
}

// New returns a Fetcher; zero arguments select the defaults.
func New(timeout time.Duration, maxBytes int64) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	return &Fetcher{Timeout: timeout, MaxBytes: maxBytes, Client: http.DefaultClient}
}

// Fetch downloads rawURL and returns it as a data reference named after the URL path.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (models.ContentRef, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return models.ContentRef{}, fmt.Errorf("%w: unsupported url %q", models.ErrInvalidContent, rawURL)
	}
	ctx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return models.ContentRef{}, fmt.Errorf("%w: %v", models.ErrInvalidContent, err)
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return models.ContentRef{}, fmt.Errorf("%w: fetch %s: %v", models.ErrInvalidContent, u.Host, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return models.ContentRef{}, fmt.Errorf("%w: fetch %s: status %d", models.ErrInvalidContent, u.Host, resp.StatusCode)
	}
	if resp.ContentLength > f.MaxBytes {
		return models.ContentRef{}, fmt.Errorf("%w: content length %d exceeds %d bytes", models.ErrInvalidContent, resp.ContentLength, f.MaxBytes)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, f.MaxBytes+1))
	if err != nil {
		return models.ContentRef{}, fmt.Errorf("%w: read %s: %v", models.ErrInvalidContent, u.Host, err)
	}
	if int64(len(data)) > f.MaxBytes {
		return models.ContentRef{}, fmt.Errorf("%w: content exceeds %d bytes", models.ErrInvalidContent, f.MaxBytes)
	}
	if len(data) == 0 {
		return models.ContentRef{}, fmt.Errorf("%w: empty response from %s", models.ErrInvalidContent, u.Host)
	}
	return models.DataRef(data, path.Base(u.Path)), nil
}
