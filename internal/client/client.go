// Package client is the Go client of the nitamono HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hyperjump/nitamono/internal/feature"
	"github.com/hyperjump/nitamono/internal/models"
)

// StatusError is returned when the envelope status is not 200.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned status %d", e.Code)
}

// SampleItem is one entry returned by Sample.
type SampleItem struct {
	ID        models.Identifier `json:"id"`
	Reference string            `json:"reference"`
}

// Client talks to one server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces http.DefaultClient.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// New returns a client for the server at baseURL, e.g. "http://localhost:4567".
func New(baseURL string, opts ...Option) *Client {
	c := &Client{baseURL: strings.TrimRight(baseURL, "/"), httpClient: http.DefaultClient}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Insert uploads file or data content and returns its identifier.
func (c *Client) Insert(ctx context.Context, ref models.ContentRef) (models.Identifier, error) {
	body, contentType, err := encode(ref, nil)
	if err != nil {
		return "", err
	}
	var out struct {
		ID models.Identifier `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/", body, contentType, &out); err != nil {
		return "", err
	}
	return out.ID, nil
}

// Search returns the records closest to ref. A limit of 0 uses the server's maximum.
func (c *Client) Search(ctx context.Context, ref models.ContentRef, limit int) ([]models.Record, error) {
	var extra map[string]string
	if limit > 0 {
		extra = map[string]string{"limit": strconv.Itoa(limit)}
	}
	body, contentType, err := encode(ref, extra)
	if err != nil {
		return nil, err
	}
	var records []models.Record
	if err := c.do(ctx, http.MethodPost, "/search", body, contentType, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// SearchURL asks the server to fetch rawURL and search with its content.
func (c *Client) SearchURL(ctx context.Context, rawURL string, limit int) ([]models.Record, error) {
	form := url.Values{"url": {rawURL}}
	if limit > 0 {
		form.Set("limit", strconv.Itoa(limit))
	}
	var records []models.Record
	err := c.do(ctx, http.MethodPost, "/search", strings.NewReader(form.Encode()),
		"application/x-www-form-urlencoded", &records)
	return records, err
}

// Remove removes id.
func (c *Client) Remove(ctx context.Context, id models.Identifier) error {
	return c.do(ctx, http.MethodDelete, "/"+url.PathEscape(string(id)), nil, "", nil)
}

// Pull commits pending changes on the server.
func (c *Client) Pull(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/pull", nil, "", nil)
}

// Sample returns up to n random entries of the server's ordinal map.
func (c *Client) Sample(ctx context.Context, n int) ([]SampleItem, error) {
	path := "/sample"
	if n > 0 {
		path += "?n=" + strconv.Itoa(n)
	}
	var items []SampleItem
	err := c.do(ctx, http.MethodGet, path, nil, "", &items)
	return items, err
}

// Health checks that the server answers.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, "", nil)
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env struct {
		Status int             `json:"status"`
		Data   json.RawMessage `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		if resp.StatusCode != http.StatusOK {
			return &StatusError{Code: resp.StatusCode}
		}
		return fmt.Errorf("decode response: %w", err)
	}
	if env.Status != http.StatusOK || resp.StatusCode != http.StatusOK {
		code := env.Status
		if code == 0 {
			code = resp.StatusCode
		}
		return &StatusError{Code: code}
	}
	if out != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fmt.Errorf("decode data: %w", err)
		}
	}
	return nil
}

// encode writes ref as a multipart form: file and data go in the "file" part, feature strings and
// raw vectors in "string", identifiers in "id".
func encode(ref models.ContentRef, extra map[string]string) (io.Reader, string, error) {
	if err := ref.Validate(); err != nil {
		return nil, "", err
	}
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	var err error
	switch ref.Kind() {
	case models.KindFile:
		err = writeFile(mw, ref.Path())
	case models.KindData:
		name := ref.Name()
		if name == "" {
			name = "data"
		}
		err = writePart(mw, name, ref.Data())
	case models.KindString:
		err = mw.WriteField("string", ref.FeatureString())
	case models.KindRaw:
		err = mw.WriteField("string", feature.Encode(ref.Raw()))
	case models.KindID:
		err = mw.WriteField("id", string(ref.ID()))
	}
	if err != nil {
		return nil, "", err
	}
	for k, v := range extra {
		if err := mw.WriteField(k, v); err != nil {
			return nil, "", err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, "", err
	}
	return &buf, mw.FormDataContentType(), nil
}

func writeFile(mw *multipart.Writer, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: %v", models.ErrInvalidContent, err)
	}
	return writePart(mw, filepath.Base(path), data)
}

func writePart(mw *multipart.Writer, name string, data []byte) error {
	part, err := mw.CreateFormFile("file", name)
	if err != nil {
		return err
	}
	_, err = part.Write(data)
	return err
}
