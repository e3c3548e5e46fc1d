package main

import (
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"

	"github.com/hyperjump/nitamono/internal/client"
	"github.com/hyperjump/nitamono/internal/config"
	"github.com/hyperjump/nitamono/internal/engine"
	"github.com/hyperjump/nitamono/internal/models"
	"github.com/hyperjump/nitamono/internal/server"
	"github.com/hyperjump/nitamono/internal/service"
	"go.uber.org/zap"
)

var (
	_ index = (*service.Core)(nil)
	_ index = remoteIndex{}
)

func TestReorderArgs(t *testing.T) {
	tests := []struct {
		name     string
		args     []string
		expected []string
	}{
		{
			name:     "flags after positional are moved first",
			args:     []string{"a.jpg", "-limit", "5"},
			expected: []string{"-limit", "5", "a.jpg"},
		},
		{
			name:     "flags first returns unchanged",
			args:     []string{"-limit", "5", "a.jpg"},
			expected: []string{"-limit", "5", "a.jpg"},
		},
		{
			name:     "positional only returns unchanged",
			args:     []string{"a.jpg"},
			expected: []string{"a.jpg"},
		},
		{
			name:     "empty args returns unchanged",
			args:     []string{},
			expected: []string{},
		},
		{
			name:     "multiple positionals then flags",
			args:     []string{"a.jpg", "b.jpg", "--recursive"},
			expected: []string{"--recursive", "a.jpg", "b.jpg"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := reorderArgs(tt.args)
			if !reflect.DeepEqual(got, tt.expected) {
				t.Errorf("reorderArgs() = %v, want %v", got, tt.expected)
			}
		})
	}
}

func TestSearchRef(t *testing.T) {
	id := strings.Repeat("ab", 20)
	tests := []struct {
		name     string
		file     string
		id       string
		feature  string
		wantKind models.ContentKind
		wantErr  bool
	}{
		{"file", "a.jpg", "", "", models.KindFile, false},
		{"id", "", id, "", models.KindID, false},
		{"bad id", "", "xyz", "", models.KindNone, true},
		{"feature string", "", "", "AAAA", models.KindString, false},
		{"nothing", "", "", "", models.KindNone, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ref, err := searchRef(tt.file, tt.id, tt.feature)
			if (err != nil) != tt.wantErr {
				t.Fatalf("searchRef() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				if !errors.Is(err, models.ErrInvalidContent) {
					t.Errorf("error should wrap ErrInvalidContent: %v", err)
				}
				return
			}
			if ref.Kind() != tt.wantKind {
				t.Errorf("kind = %v, want %v", ref.Kind(), tt.wantKind)
			}
			if tt.wantKind == models.KindFile && !filepath.IsAbs(ref.Path()) {
				t.Errorf("file path should be absolute: %s", ref.Path())
			}
		})
	}
}

func chdir(t *testing.T, dir string) {
	t.Helper()
	origWd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(origWd) })
	if err := os.Chdir(dir); err != nil {
		t.Fatal(err)
	}
}

func TestLoadConfig_prefersCwdConfigWhenDefaultPath(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.yaml")
	content := `
debug: true
server:
  port: 8080
storage:
  database_path: "./features.db"
`
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	chdir(t, dir)

	cfg, resolved, err := loadConfig(defaultConfigPath)
	if err != nil {
		t.Fatal(err)
	}
	// On macOS, cwd can be /private/var/... while t.TempDir() is /var/...; compare canonical paths.
	resolvedCanon, _ := filepath.EvalSymlinks(resolved)
	configPathCanon, _ := filepath.EvalSymlinks(configPath)
	if resolvedCanon != configPathCanon {
		t.Errorf("resolved path = %s, want %s", resolved, configPath)
	}
	if !cfg.Debug || cfg.Server.Port != 8080 {
		t.Errorf("unexpected config: debug=%v port=%d", cfg.Debug, cfg.Server.Port)
	}
}

func TestLoadConfig_usesExplicitPath(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "nitamono.yaml")
	content := `
server:
  host: "127.0.0.1"
  port: 9000
`
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}
	cfg, resolved, err := loadConfig(configPath)
	if err != nil {
		t.Fatal(err)
	}
	if resolved != configPath {
		t.Errorf("resolved path = %s, want %s", resolved, configPath)
	}
	if cfg.Server.Host != "127.0.0.1" || cfg.Server.Port != 9000 {
		t.Errorf("unexpected server config: %+v", cfg.Server)
	}

	if _, _, err := loadConfig(filepath.Join(dir, "missing.yaml")); err == nil {
		t.Error("explicit missing config should fail")
	}
}

func TestInitializeComponents(t *testing.T) {
	dir := t.TempDir()
	cfg := &config.Config{}
	cfg.Storage.DatabasePath = filepath.Join(dir, "db", "features.db")
	cfg.Storage.OrdinalPath = filepath.Join(dir, "ordinal")
	config.ApplyDefaults(cfg)

	components, err := initializeComponents(cfg, zap.NewNop(), true)
	if err != nil {
		t.Fatal(err)
	}
	defer components.Close()
	if components.Ordinal == nil || components.Fetcher == nil {
		t.Fatal("ordinal map and fetcher should be set")
	}

	ctx := context.Background()
	data := filepath.Join(dir, "a.jpg")
	if err := os.WriteFile(data, []byte("some image bytes for the test"), 0600); err != nil {
		t.Fatal(err)
	}
	id, err := components.Core.Insert(ctx, models.FileRef(data))
	if err != nil {
		t.Fatal(err)
	}
	if err := components.Core.Pull(ctx); err != nil {
		t.Fatal(err)
	}
	records, err := components.Core.Search(ctx, 1, models.IDRef(id))
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 1 || records[0].ID != id {
		t.Errorf("records = %+v", records)
	}
}

func TestInitializeComponents_unknownDriver(t *testing.T) {
	cfg := &config.Config{}
	config.ApplyDefaults(cfg)
	cfg.Engine.Driver = "faiss"
	if _, err := initializeComponents(cfg, zap.NewNop(), false); err == nil {
		t.Error("unknown driver should fail")
	}
}

func TestRemoteIndex(t *testing.T) {
	factory, err := engine.NewFactory(engine.Options{Driver: engine.DriverMemory, Dimensions: 64, Shingle: 4}, nil)
	if err != nil {
		t.Fatal(err)
	}
	core := service.New(factory)
	defer core.Close()
	cfg := &config.ServerConfig{MaxResults: 10}
	ts := httptest.NewServer(server.NewServer(core, cfg, zap.NewNop()).Handler())
	defer ts.Close()

	var idx index = remoteIndex{c: client.New(ts.URL)}
	ctx := context.Background()
	id, err := idx.Insert(ctx, models.DataRef([]byte("remote index bytes"), "r.jpg"))
	if err != nil {
		t.Fatal(err)
	}
	if err := idx.Pull(ctx); err != nil {
		t.Fatal(err)
	}
	records, err := idx.Search(ctx, 3, models.IDRef(id))
	if err != nil {
		t.Fatal(err)
	}
	if len(records) == 0 || records[0].ID != id {
		t.Fatalf("records = %+v", records)
	}
	if err := idx.Remove(ctx, id); err != nil {
		t.Fatal(err)
	}
	var se *client.StatusError
	if err := idx.Remove(ctx, id); !errors.As(err, &se) || se.Code != 400 {
		t.Errorf("second remove should be a 400, got %v", err)
	}
}
