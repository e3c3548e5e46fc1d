// Package config provides configuration loading and structs for the nitamono server and tools.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the application.
type Config struct {
	Debug   bool          `yaml:"debug"`
	LogFile string        `yaml:"log_file,omitempty"`
	Server  ServerConfig  `yaml:"server"`
	Storage StorageConfig `yaml:"storage"`
	Engine  EngineConfig  `yaml:"engine"`
	Fetch   FetchConfig   `yaml:"fetch"`
	Watch   WatchConfig   `yaml:"watch"`
	Bench   BenchConfig   `yaml:"bench"`
	Import  ImportConfig  `yaml:"import"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host               string        `yaml:"host"`
	Port               int           `yaml:"port"`
	MaxResults         int           `yaml:"max_results"`
	PullBeforeSearch   bool          `yaml:"pull_before_search"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	DisabledOperations []string      `yaml:"disabled_operations,omitempty"`
	RecordInserts      bool          `yaml:"record_inserts"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StorageConfig holds paths for the engine database and the ordinal map.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
	OrdinalPath  string `yaml:"ordinal_path"`
}

// EngineConfig selects and tunes the engine driver.
type EngineConfig struct {
	Driver     string `yaml:"driver"`
	Dimensions int    `yaml:"dimensions"`
	Shingle    int    `yaml:"shingle"`
	CacheSize  int    `yaml:"cache_size"`
}

// FetchConfig bounds remote content downloads.
type FetchConfig struct {
	Timeout          time.Duration `yaml:"timeout"`
	MaxContentLength int64         `yaml:"max_content_length"`
}

// WatchConfig holds directory watch settings.
type WatchConfig struct {
	Directories []string `yaml:"directories"`
	Extensions  []string `yaml:"extensions"`
	Recursive   *bool    `yaml:"recursive"`
}

// RecursiveOrDefault returns whether to watch recursively; defaults to true when unset.
func (w *WatchConfig) RecursiveOrDefault() bool {
	if w.Recursive != nil {
		return *w.Recursive
	}
	return true
}

// BenchConfig configures the benchmark evaluator.
type BenchConfig struct {
	Pattern   string `yaml:"pattern"`
	GroupSize int    `yaml:"group_size"`
	Workers   int    `yaml:"workers"`
}

// ImportConfig throttles bulk insertion (files per second).
type ImportConfig struct {
	Rate  float64 `yaml:"rate"`
	Burst int     `yaml:"burst"`
}

// Load reads and parses the config file at path, expands paths, and applies defaults.
// Returns an error if the file cannot be read or parsed.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	ApplyDefaults(&cfg)

	configDir := filepath.Dir(path)
	cfg.Storage.DatabasePath = expandPath(cfg.Storage.DatabasePath, configDir)
	cfg.Storage.OrdinalPath = expandPath(cfg.Storage.OrdinalPath, configDir)
	if cfg.LogFile != "" {
		cfg.LogFile = expandPath(cfg.LogFile, configDir)
	}
	for i := range cfg.Watch.Directories {
		cfg.Watch.Directories[i] = expandPath(cfg.Watch.Directories[i], configDir)
	}

	return &cfg, nil
}

// Save writes the config to path.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// OperationDisabled reports whether op is listed in server.disabled_operations.
func (c *Config) OperationDisabled(op string) bool {
	for _, d := range c.Server.DisabledOperations {
		if strings.EqualFold(d, op) {
			return true
		}
	}
	return false
}

// expandPath converts a path to absolute. Paths starting with "./" are relative to configDir;
// other relative paths are relative to the home directory.
func expandPath(path string, configDir string) string {
	if filepath.IsAbs(path) {
		return path
	}
	if strings.HasPrefix(path, "./") || path == "." {
		return filepath.Join(configDir, path)
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, path)
	}
	return path
}
