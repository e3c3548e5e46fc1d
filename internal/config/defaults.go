package config

import "time"

// ApplyDefaults sets default values for any zero values in cfg.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "localhost"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 4567
	}
	if cfg.Server.MaxResults == 0 {
		cfg.Server.MaxResults = 10
	}
	if cfg.Server.RequestTimeout == 0 {
		cfg.Server.RequestTimeout = 60 * time.Second
	}
	if cfg.Storage.DatabasePath == "" {
		cfg.Storage.DatabasePath = "/usr/local/var/nitamono/data/db/features.db"
	}
	if cfg.Storage.OrdinalPath == "" {
		cfg.Storage.OrdinalPath = "/usr/local/var/nitamono/data/ordinal"
	}
	if cfg.Engine.Driver == "" {
		cfg.Engine.Driver = "sqlite"
	}
	if cfg.Engine.Dimensions == 0 {
		cfg.Engine.Dimensions = 256
	}
	if cfg.Engine.Shingle == 0 {
		cfg.Engine.Shingle = 4
	}
	if cfg.Engine.CacheSize == 0 {
		cfg.Engine.CacheSize = 10000
	}
	if cfg.Fetch.Timeout == 0 {
		cfg.Fetch.Timeout = 10 * time.Second
	}
	if cfg.Fetch.MaxContentLength == 0 {
		cfg.Fetch.MaxContentLength = 10 << 20
	}
	if cfg.Watch.Extensions == nil {
		cfg.Watch.Extensions = []string{".jpg", ".jpeg", ".png", ".gif", ".bmp", ".webp"}
	}
	// Recursive defaults to true when unset (nil).
	if len(cfg.Watch.Directories) > 0 && cfg.Watch.Recursive == nil {
		t := true
		cfg.Watch.Recursive = &t
	}
	if cfg.Bench.Pattern == "" {
		cfg.Bench.Pattern = `ukbench(\d{5})`
	}
	if cfg.Bench.GroupSize == 0 {
		cfg.Bench.GroupSize = 4
	}
	if cfg.Bench.Workers == 0 {
		cfg.Bench.Workers = 1
	}
	if cfg.Import.Burst == 0 {
		cfg.Import.Burst = 1
	}
}
