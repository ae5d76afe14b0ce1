package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/crudhpc/crudhpc/pkg/engine"
	"github.com/crudhpc/crudhpc/pkg/telemetry"
)

// File is the on-disk configuration. Every field is optional; missing
// values fall back to the engine and telemetry defaults.
type File struct {
	Database  DatabaseConfig    `yaml:"database"`
	Engine    EngineConfig      `yaml:"engine"`
	Telemetry *telemetry.Config `yaml:"telemetry,omitempty"`
}

// DatabaseConfig configures the SQLite file and connection pool.
type DatabaseConfig struct {
	Path           string        `yaml:"path"`
	PoolSize       int           `yaml:"pool_size" validate:"omitempty,min=1,max=1024"`
	AcquireTimeout time.Duration `yaml:"acquire_timeout" validate:"min=0"`
	WAL            *bool         `yaml:"wal,omitempty"`
	CacheKiB       int           `yaml:"cache_kib" validate:"min=0"`
	BusyTimeout    time.Duration `yaml:"busy_timeout" validate:"min=0"`
}

// EngineConfig configures batching, caching, and compression.
type EngineConfig struct {
	BatchSize      int   `yaml:"batch_size" validate:"omitempty,min=1"`
	CacheSize      int   `yaml:"cache_size" validate:"omitempty,min=1"`
	Compression    *bool `yaml:"compression,omitempty"`
	MaxDictEntries int   `yaml:"max_dict_entries" validate:"min=0"`
	BlockThreshold int   `yaml:"block_threshold" validate:"min=0"`
}

// Load reads and validates a YAML configuration file. Unknown keys are
// rejected so typos fail loudly instead of silently using defaults.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML configuration bytes.
func Parse(data []byte) (*File, error) {
	var f File
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := validator.New().Struct(&f); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &f, nil
}

// EngineConfig materializes an engine configuration, starting from the
// defaults for path and overriding with any values set in the file. The
// path argument wins over the file when non-empty so command-line flags
// keep precedence.
func (f *File) EngineConfig(path string) engine.Config {
	if path == "" {
		path = f.Database.Path
	}
	cfg := engine.DefaultConfig(path)

	if f.Database.PoolSize > 0 {
		cfg.Pool.MaxSize = f.Database.PoolSize
	}
	if f.Database.AcquireTimeout > 0 {
		cfg.Pool.AcquireTimeout = f.Database.AcquireTimeout
	}
	if f.Database.WAL != nil {
		cfg.Pool.WAL = *f.Database.WAL
	}
	if f.Database.CacheKiB > 0 {
		cfg.Pool.CacheKiB = f.Database.CacheKiB
	}
	if f.Database.BusyTimeout > 0 {
		cfg.Pool.BusyTimeout = f.Database.BusyTimeout
	}

	if f.Engine.BatchSize > 0 {
		cfg.BatchSize = f.Engine.BatchSize
	}
	if f.Engine.CacheSize > 0 {
		cfg.CacheSize = f.Engine.CacheSize
	}
	if f.Engine.Compression != nil {
		cfg.Compression = *f.Engine.Compression
	}
	if f.Engine.MaxDictEntries > 0 {
		cfg.Compressor.MaxEntries = f.Engine.MaxDictEntries
	}
	if f.Engine.BlockThreshold > 0 {
		cfg.Compressor.BlockThreshold = f.Engine.BlockThreshold
	}

	return cfg
}

// TelemetryConfig returns the file's telemetry section, or the defaults
// when the section is absent.
func (f *File) TelemetryConfig() *telemetry.Config {
	if f.Telemetry != nil {
		return f.Telemetry
	}
	return telemetry.DefaultConfig()
}
