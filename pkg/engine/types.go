package engine

import (
	"github.com/crudhpc/crudhpc/pkg/compress"
	"github.com/crudhpc/crudhpc/pkg/pool"
)

// Record is one row of input or output: column name to a typed scalar.
// Supported value kinds are integers, floats, booleans, strings, and nil;
// anything else is serialized to JSON text on write. Column order is
// normalized by sorting names, so two records with the same keys always
// map to the same column layout.
type Record map[string]any

// Config holds engine configuration.
type Config struct {
	// Pool configures the connection pool.
	Pool pool.Config

	// BatchSize is the number of records committed per transaction during
	// bulk writes. Larger batches amortize transaction overhead at the
	// cost of memory and rollback granularity.
	BatchSize int `validate:"min=1"`

	// CacheSize bounds the query cache entry count.
	CacheSize int `validate:"min=1"`

	// Compression enables dictionary encoding of string fields.
	Compression bool

	// Compressor configures the dictionary when Compression is on.
	Compressor compress.Config
}

// DefaultConfig returns the engine configuration used when fields are unset.
func DefaultConfig(path string) Config {
	return Config{
		Pool:        pool.DefaultConfig(path),
		BatchSize:   10000,
		CacheSize:   1024,
		Compression: true,
		Compressor:  compress.DefaultConfig(),
	}
}

// Stats is a point-in-time snapshot of engine state for telemetry
// collection. It is informational only; the engine never bases decisions
// on it.
type Stats struct {
	PoolIdle           int  `json:"pool_idle"`
	PoolMax            int  `json:"pool_max"`
	WALEnabled         bool `json:"wal_enabled"`
	CompressionEnabled bool `json:"compression_enabled"`
	BatchSize          int  `json:"batch_size"`
	CacheEntries       int  `json:"cache_entries"`
	DictionaryEntries  int  `json:"dictionary_entries"`
}
