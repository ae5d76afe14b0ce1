package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseFull(t *testing.T) {
	data := []byte(`
database:
  path: /var/lib/crudhpc/data.db
  pool_size: 32
  acquire_timeout: 2s
  wal: false
  cache_kib: 4096
  busy_timeout: 1s
engine:
  batch_size: 5000
  cache_size: 256
  compression: false
  block_threshold: 8192
telemetry:
  service_name: crudhpc-test
  logging:
    level: debug
    format: console
`)

	f, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	cfg := f.EngineConfig("")
	if cfg.Pool.Path != "/var/lib/crudhpc/data.db" {
		t.Errorf("path = %q", cfg.Pool.Path)
	}
	if cfg.Pool.MaxSize != 32 {
		t.Errorf("pool size = %d, want 32", cfg.Pool.MaxSize)
	}
	if cfg.Pool.AcquireTimeout != 2*time.Second {
		t.Errorf("acquire timeout = %v", cfg.Pool.AcquireTimeout)
	}
	if cfg.Pool.WAL {
		t.Error("WAL should be disabled")
	}
	if cfg.BatchSize != 5000 {
		t.Errorf("batch size = %d, want 5000", cfg.BatchSize)
	}
	if cfg.CacheSize != 256 {
		t.Errorf("cache size = %d, want 256", cfg.CacheSize)
	}
	if cfg.Compression {
		t.Error("compression should be disabled")
	}
	if cfg.Compressor.BlockThreshold != 8192 {
		t.Errorf("block threshold = %d", cfg.Compressor.BlockThreshold)
	}

	tel := f.TelemetryConfig()
	if tel.ServiceName != "crudhpc-test" {
		t.Errorf("service name = %q", tel.ServiceName)
	}
	if tel.Logging.Level != "debug" {
		t.Errorf("log level = %q", tel.Logging.Level)
	}
}

func TestParseEmptyUsesDefaults(t *testing.T) {
	f, err := Parse([]byte("{}"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	cfg := f.EngineConfig("fallback.db")
	if cfg.Pool.Path != "fallback.db" {
		t.Errorf("path = %q, want fallback.db", cfg.Pool.Path)
	}
	if cfg.Pool.MaxSize != 10 {
		t.Errorf("pool size = %d, want default 10", cfg.Pool.MaxSize)
	}
	if cfg.BatchSize != 10000 {
		t.Errorf("batch size = %d, want default 10000", cfg.BatchSize)
	}
	if !cfg.Compression {
		t.Error("compression should default to enabled")
	}

	tel := f.TelemetryConfig()
	if tel.ServiceName != "crudhpc" {
		t.Errorf("service name = %q, want crudhpc", tel.ServiceName)
	}
}

func TestFlagPathWinsOverFile(t *testing.T) {
	f, err := Parse([]byte("database:\n  path: file.db\n"))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	cfg := f.EngineConfig("flag.db")
	if cfg.Pool.Path != "flag.db" {
		t.Errorf("path = %q, want flag.db", cfg.Pool.Path)
	}
}

func TestParseRejectsInvalidValues(t *testing.T) {
	if _, err := Parse([]byte("database:\n  pool_size: 0\n")); err != nil {
		t.Fatal("pool_size 0 means unset, should be accepted")
	}
	if _, err := Parse([]byte("database:\n  pool_size: 100000\n")); err == nil {
		t.Fatal("expected validation error for oversized pool")
	}
	if _, err := Parse([]byte("engine: [not, a, map]\n")); err == nil {
		t.Fatal("expected parse error for malformed section")
	}
	if _, err := Parse([]byte("engine:\n  batchsize: 10\n")); err == nil {
		t.Fatal("expected parse error for unknown key")
	}
}

func TestLoadFromDisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "crudhpc.yaml")
	if err := os.WriteFile(path, []byte("engine:\n  batch_size: 42\n"), 0o600); err != nil {
		t.Fatalf("writing config: %v", err)
	}

	f, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if got := f.EngineConfig("x.db").BatchSize; got != 42 {
		t.Errorf("batch size = %d, want 42", got)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
