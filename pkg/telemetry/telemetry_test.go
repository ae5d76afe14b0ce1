package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNewTelemetryDefaults(t *testing.T) {
	tel, err := NewTelemetry(DefaultConfig())
	if err != nil {
		t.Fatalf("NewTelemetry failed: %v", err)
	}
	defer tel.Shutdown(context.Background())

	if tel.Logger == nil || tel.Tracer == nil || tel.Metrics == nil {
		t.Fatal("telemetry components should all be non-nil")
	}
}

func TestDisabledMetricsAreNoOps(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: false})
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	// None of these should panic on a disabled instance.
	m.RecordOp("create_bulk", "ok", time.Millisecond)
	m.RecordBatchCommit(100)
	m.RecordCacheHit()
	m.RecordCacheMiss()
	m.RecordCacheInvalidation("users", 3)
	m.SetCacheEntries(5)
	m.SetPoolState(2, 8)
	m.RecordAcquire(time.Microsecond, true)
	m.SetDictionaryEntries(42)
}

func TestMetricsHandlerExposesCounters(t *testing.T) {
	cfg := DefaultConfig().Metrics
	cfg.Enabled = true
	m, err := NewMetrics(cfg)
	if err != nil {
		t.Fatalf("NewMetrics failed: %v", err)
	}

	m.RecordOp("read_cached", "ok", 250*time.Microsecond)
	m.RecordCacheHit()

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "crudhpc_operations_total") {
		t.Errorf("missing operations counter in output:\n%s", body)
	}
	if !strings.Contains(body, "crudhpc_cache_hits_total") {
		t.Errorf("missing cache hit counter in output:\n%s", body)
	}
}

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"trace", "trace"},
		{"debug", "debug"},
		{"info", "info"},
		{"warn", "warn"},
		{"error", "error"},
		{"bogus", "info"},
		{"", "info"},
	}
	for _, tt := range tests {
		if got := parseLogLevel(tt.in).String(); got != tt.want {
			t.Errorf("parseLogLevel(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestComponentLoggerFields(t *testing.T) {
	logger, err := NewLogger(LoggingConfig{Level: "error", Output: "stderr"})
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	// Chained helpers should each return a usable logger.
	child := logger.NewComponentLogger("engine").
		WithTable("users").
		WithOp("create_bulk")
	child.Debug("suppressed at error level")

	ctx := logger.WithContext(context.Background())
	if FromContext(ctx) == nil {
		t.Fatal("expected logger in context")
	}
}

func TestTracerDisabledIsNoOp(t *testing.T) {
	tr, err := NewTracer(TracingConfig{Enabled: false}, "test", "dev", "test")
	if err != nil {
		t.Fatalf("NewTracer failed: %v", err)
	}

	ctx, span := tr.StartOpSpan(context.Background(), "read_cached", "users")
	if ctx == nil || span == nil {
		t.Fatal("expected usable context and span from disabled tracer")
	}
	RecordSuccess(span)
	span.End()

	if err := tr.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}
}
