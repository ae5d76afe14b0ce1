// Package telemetry provides observability instrumentation for the CRUD
// access layer.
//
// It integrates structured logging (zerolog), distributed tracing
// (OpenTelemetry), and metrics (Prometheus) into one unit that the engine
// and CLI share.
//
// Initialize telemetry at application startup:
//
//	cfg := telemetry.DefaultConfig()
//	cfg.ServiceName = "crudhpc"
//
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
// Component loggers carry structured fields through the engine:
//
//	logger := tel.Logger.NewComponentLogger("engine")
//	logger.WithTable("users").WithOp("create_bulk").Debug("batch committed")
//
// Metrics cover operation counts and latencies, cache hits and misses,
// pool occupancy, and compression dictionary growth; Handler exposes them
// for Prometheus scraping.
package telemetry
