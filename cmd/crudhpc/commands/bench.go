package commands

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/crudhpc/crudhpc/pkg/engine"
	"github.com/crudhpc/crudhpc/pkg/telemetry"
)

func newBenchCommand() *cobra.Command {
	var (
		records     int
		batchSize   int
		reads       int
		table       string
		compression bool
		metricsAddr string
	)

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run a bulk write/read benchmark",
		Long: `Run a write and read benchmark against the configured database.

The benchmark bulk-inserts generated records, then issues repeated cached
reads so both the batching path and the cache path are exercised.`,
		Example: `  # Insert one million records in batches of 10000
  crudhpc bench --records 1000000 --batch-size 10000

  # Benchmark with compression off and metrics exposed
  crudhpc bench --compression=false --metrics-addr :9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, telCfg, err := buildConfig(cmd)
			if err != nil {
				return err
			}
			if cfgFile == "" || cmd.Flags().Changed("batch-size") {
				cfg.BatchSize = batchSize
			}
			if cfgFile == "" || cmd.Flags().Changed("compression") {
				cfg.Compression = compression
			}

			tel, err := newTelemetry(telCfg, metricsAddr)
			if err != nil {
				return err
			}
			defer tel.Shutdown(cmd.Context())

			eng, err := engine.New(cfg, tel)
			if err != nil {
				return err
			}
			defer eng.Close()

			ctx := cmd.Context()

			// Generated payloads mix repeated strings (dictionary
			// friendly) with unique identifiers.
			statuses := []string{"pending", "active", "failed", "done"}
			recs := make([]engine.Record, records)
			for i := range recs {
				recs[i] = engine.Record{
					"uid":    uuid.NewString(),
					"status": statuses[i%len(statuses)],
					"seq":    i,
				}
			}
			eng.Train(recs[:min(len(recs), 1000)])

			start := time.Now()
			ids, err := eng.CreateBulk(ctx, table, recs)
			if err != nil {
				return fmt.Errorf("bulk write failed after %d rows: %w", len(ids), err)
			}
			writeDur := time.Since(start)
			log.Info().
				Int("rows", len(ids)).
				Dur("elapsed", writeDur).
				Float64("rows_per_sec", float64(len(ids))/writeDur.Seconds()).
				Msg("bulk write complete")

			start = time.Now()
			for i := 0; i < reads; i++ {
				status := statuses[i%len(statuses)]
				if _, err := eng.ReadCached(ctx, "SELECT * FROM "+table+" WHERE status = ?", status); err != nil {
					return fmt.Errorf("read failed: %w", err)
				}
			}
			readDur := time.Since(start)
			log.Info().
				Int("reads", reads).
				Dur("elapsed", readDur).
				Msg("cached reads complete")

			printStats(eng.Stats())
			return nil
		},
	}

	cmd.Flags().IntVar(&records, "records", 100000, "number of records to insert")
	cmd.Flags().IntVar(&batchSize, "batch-size", 10000, "records per transaction")
	cmd.Flags().IntVar(&reads, "reads", 1000, "number of cached reads to issue")
	cmd.Flags().StringVar(&table, "table", "bench", "target table name")
	cmd.Flags().BoolVar(&compression, "compression", true, "enable dictionary compression")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "expose Prometheus metrics on this address")

	return cmd
}

// newTelemetry builds CLI telemetry; metrics are enabled when an address
// is given. A nil base means no configuration file was supplied.
func newTelemetry(base *telemetry.Config, metricsAddr string) (*telemetry.Telemetry, error) {
	cfg := base
	if cfg == nil {
		cfg = telemetry.DefaultConfig()
		cfg.Logging.Format = "console"
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	if metricsAddr != "" {
		cfg.Metrics.Enabled = true
		cfg.Metrics.ListenAddress = metricsAddr
	}

	tel, err := telemetry.NewTelemetry(cfg)
	if err != nil {
		return nil, err
	}
	if metricsAddr != "" {
		if err := tel.Metrics.StartMetricsServer(tel.Logger); err != nil {
			return nil, err
		}
	}
	return tel, nil
}
