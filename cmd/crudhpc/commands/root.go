package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/crudhpc/crudhpc/pkg/config"
	"github.com/crudhpc/crudhpc/pkg/engine"
	"github.com/crudhpc/crudhpc/pkg/telemetry"
)

var (
	// Global flags
	cfgFile  string
	dbPath   string
	poolSize int
	verbose  bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "crudhpc",
		Short: "crudhpc - high-throughput CRUD access layer over SQLite",
		Long: `crudhpc is a concurrency-safe access layer for an embedded SQLite store.

Features:
  - Bounded connection pool with timeout-bounded checkout
  - Batched, transactional bulk writes with inferred schemas
  - Bounded LRU query cache with table-level invalidation
  - Adaptive dictionary compression for string payloads`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVarP(&dbPath, "db", "d", "crudhpc.db", "database file path")
	rootCmd.PersistentFlags().IntVar(&poolSize, "pool-size", 10, "connection pool capacity")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")

	rootCmd.AddCommand(newBenchCommand())
	rootCmd.AddCommand(newStatsCommand())
	rootCmd.AddCommand(newDictCommand())

	return rootCmd
}

// buildConfig resolves the engine and telemetry configuration for a
// command. The configuration file supplies the base when --config is
// given; flags the user set explicitly win over the file.
func buildConfig(cmd *cobra.Command) (engine.Config, *telemetry.Config, error) {
	if cfgFile == "" {
		cfg := engine.DefaultConfig(dbPath)
		cfg.Pool.MaxSize = poolSize
		return cfg, nil, nil
	}

	f, err := config.Load(cfgFile)
	if err != nil {
		return engine.Config{}, nil, err
	}

	path := ""
	if cmd.Flags().Changed("db") {
		path = dbPath
	}
	cfg := f.EngineConfig(path)
	if cfg.Pool.Path == "" {
		cfg.Pool.Path = dbPath
	}
	if cmd.Flags().Changed("pool-size") {
		cfg.Pool.MaxSize = poolSize
	}
	return cfg, f.TelemetryConfig(), nil
}
