package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/crudhpc/crudhpc/pkg/engine"
	"github.com/crudhpc/crudhpc/pkg/telemetry"
)

func newDictCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dict",
		Short: "Manage the persisted compression dictionary",
	}
	cmd.AddCommand(newDictInitCommand())
	cmd.AddCommand(newDictTrainCommand())
	cmd.AddCommand(newDictShowCommand())
	return cmd
}

func newDictInitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the dictionary table in the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, tel, err := openEngine(cmd)
			if err != nil {
				return err
			}
			defer tel.Shutdown(cmd.Context())
			defer eng.Close()

			if err := eng.Migrate(cmd.Context()); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			tel.Logger.Info("dictionary table ready")
			return nil
		},
	}
}

func newDictTrainCommand() *cobra.Command {
	var (
		table string
		limit int
	)

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train the dictionary from existing rows and persist it",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, tel, err := openEngine(cmd)
			if err != nil {
				return err
			}
			defer tel.Shutdown(cmd.Context())
			defer eng.Close()

			ctx := cmd.Context()
			if err := eng.Migrate(ctx); err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			// Pick up previously persisted entries so ids stay stable
			// across training runs.
			_ = eng.LoadDictionary(ctx)

			rows, err := eng.ReadCached(ctx, fmt.Sprintf("SELECT * FROM %s LIMIT %d", table, limit))
			if err != nil {
				return fmt.Errorf("reading training rows: %w", err)
			}
			eng.Train(rows)

			if err := eng.SaveDictionary(ctx); err != nil {
				return fmt.Errorf("persisting dictionary: %w", err)
			}
			tel.Logger.WithField("entries", eng.Stats().DictionaryEntries).
				Info("dictionary trained and saved")
			return nil
		},
	}

	cmd.Flags().StringVar(&table, "table", "", "table to sample training rows from")
	cmd.Flags().IntVar(&limit, "limit", 10000, "maximum rows to sample")
	cmd.MarkFlagRequired("table")

	return cmd
}

func newDictShowCommand() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "show",
		Short: "List persisted dictionary entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, tel, err := openEngine(cmd)
			if err != nil {
				return err
			}
			defer tel.Shutdown(cmd.Context())
			defer eng.Close()

			rows, err := eng.ReadCached(cmd.Context(),
				fmt.Sprintf("SELECT id, value FROM compression_dict ORDER BY id LIMIT %d", limit))
			if err != nil {
				return fmt.Errorf("reading dictionary: %w", err)
			}
			for _, row := range rows {
				fmt.Fprintf(os.Stdout, "%v\t%v\n", row["id"], row["value"])
			}
			fmt.Fprintf(os.Stdout, "%d entries\n", len(rows))
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 100, "maximum entries to list")

	return cmd
}

// openEngine builds an engine from the persistent flags and the optional
// configuration file.
func openEngine(cmd *cobra.Command) (*engine.Engine, *telemetry.Telemetry, error) {
	cfg, telCfg, err := buildConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	tel, err := newTelemetry(telCfg, "")
	if err != nil {
		return nil, nil, err
	}
	eng, err := engine.New(cfg, tel)
	if err != nil {
		return nil, nil, err
	}
	return eng, tel, nil
}
