package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/crudhpc/crudhpc/pkg/engine"
)

func newStatsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print engine statistics for a database",
		Long: `Open the database and print a JSON snapshot of pool, cache,
and compression state.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, tel, err := openEngine(cmd)
			if err != nil {
				return err
			}
			defer tel.Shutdown(cmd.Context())
			defer eng.Close()

			// Best effort: databases without a persisted dictionary
			// still report stats.
			_ = eng.LoadDictionary(cmd.Context())

			printStats(eng.Stats())
			return nil
		},
	}
	return cmd
}

func printStats(s engine.Stats) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(s); err != nil {
		fmt.Fprintf(os.Stderr, "failed to encode stats: %v\n", err)
	}
}
