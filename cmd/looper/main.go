package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/looperhq/looper/cmd/looper/commands"
	"github.com/looperhq/looper/config"
	"github.com/looperhq/looper/logger"
)

var rootCmd = &cobra.Command{
	Use:   "looper",
	Short: "Looper - app-store placement statistics engine",
	Long: `Looper tracks advertising placements observed on app-store listing
pages and answers analytical queries over them: spot counts, above-the-fold
classification, share of voice and media-placement-value totals, per scan
and rolled up across periods.

Available commands:
  db      - Database operations (migrate, stats)
  pulse   - Background worker pool for recalculation and export jobs
  rules   - Manage true-ATF classification rules
  report  - Assemble share-of-voice reports

Examples:
  looper db migrate                 # Apply pending schema migrations
  looper pulse start                # Start the job worker pool
  looper rules ls                   # List classification rules
  looper report sov --org 1 --from 2026-01-01 --to 2026-01-31`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		return logger.Initialize(cfg.Logging.JSON)
	},
}

func init() {
	rootCmd.AddCommand(commands.DBCmd)
	rootCmd.AddCommand(commands.PulseCmd)
	rootCmd.AddCommand(commands.RulesCmd)
	rootCmd.AddCommand(commands.ReportCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
