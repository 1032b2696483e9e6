package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/looperhq/looper/config"
	"github.com/looperhq/looper/errors"
)

// DBCmd groups database operations.
var DBCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the Looper database",
	Long: `Manage database operations.

Examples:
  looper db migrate    # Apply pending schema migrations
  looper db stats      # Show row counts per table`,
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		database, err := openDatabase(dbPathFlag)
		if err != nil {
			return err
		}
		defer database.Close()

		var applied int
		if err := database.QueryRow(`SELECT COUNT(*) FROM schema_migrations`).Scan(&applied); err != nil {
			return errors.Wrap(err, "count applied migrations")
		}
		fmt.Printf("Database is at migration %d\n", applied)
		return nil
	},
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show database statistics",
	RunE:  runDBStats,
}

var dbPathFlag string

func init() {
	DBCmd.PersistentFlags().StringVar(&dbPathFlag, "db", "", "Database path (default: configured path)")
	DBCmd.AddCommand(dbMigrateCmd)
	DBCmd.AddCommand(dbStatsCmd)
}

func runDBStats(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	database, err := openDatabase(dbPathFlag)
	if err != nil {
		return err
	}
	defer database.Close()

	tables := []string{
		"platforms", "territories", "devices", "studios", "titles",
		"publications", "scans", "pages", "sections", "spots",
		"tatf_rules", "organizations", "async_jobs", "reports",
	}

	path := dbPathFlag
	if path == "" {
		path = cfg.Database.Path
	}
	fmt.Printf("Database: %s\n\n", path)
	for _, table := range tables {
		var n int
		if err := database.QueryRow(`SELECT COUNT(*) FROM ` + table).Scan(&n); err != nil {
			return errors.Wrapf(err, "count %s", table)
		}
		fmt.Printf("%-15s %d\n", table, n)
	}

	var cached int
	err = database.QueryRow(
		`SELECT COUNT(*) FROM scans WHERE saved_statistics != '' AND saved_statistics != '{}'`).
		Scan(&cached)
	if err != nil {
		return errors.Wrap(err, "count cached scans")
	}
	fmt.Printf("\nScans with cached statistics: %d\n", cached)
	return nil
}
