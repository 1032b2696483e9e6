package commands

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/looperhq/looper/atf"
	"github.com/looperhq/looper/logger"
	"github.com/looperhq/looper/pulse/async"
	"github.com/looperhq/looper/recalc"
)

// RulesCmd groups true-ATF rule management.
var RulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage true-ATF classification rules",
	Long: `A rule marks the visible column range of one row on one (device,
page). Creating, updating or deleting a rule queues reclassification of the
affected spots; run "looper pulse start" to process the queue.

Examples:
  looper rules add --device 3 --page home --row 1 --from 1 --to 4
  looper rules ls
  looper rules rm 7`,
}

var (
	ruleDeviceFlag int64
	rulePageFlag   string
	ruleRowFlag    int
	ruleFromFlag   int
	ruleToFlag     int
)

var rulesAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create a rule",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, database, err := ruleStore()
		if err != nil {
			return err
		}
		defer database.Close()

		rule, err := store.CreateRule(context.Background(), atf.Rule{
			DeviceID:    ruleDeviceFlag,
			PageName:    rulePageFlag,
			Row:         ruleRowFlag,
			ColumnStart: ruleFromFlag,
			ColumnEnd:   ruleToFlag,
		})
		if err != nil {
			return err
		}
		fmt.Printf("Rule %d created: device %d page %q row %d columns [%d, %d]\n",
			rule.ID, rule.DeviceID, rule.PageName, rule.Row, rule.ColumnStart, rule.ColumnEnd)
		return nil
	},
}

var rulesRmCmd = &cobra.Command{
	Use:   "rm <rule-id>",
	Short: "Delete a rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var id int64
		if _, err := fmt.Sscanf(args[0], "%d", &id); err != nil {
			return fmt.Errorf("invalid rule id %q", args[0])
		}

		store, database, err := ruleStore()
		if err != nil {
			return err
		}
		defer database.Close()

		if err := store.DeleteRule(context.Background(), id); err != nil {
			return err
		}
		fmt.Printf("Rule %d deleted\n", id)
		return nil
	},
}

var rulesLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		store, database, err := ruleStore()
		if err != nil {
			return err
		}
		defer database.Close()

		rules, err := store.ListRules(context.Background())
		if err != nil {
			return err
		}
		if len(rules) == 0 {
			fmt.Println("No rules defined")
			return nil
		}

		fmt.Printf("%-5s %-8s %-20s %-4s %s\n", "ID", "DEVICE", "PAGE", "ROW", "COLUMNS")
		for _, r := range rules {
			fmt.Printf("%-5d %-8d %-20s %-4d [%d, %d]\n",
				r.ID, r.DeviceID, r.PageName, r.Row, r.ColumnStart, r.ColumnEnd)
		}
		return nil
	},
}

func init() {
	rulesAddCmd.Flags().Int64Var(&ruleDeviceFlag, "device", 0, "Device ID (required)")
	rulesAddCmd.Flags().StringVar(&rulePageFlag, "page", "", "Page platform identifier")
	rulesAddCmd.Flags().IntVar(&ruleRowFlag, "row", 0, "Section row (1-based, required)")
	rulesAddCmd.Flags().IntVar(&ruleFromFlag, "from", 0, "First visible column (required)")
	rulesAddCmd.Flags().IntVar(&ruleToFlag, "to", 0, "Last visible column (required)")
	rulesAddCmd.MarkFlagRequired("device")
	rulesAddCmd.MarkFlagRequired("row")
	rulesAddCmd.MarkFlagRequired("from")
	rulesAddCmd.MarkFlagRequired("to")

	RulesCmd.AddCommand(rulesAddCmd)
	RulesCmd.AddCommand(rulesRmCmd)
	RulesCmd.AddCommand(rulesLsCmd)
}

// ruleStore wires a rule store with a recalc scheduler so CLI mutations
// queue the same follow-up work the API would.
func ruleStore() (*atf.Store, *sql.DB, error) {
	database, err := openDatabase("")
	if err != nil {
		return nil, nil, err
	}
	store := atf.NewStore(database, logger.Logger)
	queue := async.NewQueue(async.NewStore(database))
	store.SetNotifier(recalc.NewScheduler(queue, logger.Logger))
	return store, database, nil
}
