package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/looperhq/looper/catalog"
	"github.com/looperhq/looper/logger"
	"github.com/looperhq/looper/report"
	"github.com/looperhq/looper/stats"
)

// ReportCmd groups report assembly.
var ReportCmd = &cobra.Command{
	Use:   "report",
	Short: "Assemble share-of-voice reports",
	Long: `Assemble a report over the organization's visible studios,
platforms and territories. Output goes to stdout; file export runs through
the job queue instead.

Examples:
  looper report sov --org 1 --from 2026-01-01 --to 2026-01-31
  looper report sov --org 1 --from 2026-01-01 --to 2026-01-31 --platform itunes`,
}

var (
	reportOrgFlag       int64
	reportFromFlag      string
	reportToFlag        string
	reportPlatformFlag  []string
	reportTerritoryFlag []string
)

var reportSOVCmd = &cobra.Command{
	Use:   "sov",
	Short: "Print a share-of-voice summary",
	RunE:  runReportSOV,
}

func init() {
	reportSOVCmd.Flags().Int64Var(&reportOrgFlag, "org", 0, "Organization ID (required)")
	reportSOVCmd.Flags().StringVar(&reportFromFlag, "from", "", "Period start, YYYY-MM-DD (required)")
	reportSOVCmd.Flags().StringVar(&reportToFlag, "to", "", "Period end, YYYY-MM-DD (required)")
	reportSOVCmd.Flags().StringSliceVar(&reportPlatformFlag, "platform", nil, "Limit to platform codes")
	reportSOVCmd.Flags().StringSliceVar(&reportTerritoryFlag, "territory", nil, "Limit to territory ISO codes")
	reportSOVCmd.MarkFlagRequired("org")
	reportSOVCmd.MarkFlagRequired("from")
	reportSOVCmd.MarkFlagRequired("to")

	ReportCmd.AddCommand(reportSOVCmd)
}

func runReportSOV(cmd *cobra.Command, args []string) error {
	from, err := time.Parse(catalog.DateLayout, reportFromFlag)
	if err != nil {
		return fmt.Errorf("invalid --from %q: expected YYYY-MM-DD", reportFromFlag)
	}
	to, err := time.Parse(catalog.DateLayout, reportToFlag)
	if err != nil {
		return fmt.Errorf("invalid --to %q: expected YYYY-MM-DD", reportToFlag)
	}
	period, err := report.DateRange(from, to)
	if err != nil {
		return err
	}

	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	log := logger.Logger
	cat := catalog.NewStore(database, log)
	cache := stats.New(cat, cat, log)
	assembler := report.NewAssembler(cat, report.NewEngine(cache, cat, log), log)

	view, err := assembler.Assemble(context.Background(), period, report.Filters{
		OrganizationID:    reportOrgFlag,
		PlatformCodes:     reportPlatformFlag,
		TerritoryISOCodes: reportTerritoryFlag,
	})
	if err != nil {
		return err
	}

	if len(view.Rows) == 0 {
		fmt.Println("No visible spots in the period")
		return nil
	}

	fmt.Printf("Share of voice %s to %s (%d week(s))\n\n",
		period.Start.Format(catalog.DateLayout), period.End.Format(catalog.DateLayout), len(view.Weeks))
	fmt.Printf("%-20s %-10s %-10s %-22s %8s %8s\n",
		"STUDIO", "PLATFORM", "TERRITORY", "WEEK", "SPOTS", "SOV")
	for _, row := range view.Rows {
		week := "whole period"
		if row.Week != nil {
			week = row.Week.Start.Format(catalog.DateLayout) + ".." + row.Week.End.Format(catalog.DateLayout)
		}
		sov := "-"
		if row.Aggregate.SOV != nil {
			sov = fmt.Sprintf("%.1f%%", *row.Aggregate.SOV*100)
		}
		fmt.Printf("%-20s %-10s %-10s %-22s %8d %8s\n",
			row.Studio.Name, row.Platform.Code, row.Territory.ISOCode, week,
			row.Aggregate.Scoped.SpotsCount, sov)
	}
	return nil
}
