package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/looperhq/looper/atf"
	"github.com/looperhq/looper/catalog"
	"github.com/looperhq/looper/config"
	"github.com/looperhq/looper/logger"
	"github.com/looperhq/looper/pulse/async"
	"github.com/looperhq/looper/recalc"
	"github.com/looperhq/looper/report"
	"github.com/looperhq/looper/stats"
)

// PulseCmd groups background worker operations.
var PulseCmd = &cobra.Command{
	Use:   "pulse",
	Short: "Background worker pool for recalculation and export jobs",
	Long: `The pulse worker pool drains the persistent job queue: true-ATF
rule recalculations, per-scan statistics recomputes, and report exports.
Jobs interrupted by a crash are re-queued on start.

Examples:
  looper pulse start              # Start the worker pool in the foreground
  looper pulse start --workers 4  # Override the configured worker count
  looper pulse status             # Show queue depth by status`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var pulseStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the worker pool",
	RunE:  runPulseStart,
}

var pulseStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show queue depth by status",
	RunE:  runPulseStatus,
}

var pulseWorkersFlag int

func init() {
	pulseStartCmd.Flags().IntVar(&pulseWorkersFlag, "workers", 0, "Concurrent workers (default: configured)")
	PulseCmd.AddCommand(pulseStartCmd)
	PulseCmd.AddCommand(pulseStatusCmd)
}

func runPulseStart(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
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
	rules := atf.NewStore(database, log)
	cache := stats.New(cat, cat, log)
	queue := async.NewQueue(async.NewStore(database))
	scheduler := recalc.NewScheduler(queue, log)
	rules.SetNotifier(scheduler)
	reports := report.NewReportStore(database, log)
	assembler := report.NewAssembler(cat, report.NewEngine(cache, cat, log), log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	poolCfg := cfg.Pulse.WorkerPoolConfig()
	if pulseWorkersFlag > 0 {
		poolCfg.Workers = pulseWorkersFlag
	}
	pool := async.NewWorkerPool(ctx, queue, poolCfg, log)
	pool.Registry().Register(recalc.NewRuleHandler(rules, database, scheduler, log))
	pool.Registry().Register(recalc.NewScanHandler(cache, log))
	pool.Registry().Register(report.NewExportHandler(reports, assembler, nil, log))
	pool.Start()

	if _, err := queue.Cleanup(ctx, cfg.Pulse.CleanupAfter()); err != nil {
		log.Warnw("Failed to clean up old jobs", logger.FieldError, err)
	}

	fmt.Printf("Worker pool running with %d worker(s); Ctrl+C to stop.\n", poolCfg.Workers)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("Shutting down...")
	pool.Stop()
	return nil
}

func runPulseStatus(cmd *cobra.Command, args []string) error {
	database, err := openDatabase("")
	if err != nil {
		return err
	}
	defer database.Close()

	queue := async.NewQueue(async.NewStore(database))
	st, err := queue.Stats(context.Background())
	if err != nil {
		return err
	}

	fmt.Printf("Queued:    %d\n", st.Queued)
	fmt.Printf("Running:   %d\n", st.Running)
	fmt.Printf("Completed: %d\n", st.Completed)
	fmt.Printf("Failed:    %d\n", st.Failed)
	fmt.Printf("Total:     %d\n", st.Total)
	return nil
}
