package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/frahmantamala/payment-reconciliation/internal/reconcile"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one reconciliation sweep and exit",
	Long:  `Scan pending payments in the given age window, verify each against its gateway, then exit`,
	Run: func(cmd *cobra.Command, args []string) {
		runSweep()
	},
}

var (
	sweepMinAgeMinutes int
	sweepMaxAgeMinutes int
	sweepLimit         int
	sweepDrainTimeout  time.Duration
)

func runSweep() {
	deps, err := buildDeps()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize dependencies: %v\n", err)
		os.Exit(1)
	}
	defer deps.DB.Close()

	log := deps.Logger
	reconcileCfg := deps.Config.Reconcile

	var reconciler *reconcile.Reconciler
	queue := reconcile.NewQueue(reconcile.QueueConfig{
		MaxWorkers:   reconcileCfg.MaxWorkers,
		JobQueueSize: reconcileCfg.JobQueueSize,
	}, func(ctx context.Context, job reconcile.Job) error {
		return reconciler.Process(ctx, job)
	}, log)

	reconciler = reconcile.NewReconciler(
		deps.Payments,
		deps.Accounts,
		deps.Engine,
		deps.Registry,
		deps.Service,
		queue,
		reconcile.Config{
			MaxRetries:     reconcileCfg.MaxRetries,
			Quiescence:     reconcileCfg.Quiescence,
			Expiry:         reconcileCfg.Expiry,
			BackoffBase:    reconcileCfg.BackoffBase,
			BackoffCap:     reconcileCfg.BackoffCap,
			GatewayTimeout: reconcileCfg.GatewayTimeout,
		},
		log,
	)

	sweeper := reconcile.NewSweeper(deps.Payments, queue, nil, reconcileCfg.Quiescence, deps.Config.Sweep.Limit, log)

	minAge := time.Duration(sweepMinAgeMinutes) * time.Minute
	maxAge := time.Duration(sweepMaxAgeMinutes) * time.Minute
	limit := sweepLimit
	if limit <= 0 {
		limit = deps.Config.Sweep.Limit
	}

	ctx := context.Background()
	summary, err := sweeper.Sweep(ctx, minAge, maxAge, limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Sweep failed: %v\n", err)
		os.Exit(1)
	}

	drainCtx, cancel := context.WithTimeout(ctx, sweepDrainTimeout)
	defer cancel()
	if err := queue.Drain(drainCtx); err != nil {
		log.Warn("drain timed out before all jobs finished", "error", err)
	}
	queue.Shutdown()

	// zero candidates is a normal outcome
	fmt.Println(summary.String())
}

func init() {
	sweepCmd.Flags().IntVar(&sweepMinAgeMinutes, "min-age-minutes", 2, "Only consider payments older than this")
	sweepCmd.Flags().IntVar(&sweepMaxAgeMinutes, "max-age-minutes", 1440, "Only consider payments younger than this")
	sweepCmd.Flags().IntVar(&sweepLimit, "limit", 0, "Maximum candidates per sweep (0 uses config)")
	sweepCmd.Flags().DurationVar(&sweepDrainTimeout, "drain-timeout", 5*time.Minute, "How long to wait for queued jobs to finish")
}
