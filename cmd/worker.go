package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/frahmantamala/payment-reconciliation/internal/reconcile"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the reconciliation worker",
	Long:  `Start the sweep scheduler and worker pool that verify pending payments against their gateways`,
	Run: func(cmd *cobra.Command, args []string) {
		startReconcileWorker()
	},
}

var (
	maxWorkers   int
	jobQueueSize int
)

func startReconcileWorker() {
	deps, err := buildDeps()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize dependencies: %v\n", err)
		os.Exit(1)
	}

	log := deps.Logger
	reconcileCfg := deps.Config.Reconcile

	queueCfg := reconcile.QueueConfig{
		MaxWorkers:   getIntFlag(maxWorkers, reconcileCfg.MaxWorkers),
		JobQueueSize: getIntFlag(jobQueueSize, reconcileCfg.JobQueueSize),
	}

	log.Info("starting reconciliation worker",
		"max_workers", queueCfg.MaxWorkers,
		"job_queue_size", queueCfg.JobQueueSize,
		"gateways", deps.Registry.Names())

	// The queue delegates each job to the reconciler, and the reconciler
	// schedules retries back onto the queue.
	var reconciler *reconcile.Reconciler
	queue := reconcile.NewQueue(queueCfg, func(ctx context.Context, job reconcile.Job) error {
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

	buckets := make([]reconcile.Bucket, 0, len(deps.Config.Sweep.Buckets))
	for _, b := range deps.Config.Sweep.Buckets {
		buckets = append(buckets, reconcile.Bucket{
			Name:     b.Name,
			MinAge:   b.MinAge,
			MaxAge:   b.MaxAge,
			Interval: b.Interval,
		})
	}

	sweeper := reconcile.NewSweeper(deps.Payments, queue, buckets, reconcileCfg.Quiescence, deps.Config.Sweep.Limit, log)

	ctx, cancel := context.WithCancel(context.Background())
	go sweeper.Start(ctx)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	log.Info("reconciliation worker is running. Press Ctrl+C to stop.")

	sig := <-sigChan
	log.Info("received signal, shutting down reconciliation worker", "signal", sig)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	shutdownDone := make(chan struct{})
	go func() {
		queue.Shutdown()
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
		log.Info("worker pool shutdown complete")
	case <-shutdownCtx.Done():
		log.Warn("shutdown timeout reached, forcing exit")
	}

	if err := deps.DB.Close(); err != nil {
		log.Error("database close error", "error", err)
	}
}

func getIntFlag(flagValue, configValue int) int {
	if flagValue > 0 {
		return flagValue
	}
	return configValue
}

func init() {
	workerCmd.Flags().IntVar(&maxWorkers, "max-workers", 0, "Maximum number of workers (overrides config)")
	workerCmd.Flags().IntVar(&jobQueueSize, "job-queue-size", 0, "Job queue buffer size (overrides config)")
}
