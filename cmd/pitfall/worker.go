package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/zap"

	"github.com/discochess/pitfall/fx/pitfallfx"
	"github.com/discochess/pitfall/internal/dispatch/natsinvoker"
	"github.com/discochess/pitfall/internal/worker"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Analyze batches received over NATS",
	Long: `Join the NATS queue group and analyze every batch command delivered to
this process, one at a time. Run as many workers as you want batches in
flight; each holds one engine process while a batch runs.

The job store and analysis cache must be shared with the orchestrator,
so the memory drivers only make sense for local experiments.`,
	Args: cobra.NoArgs,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().String("nats-url", "nats://127.0.0.1:4222", "NATS server URL")
	bindFlags(workerCmd.Flags(), map[string]string{"dispatch.nats_url": "nats-url"})
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var w *worker.Worker
	app := fx.New(
		fx.Supply(cfg, log),
		fxLogger(),
		pitfallfx.Module,
		fx.Populate(&w),
	)
	if err := app.Start(ctx); err != nil {
		return fmt.Errorf("starting worker: %w", err)
	}
	defer stopApp(app, stop)

	nc, err := cfg.ConnectNATS()
	if err != nil {
		return err
	}
	defer func() {
		// Drain blocks until delivered commands have been handled.
		if err := nc.Drain(); err != nil {
			log.Warn("draining nats connection", zap.Error(err))
		}
	}()

	return natsinvoker.Serve(ctx, nc, cfg.Dispatch.NATSSubject, cfg.Dispatch.NATSQueue, w, log)
}
