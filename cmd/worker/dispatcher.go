package worker

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmehdipour/ledger-bridge/internal/app"
	"github.com/jmehdipour/ledger-bridge/internal/dispatcher"
	"github.com/jmehdipour/ledger-bridge/internal/metrics"
	"github.com/jmehdipour/ledger-bridge/internal/repository"
	"github.com/jmehdipour/ledger-bridge/internal/tracing"
	"github.com/jmehdipour/ledger-bridge/internal/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var dispatcherCmd = &cobra.Command{
	Use:   "dispatcher",
	Short: "Claim pending outbox commands and submit them to the ledger",
	RunE:  runDispatcher,
}

func runDispatcher(cmd *cobra.Command, _ []string) error {
	// 1) load config
	cfg, log, err := app.Load(configPath(cmd), "dispatcher")
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	// graceful shutdown
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.MustRegister(prometheus.DefaultRegisterer)
	serveMetrics(ctx, log)

	shutdownTracing, err := tracing.Init(ctx, app.Tracing(cfg.Tracing, "dispatcher"))
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer flush(shutdownTracing, log)

	// 2) store
	sqlDB, err := app.OpenSQL(cfg.Database)
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	// 3) ledger gateway
	gw, err := app.Gateway(cfg.Ledger)
	if err != nil {
		return err
	}

	workerID := cfg.Dispatcher.WorkerID
	if workerID == "" {
		workerID = util.NewWorkerID("dispatcher")
	}

	d := dispatcher.NewDispatcher(
		repository.NewCommandRepository(sqlDB, cfg.Dispatcher.DefaultMaxAttempts),
		repository.NewAggregateRepository(sqlDB),
		repository.NewDeadLetterRepository(sqlDB),
		gw,
		app.RetryPolicy(cfg.Retry),
		log,
		workerID,
	)

	// tune knobs
	d.BatchSize = cfg.Dispatcher.BatchSize
	d.Concurrency = cfg.Dispatcher.Concurrency
	d.PollInterval = cfg.Dispatcher.PollInterval
	d.LeaseDuration = cfg.Dispatcher.LeaseDuration
	d.RenewInterval = cfg.Dispatcher.RenewInterval
	d.ShutdownTimeout = cfg.Dispatcher.ShutdownTimeout

	log.Info("starting", zap.String("ledger", gw.String()), zap.String("driver", cfg.Database.Driver))
	return d.Run(ctx)
}
