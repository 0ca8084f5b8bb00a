package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmehdipour/ledger-bridge/internal/app"
	httpSrv "github.com/jmehdipour/ledger-bridge/internal/http"
	"github.com/jmehdipour/ledger-bridge/internal/metrics"
	"github.com/jmehdipour/ledger-bridge/internal/repository"
	"github.com/jmehdipour/ledger-bridge/internal/tracing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the admin HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, log, err := app.Load(cfgPath, "serve")
		if err != nil {
			return err
		}
		defer func() { _ = log.Sync() }()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		shutdownTracing, err := tracing.Init(ctx, app.Tracing(cfg.Tracing, "serve"))
		if err != nil {
			return fmt.Errorf("tracing: %w", err)
		}
		defer flush(shutdownTracing)

		metrics.MustRegister(prometheus.DefaultRegisterer)

		sqlDB, err := app.OpenSQL(cfg.Database)
		if err != nil {
			return err
		}
		defer sqlDB.Close()

		// redis only backs the mutation rate limit here
		redisClient, err := app.OpenRedis(cfg.Redis)
		if err != nil {
			log.Warn("rate limiting disabled", zap.Error(err))
		} else {
			defer func() { _ = redisClient.Close() }()
		}

		var archive repository.EventArchive
		chDB, err := app.OpenClickHouse(cfg.ClickHouse)
		if err != nil {
			return err
		}
		if chDB != nil {
			defer func() { _ = chDB.Close() }()
			archive = repository.NewCHEventArchive(chDB, cfg.ClickHouse.Table)
		}

		deps := httpSrv.Deps{
			Commands:    repository.NewCommandRepository(sqlDB, cfg.Dispatcher.DefaultMaxAttempts),
			Checkpoints: repository.NewCheckpointRepository(sqlDB),
			ReadModels:  repository.NewReadModelRepository(sqlDB),
			DeadLetters: app.DeadLetterService(sqlDB, cfg, log.Named("deadletter")),
			Archive:     archive,
			MutationRPS: cfg.HTTP.MutationRPS,
			Log:         log,
			LogLevel:    cfg.Log.Level,
		}
		if redisClient != nil {
			deps.Redis = redisClient
		}
		server := httpSrv.NewServer(deps)

		errCh := make(chan error, 1)
		go func() { errCh <- server.Start(cfg.HTTP.Addr) }()

		select {
		case <-ctx.Done():
			log.Info("signal received, shutting down")
		case err := <-errCh:
			if err != nil {
				log.Error("http server exited", zap.Error(err))
				return err
			}
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	},
}

func flush(shutdown func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = shutdown(ctx)
}
