package worker

import (
	"context"
	"errors"
	"time"

	httpSrv "github.com/jmehdipour/ledger-bridge/internal/http"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var metricsAddr string

// NewWorkerCmd returns the parent "worker" command.
func NewWorkerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run background workers",
	}
	cmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", ":9100", "listen address for /metrics and /healthz; empty disables")

	// attach subcommands
	cmd.AddCommand(dispatcherCmd)
	cmd.AddCommand(projectorCmd)

	return cmd
}

func configPath(cmd *cobra.Command) string {
	p, _ := cmd.Root().PersistentFlags().GetString("config")
	return p
}

// serveMetrics runs the metrics endpoint until ctx ends.
func serveMetrics(ctx context.Context, log *zap.Logger) {
	if metricsAddr == "" {
		return
	}
	srv := httpSrv.NewMetricsServer(log)
	go func() {
		if err := srv.Start(metricsAddr); err != nil {
			log.Warn("metrics server exited", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
}

func flush(shutdown func(context.Context) error, log *zap.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Warn("tracing shutdown", zap.Error(err))
	}
}
