package worker

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jmehdipour/ledger-bridge/internal/app"
	"github.com/jmehdipour/ledger-bridge/internal/lease"
	"github.com/jmehdipour/ledger-bridge/internal/metrics"
	"github.com/jmehdipour/ledger-bridge/internal/projector"
	"github.com/jmehdipour/ledger-bridge/internal/repository"
	"github.com/jmehdipour/ledger-bridge/internal/tracing"
	"github.com/jmehdipour/ledger-bridge/internal/util"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var projectorCmd = &cobra.Command{
	Use:   "projector",
	Short: "Project ledger events into the read models, one leader per stream",
	RunE:  runProjector,
}

func runProjector(cmd *cobra.Command, _ []string) error {
	cfg, log, err := app.Load(configPath(cmd), "projector")
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	if len(cfg.Projector.Streams) == 0 {
		return errors.New("projector.streams is empty")
	}
	defOnError, policies, err := app.EventPolicies(cfg.Projector)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.MustRegister(prometheus.DefaultRegisterer)
	serveMetrics(ctx, log)

	shutdownTracing, err := tracing.Init(ctx, app.Tracing(cfg.Tracing, "projector"))
	if err != nil {
		return fmt.Errorf("tracing: %w", err)
	}
	defer flush(shutdownTracing, log)

	sqlDB, err := app.OpenSQL(cfg.Database)
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	redisClient, err := app.OpenRedis(cfg.Redis)
	if err != nil {
		return err
	}
	defer func() { _ = redisClient.Close() }()

	var archive repository.EventArchive
	chDB, err := app.OpenClickHouse(cfg.ClickHouse)
	if err != nil {
		return err
	}
	if chDB != nil {
		defer func() { _ = chDB.Close() }()
		archive = repository.NewCHEventArchive(chDB, cfg.ClickHouse.Table)
	}

	store := repository.NewProjectionStore(sqlDB)
	locker := lease.NewRedisLocker(redisClient, cfg.Redis.KeyPrefix)
	subscriber := app.Subscriber(cfg.Kafka)
	owner := util.NewWorkerID("projector")

	// one leadership loop per stream; the first to fail stops the rest
	g, gctx := errgroup.WithContext(ctx)
	for _, stream := range cfg.Projector.Streams {
		p := projector.NewProjector(store, subscriber, locker, app.RetryPolicy(cfg.Retry), log, stream, owner)
		p.Archive = archive
		p.LeaseTTL = cfg.Projector.LeaseTTL
		p.RenewInterval = cfg.Projector.RenewInterval
		p.AcquireInterval = cfg.Projector.AcquireInterval
		p.DefaultOnError = defOnError
		p.EventPolicies = policies

		g.Go(func() error {
			if err := p.Run(gctx); err != nil {
				return fmt.Errorf("stream %s: %w", stream, err)
			}
			return nil
		})
	}

	log.Info("starting", zap.Strings("streams", cfg.Projector.Streams), zap.String("owner", owner))
	return g.Wait()
}
