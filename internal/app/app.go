// Package app turns config sections into connected clients and configured
// workers for the cobra commands.
package app

import (
	"fmt"
	"strings"

	"github.com/jmehdipour/ledger-bridge/internal/config"
	"github.com/jmehdipour/ledger-bridge/internal/db"
	"github.com/jmehdipour/ledger-bridge/internal/deadletter"
	"github.com/jmehdipour/ledger-bridge/internal/events"
	"github.com/jmehdipour/ledger-bridge/internal/kafka"
	"github.com/jmehdipour/ledger-bridge/internal/ledger"
	"github.com/jmehdipour/ledger-bridge/internal/logger"
	"github.com/jmehdipour/ledger-bridge/internal/projector"
	"github.com/jmehdipour/ledger-bridge/internal/repository"
	"github.com/jmehdipour/ledger-bridge/internal/retry"
	"github.com/jmehdipour/ledger-bridge/internal/tracing"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func Logger(cfg config.LogConfig) (*zap.Logger, error) {
	return logger.New(cfg.Level, cfg.Development)
}

func OpenSQL(cfg config.DatabaseConfig) (*sqlx.DB, error) {
	dbx, err := db.NewSQLConnection(cfg.Driver, cfg.DSN, db.SQLOpts{
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
		PingTimeout:     cfg.PingTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("%s connect: %w", cfg.Driver, err)
	}
	return dbx, nil
}

func OpenRedis(cfg config.RedisConfig) (*redis.Client, error) {
	rdb, err := db.NewRedisClient(db.RedisOpts{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("redis connect: %w", err)
	}
	return rdb, nil
}

// OpenClickHouse returns nil, nil when the archive is disabled.
func OpenClickHouse(cfg config.ClickHouseConfig) (*sqlx.DB, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	ch, err := db.NewClickHouseConnection(db.ClickHouseOpts{
		DSN:             cfg.DSN,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		PingTimeout:     cfg.PingTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("clickhouse connect: %w", err)
	}
	return ch, nil
}

func RetryPolicy(cfg config.RetryConfig) retry.Policy {
	return retry.Policy{
		MaxAttempts: cfg.MaxAttempts,
		Base:        cfg.Base,
		Cap:         cfg.Cap,
		Jitter:      cfg.Jitter,
	}
}

func Gateway(cfg config.LedgerConfig) (*ledger.Gateway, error) {
	return ledger.NewGateway(ledger.GatewayOpts{
		BaseURL:       cfg.BaseURL,
		Timeout:       cfg.Timeout,
		SubmitRPS:     cfg.SubmitRPS,
		FailThreshold: cfg.Breaker.FailThreshold,
		OpenFor:       cfg.Breaker.OpenFor,
	})
}

func Subscriber(cfg config.KafkaConfig) *ledger.KafkaSubscriber {
	return &ledger.KafkaSubscriber{
		Reader: kafka.Config{
			Brokers:  cfg.Brokers,
			MinBytes: cfg.MinBytes,
			MaxBytes: cfg.MaxBytes,
			MaxWait:  cfg.MaxWait,
		},
		TopicPrefix: cfg.TopicPrefix,
	}
}

func Tracing(cfg config.TracingConfig, role string) tracing.Config {
	return tracing.Config{
		ServiceName: cfg.ServiceName,
		Role:        role,
		Endpoint:    cfg.Endpoint,
		Insecure:    cfg.Insecure,
		SampleRatio: cfg.SampleRatio,
	}
}

// EventPolicies resolves the configured failure policies. Config keys arrive
// lower-cased, so they are matched to event names without regard to case.
func EventPolicies(cfg config.ProjectorConfig) (projector.OnError, map[string]projector.OnError, error) {
	def := projector.Skip
	if cfg.HaltOnError {
		def = projector.Halt
	}
	out := make(map[string]projector.OnError, len(cfg.EventPolicies))
	for key, pol := range cfg.EventPolicies {
		name, ok := eventName(key)
		if !ok {
			return def, nil, fmt.Errorf("projector.event_policies: unknown event %q", key)
		}
		switch projector.OnError(strings.ToLower(pol)) {
		case projector.Skip:
			out[name] = projector.Skip
		case projector.Halt:
			out[name] = projector.Halt
		default:
			return def, nil, fmt.Errorf("projector.event_policies.%s: %q is not skip or halt", key, pol)
		}
	}
	return def, out, nil
}

func eventName(key string) (string, bool) {
	for _, n := range events.Names() {
		if strings.EqualFold(n, key) {
			return n, true
		}
	}
	return "", false
}

// Load reads the config at path and builds the process logger under name.
func Load(path, name string) (config.Config, *zap.Logger, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("load config: %w", err)
	}
	log, err := Logger(cfg.Log)
	if err != nil {
		return config.Config{}, nil, fmt.Errorf("build logger: %w", err)
	}
	return cfg, log.Named(name), nil
}

// DeadLetterService wires the operator service. Event replay goes through a
// projector that only applies; it never subscribes or takes the stream lease.
func DeadLetterService(sqlDB *sqlx.DB, cfg config.Config, log *zap.Logger) *deadletter.Service {
	commands := repository.NewCommandRepository(sqlDB, cfg.Dispatcher.DefaultMaxAttempts)
	replayer := projector.NewProjector(repository.NewProjectionStore(sqlDB), nil, nil, RetryPolicy(cfg.Retry), log.Named("replay"), "", "")
	return deadletter.NewService(sqlDB, repository.NewDeadLetterRepository(sqlDB), commands, replayer, log)
}
