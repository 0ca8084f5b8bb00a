package http

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/jmehdipour/ledger-bridge/internal/deadletter"
	"github.com/jmehdipour/ledger-bridge/internal/http/middleware"
	"github.com/jmehdipour/ledger-bridge/internal/logger"
	"github.com/jmehdipour/ledger-bridge/internal/repository"
	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Deps are the stores the admin surface reads from and the operator actions it exposes.
type Deps struct {
	Commands    repository.CommandRepository
	Checkpoints repository.CheckpointRepository
	ReadModels  repository.ReadModelRepository
	DeadLetters *deadletter.Service
	Archive     repository.EventArchive // nil when clickhouse is disabled

	Redis       redis.UniversalClient // nil disables mutation rate limiting
	MutationRPS int

	Log      *zap.Logger
	LogLevel string
}

type Server struct {
	e   *echo.Echo
	log *zap.Logger
}

func NewServer(d Deps) *Server {
	// echo
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Logger.SetLevel(echoLevel(d.LogLevel))
	e.Use(echoMid.Recover(), echoMid.Logger())

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// health
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	// routes
	v1 := e.Group("/v1")
	v1.GET("/commands", listCommandsHandler(d.Commands))
	v1.GET("/commands/:id", getCommandHandler(d.Commands))
	v1.GET("/checkpoints/:stream", getCheckpointHandler(d.Checkpoints, d.ReadModels))
	v1.GET("/streams/:stream/archive", listArchiveHandler(d.Archive))
	v1.GET("/wallets", listWalletsHandler(d.ReadModels))
	v1.GET("/wallets/:id", getWalletHandler(d.ReadModels))
	v1.GET("/wallets/:id/transfers", listTransfersHandler(d.ReadModels))
	v1.GET("/profiles/:id", getProfileHandler(d.ReadModels))

	rlMW := middleware.RateLimitMiddleware(middleware.RateLimitConfig{
		Redis:          d.Redis,
		RPS:            d.MutationRPS,
		KeyPrefix:      "rl:dlq:",
		RetryAfterHint: true,
	})
	dlq := v1.Group("/dead-letters")
	dlq.GET("", listDeadLettersHandler(d.DeadLetters))
	dlq.GET("/:id", getDeadLetterHandler(d.DeadLetters))
	dlq.POST("/:id/replay", replayDeadLetterHandler(d.DeadLetters), rlMW)
	dlq.POST("/:id/discard", discardDeadLetterHandler(d.DeadLetters), rlMW)

	return &Server{e: e, log: logger.OrNop(d.Log)}
}

// NewMetricsServer serves only /metrics and /healthz, for the worker processes.
func NewMetricsServer(log *zap.Logger) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(echoMid.Recover())
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	return &Server{e: e, log: logger.OrNop(log)}
}

// Handler exposes the router, mainly for httptest.
func (s *Server) Handler() http.Handler { return s.e }

func (s *Server) Start(addr string) error {
	s.log.Info("http: listening", zap.String("addr", addr))
	err := s.e.Start(addr)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }

func echoLevel(level string) log.Lvl {
	switch strings.ToLower(level) {
	case "debug":
		return log.DEBUG
	case "warn":
		return log.WARN
	case "error":
		return log.ERROR
	default:
		return log.INFO
	}
}
