// Package main wires together the application proxy service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mbecker/applyfleet/internal/api"
	"github.com/mbecker/applyfleet/internal/clock"
	"github.com/mbecker/applyfleet/internal/config"
	"github.com/mbecker/applyfleet/internal/control"
	controlmemory "github.com/mbecker/applyfleet/internal/control/memory"
	"github.com/mbecker/applyfleet/internal/logging"
	"github.com/mbecker/applyfleet/internal/proxy"
	"github.com/mbecker/applyfleet/internal/ratelimit"
	ratelimitmemory "github.com/mbecker/applyfleet/internal/ratelimit/memory"
	"github.com/mbecker/applyfleet/internal/session"
	sessionmemory "github.com/mbecker/applyfleet/internal/session/memory"
	"github.com/mbecker/applyfleet/internal/worker"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.System{}

	var (
		plane    control.Plane
		sessions session.Store
		buckets  ratelimit.BucketStore
	)
	window := time.Duration(cfg.RateLimit.WindowMs) * time.Millisecond
	idleTTL := time.Duration(cfg.RateLimit.IdleTTLSeconds) * time.Second

	switch cfg.Coordinator.Backend {
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Coordinator.Redis.Addr,
			Password: cfg.Coordinator.Redis.Password,
			DB:       cfg.Coordinator.Redis.DB,
		})
		defer func() {
			if closeErr := rdb.Close(); closeErr != nil {
				logger.Warn("redis close failed", zap.Error(closeErr))
			}
		}()
		redisPlane := control.NewRedisPlane(rdb, logger.Named("control"))
		plane = redisPlane
		sessions = session.NewRedisStore(rdb, clk, sessionPublisher(redisPlane, logger), logger.Named("session"))
		buckets = ratelimit.NewRedisStore(rdb, clk, window, idleTTL)
	default:
		memPlane := controlmemory.NewPlane()
		plane = memPlane
		sessions = sessionmemory.NewStore(clk, sessionPublisher(memPlane, logger))
		buckets = ratelimitmemory.NewStore(clk, window, idleTTL)
	}

	limiter := ratelimit.New(buckets, ratelimit.Config{
		CandidateRPS:   cfg.RateLimit.CandidateRPS,
		CandidateBurst: cfg.RateLimit.CandidateBurst,
		GlobalRPS:      cfg.RateLimit.GlobalRPS,
		GlobalBurst:    cfg.RateLimit.GlobalBurst,
		FallbackRPS:    cfg.RateLimit.FallbackRPS,
		FallbackBurst:  cfg.RateLimit.FallbackBurst,
	}, logger.Named("ratelimit"))

	forwarder := proxy.New(proxy.Config{
		Scheme:              cfg.Upstream.Scheme,
		PrimaryHost:         cfg.Upstream.PrimaryHost,
		EUHost:              cfg.Upstream.EUHost,
		Timeout:             cfg.UpstreamTimeout(),
		MaxIdleConns:        cfg.Upstream.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.Upstream.MaxIdleConnsPerHost,
		IdleConnTimeout:     time.Duration(cfg.Upstream.IdleConnTimeoutSec) * time.Second,
	}, clk, logger.Named("proxy"))

	applier := proxy.NewClient(forwarder, sessions, limiter, logger.Named("client"))

	runner := worker.NewRunner(
		plane,
		applier,
		worker.Config{
			CreateRetryDelay: time.Duration(cfg.Worker.CreateRetryDelayMs) * time.Millisecond,
			PollDelayMin:     time.Duration(cfg.Worker.PollDelayMinMs) * time.Millisecond,
			PollDelayMax:     time.Duration(cfg.Worker.PollDelayMaxMs) * time.Millisecond,
		},
		time.Duration(cfg.Worker.PollIntervalMs)*time.Millisecond,
		logger.Named("worker"),
	)

	apiServer := api.NewServer(sessions, plane, limiter, forwarder, cfg, clk, logger.Named("api"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("task runner started")
		runner.Run(ctx)
	}()

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

// sessionPublisher bridges session store events onto the control plane so
// every instance's /sessions/events stream sees them.
func sessionPublisher(plane control.Plane, logger *zap.Logger) session.Publisher {
	return func(evt session.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := plane.PublishSessionEvent(ctx, evt); err != nil {
			logger.Warn("session event publish failed", zap.Error(err))
		}
	}
}
