package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/redis/go-redis/v9"

	"github.com/privacytap/dpquery/config"
	"github.com/privacytap/dpquery/internal/broker"
	"github.com/privacytap/dpquery/internal/cache"
	"github.com/privacytap/dpquery/internal/catalog"
	"github.com/privacytap/dpquery/internal/connector"
	"github.com/privacytap/dpquery/internal/domain"
	"github.com/privacytap/dpquery/internal/dpbackend"
	ctxlog "github.com/privacytap/dpquery/internal/log"
	"github.com/privacytap/dpquery/internal/metrics"
	"github.com/privacytap/dpquery/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger := newLogger(cfg.Env, cfg.SlogLevel())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	rdb := redis.NewClient(&redis.Options{Addr: cfg.BrokerAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		stop()
		log.Fatalf("broker: %v", err)
	}
	defer rdb.Close()

	cat := catalog.New(cfg.CatalogPath)
	if err := cat.Load(ctx); err != nil {
		stop()
		log.Fatalf("catalog: %v", err)
	}

	registry := dpbackend.NewRegistry()
	if cfg.DPLibrarySQLEnabled {
		registry.Register(domain.LibrarySQL, dpbackend.NewSQLAdapter())
	}
	if cfg.DPLibraryPipelineEnabled {
		registry.Register(domain.LibraryPipeline, dpbackend.NewPipelineAdapter())
	}
	if cfg.DPLibrarySynthEnabled {
		registry.Register(domain.LibrarySynth, dpbackend.NewSynthAdapter())
	}
	if cfg.DPLibraryClassicalEnabled {
		registry.Register(domain.LibraryClassical, dpbackend.NewClassicalAdapter())
	}

	taskBroker := broker.NewRedisBroker(rdb)
	dcc := cache.New(cfg.DCCCapacity, map[domain.ConnectorKind]connector.Factory{
		domain.ConnectorPath:     connector.PathFactory{},
		domain.ConnectorS3:       connector.S3Factory{},
		domain.ConnectorInMemory: connector.MemoryFactory{},
	})

	pool := worker.NewPool(taskBroker, registry, cat, dcc, logger, time.Duration(cfg.VisibilityTimeoutSec)*time.Second)

	metrics.Register()
	metricsSrv := metrics.NewServer(":" + cfg.MetricsPort)
	go func() {
		logger.Info("metrics server started", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()

	done := make(chan struct{})
	go func() {
		defer close(done)
		logger.Info("worker pool started", "tags", registry.Tags())
		pool.Run(ctx, cfg.Workers)
	}()

	<-ctx.Done()
	stop()
	logger.Info("shutting down...")
	<-done

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown", "error", err)
	}
}

func newLogger(env string, level slog.Level) *slog.Logger {
	var inner slog.Handler
	if env == "local" {
		inner = tint.NewHandler(os.Stdout, &tint.Options{
			Level:      level,
			TimeFormat: time.Kitchen,
		})
	} else {
		inner = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	}
	return slog.New(ctxlog.NewContextHandler(inner))
}
