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
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/privacytap/dpquery/config"
	"github.com/privacytap/dpquery/internal/broker"
	"github.com/privacytap/dpquery/internal/cache"
	"github.com/privacytap/dpquery/internal/catalog"
	"github.com/privacytap/dpquery/internal/connector"
	"github.com/privacytap/dpquery/internal/domain"
	"github.com/privacytap/dpquery/internal/dpbackend"
	"github.com/privacytap/dpquery/internal/dummy"
	"github.com/privacytap/dpquery/internal/engine"
	"github.com/privacytap/dpquery/internal/health"
	"github.com/privacytap/dpquery/internal/infrastructure/postgres"
	ctxlog "github.com/privacytap/dpquery/internal/log"
	"github.com/privacytap/dpquery/internal/metrics"
	"github.com/privacytap/dpquery/internal/timingshaper"
	httptransport "github.com/privacytap/dpquery/internal/transport/http"
	"github.com/privacytap/dpquery/internal/transport/http/handler"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	secrets, err := config.LoadSecrets()
	if err != nil {
		log.Fatalf("secrets: %v", err)
	}

	logger := newLogger(cfg.Env, cfg.SlogLevel())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	pool, err := postgres.NewPool(ctx, secrets.AdminDatabaseDSN)
	if err != nil {
		stop()
		log.Fatalf("db: %v", err)
	}
	defer pool.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.BrokerAddr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		stop()
		log.Fatalf("broker: %v", err)
	}
	defer rdb.Close()

	admin := postgres.NewAdminStore(pool)
	cat := catalog.New(cfg.CatalogPath)
	if err := cat.Load(ctx); err != nil {
		stop()
		log.Fatalf("catalog: %v", err)
	}

	registry := buildRegistry(cfg)
	taskBroker := broker.NewRedisBroker(rdb)
	dcc := cache.New(cfg.DCCCapacity, map[domain.ConnectorKind]connector.Factory{
		domain.ConnectorPath:     connector.PathFactory{},
		domain.ConnectorS3:       connector.S3Factory{},
		domain.ConnectorInMemory: connector.MemoryFactory{},
	})

	eng := engine.New(engine.Deps{
		Admin:         admin,
		Catalog:       cat,
		DCC:           dcc,
		Registry:      registry,
		Broker:        taskBroker,
		DG:            dummy.New(),
		Shaper:        timingshaper.New(timingshaper.Method(cfg.TimeAttackMethod), cfg.TimeAttackMagnitude),
		Logger:        logger,
		SubmitLimit:   cfg.SubmitLimit,
		CASMaxRetries: cfg.BudgetCASMaxRetries,
		ReplyTimeout:  30 * time.Second,
	})

	metrics.Register()
	checker := health.NewChecker(admin, taskBroker, logger, prometheus.DefaultRegisterer)

	handlers := httptransport.Handlers{
		Query:   handler.NewQueryHandler(eng),
		Dataset: handler.NewDatasetHandler(cat),
		Budget:  handler.NewBudgetHandler(eng),
		State:   handler.NewStateHandler(checker),
	}

	srv := http.Server{
		Addr:    cfg.ServerHostIP + ":" + cfg.ServerHostPort,
		Handler: httptransport.NewRouter(logger, handlers, cfg.DevelopMode),
	}
	metricsSrv := metrics.NewServer(":" + cfg.MetricsPort)

	go func() {
		logger.Info("server started", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server: %v", err)
		}
	}()

	go func() {
		logger.Info("metrics server started", "port", cfg.MetricsPort)
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()

	<-ctx.Done()
	stop()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "error", err)
	}
	if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error("metrics server shutdown", "error", err)
	}
}

func buildRegistry(cfg *config.Config) *dpbackend.Registry {
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
	return registry
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
