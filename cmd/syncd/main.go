// Command syncd runs one catalog synchronization pass: it discovers the
// newest feed folder in the object store, fans the CSVs out over the job
// queue, reconciles every row against the remote catalog, and exits once
// all feeds are accounted for.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/woo-catalog-sync/internal/adapter/catalog/woo"
	"github.com/fairyhunter13/woo-catalog-sync/internal/adapter/checkpoint"
	httpserver "github.com/fairyhunter13/woo-catalog-sync/internal/adapter/httpserver"
	"github.com/fairyhunter13/woo-catalog-sync/internal/adapter/objectstore/s3"
	"github.com/fairyhunter13/woo-catalog-sync/internal/adapter/observability"
	"github.com/fairyhunter13/woo-catalog-sync/internal/adapter/queue/redpanda"
	"github.com/fairyhunter13/woo-catalog-sync/internal/app"
	"github.com/fairyhunter13/woo-catalog-sync/internal/config"
	"github.com/fairyhunter13/woo-catalog-sync/internal/service/rategate"
	"github.com/fairyhunter13/woo-catalog-sync/internal/usecase"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger, closeLogs, err := observability.SetupLogger(cfg)
	if err != nil {
		panic(err)
	}
	defer closeLogs()
	slog.SetDefault(logger)

	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("failed to setup tracing", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	if cfg.APIBaseURL() == "" {
		slog.Error("no catalog API base URL configured for mode", slog.String("mode", cfg.ExecutionMode))
		os.Exit(1)
	}

	ctx := context.Background()

	// Infra: Redis carries counters, watermarks and the dedup index.
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer func() { _ = rdb.Close() }()

	cps, err := checkpoint.New(rdb, cfg.CheckpointPath)
	if err != nil {
		slog.Error("checkpoint store init failed", slog.Any("error", err))
		os.Exit(1)
	}

	store, err := s3.New(ctx, cfg)
	if err != nil {
		slog.Error("object store connect failed", slog.Any("error", err))
		os.Exit(1)
	}

	updates, err := observability.NewUpdatesLog(cfg.OutputDir)
	if err != nil {
		slog.Error("updates log open failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = updates.Close() }()

	// Remote catalog behind the rate gate.
	gate := rategate.New(rategate.Settings{
		MaxConcurrent: cfg.GateMaxConcurrent(),
		MinSpacing:    cfg.GateMinSpacing(),
		MaxAttempts:   cfg.RateMaxAttempts,
		BaseDelay:     cfg.RateBaseDelay,
		WaitObserve:   observability.RateGateWaitSeconds.Observe,
	})
	fieldMap := cfg.GetFieldMap()
	catalog := woo.New(cfg.APIBaseURL(), cfg.WooConsumerKey, cfg.WooConsumerSecret, gate, fieldMap.MetaKeys())

	// Queue client (Redpanda producer)
	producer, err := redpanda.NewProducer(cfg.KafkaBrokers, cfg.KafkaTopic, rdb)
	if err != nil {
		slog.Error("redpanda producer connect failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := producer.Close(); err != nil {
			slog.Error("failed to close queue producer", slog.Any("error", err))
		}
	}()

	// Usecases
	ingest := usecase.NewIngestService(store, producer, cps, cfg.BatchSize, cfg.IngestMaxConsecutiveErrors)
	reconciler := usecase.NewReconcileService(catalog, fieldMap)
	worker := usecase.NewWorkerService(reconciler, catalog, cps, updates)
	worker.Observe = observability.ObserveRow

	consumer, err := redpanda.NewConsumer(
		cfg.KafkaBrokers, cfg.KafkaGroup, cfg.KafkaTopic,
		cfg.Concurrency, cfg.DeliveryPolicy(),
		worker.ProcessJob, app.EventLogger(cps),
	)
	if err != nil {
		slog.Error("redpanda consumer connect failed", slog.Any("error", err))
		os.Exit(1)
	}

	// Optional dashboard.
	var dash *http.Server
	if cfg.DashboardEnabled() {
		srv := httpserver.NewServer(cfg, cps, app.BuildReadinessCheck(app.GoRedis{C: rdb}))
		dash = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           app.BuildRouter(cfg, srv),
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			slog.Info("dashboard starting", slog.Int("port", cfg.Port))
			if err := dash.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("dashboard server error", slog.Any("error", err))
			}
		}()
	}

	supervisor := app.NewSupervisor(cfg, store, cps, ingest, consumer)
	runErr := supervisor.Run(ctx)

	if dash != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		_ = dash.Shutdown(shutdownCtx)
	}

	if runErr != nil {
		slog.Error("sync run failed", slog.Any("error", runErr))
		os.Exit(1)
	}
	slog.Info("sync run finished")
}
