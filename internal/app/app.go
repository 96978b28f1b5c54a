package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	healthcheck "github.com/vladislavdragonenkov/storefront/internal/health"
	"github.com/vladislavdragonenkov/storefront/internal/httpapi"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/service/idempotency"
	"github.com/vladislavdragonenkov/storefront/internal/service/outbox"
	"github.com/vladislavdragonenkov/storefront/internal/version"
)

const shutdownTimeout = 5 * time.Second

// Run поднимает HTTP API, сервер метрик и фоновые воркеры
// и ждёт отмены ctx или падения любого из них.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")

	deps, err := NewDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	if cfg.SeedFile != "" {
		seed, err := LoadSeed(cfg.SeedFile)
		if err != nil {
			return err
		}
		if err := deps.Seed(ctx, seed); err != nil {
			return err
		}
	}

	fm := metrics.NewFulfillmentMetrics()
	svc := createServices(cfg, deps, fm, logger)

	kafkaRT, err := initKafka(cfg, svc.reconciler, logger)
	if err != nil {
		// Outbox копит события в хранилище до появления брокера.
		logger.WithError(err).Warn("kafka is unavailable, outbox events stay pending")
	}
	defer closeKafka(kafkaRT, logger)

	healthHandler := healthcheck.NewHandler(version.GetVersion())
	registerHealthChecks(healthHandler, cfg, deps, svc)
	kafkaRT.registerHealthCheck(healthHandler)

	api := httpapi.NewHandler(httpapi.Deps{
		Checkout:     svc.checkout,
		Orchestrator: svc.orchestrator,
		Batch:        svc.batch,
		Payments:     svc.reconciler,
		Idempotency:  deps.Idempotency,
		Timeout:      cfg.RequestTimeout,
	}, logger.WithField("layer", "http"))
	apiSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	metricsSrv, err := startMetricsServer(gctx, cfg.MetricsAddr, logger, healthHandler)
	if err != nil {
		return err
	}

	g.Go(func() error {
		logger.WithField("addr", cfg.HTTPAddr).Info("HTTP API listening")
		if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down HTTP API")
		shutdownHTTP(apiSrv, logger)
		return nil
	})

	if kafkaRT != nil {
		worker := outbox.NewWorker(deps.Outbox, kafkaRT.publisher,
			outbox.WithLogger(logger.WithField("component", "outbox-worker")),
			outbox.WithDLQPublisher(kafkaRT.dlq),
			outbox.WithPollInterval(cfg.OutboxPollInterval),
			outbox.WithBatchSize(cfg.OutboxBatchSize),
			outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
			outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
		)
		g.Go(func() error {
			worker.Run(gctx)
			return nil
		})
		g.Go(func() error {
			return kafkaRT.startConsumer(gctx, logger)
		})
	}

	cleanup := idempotency.NewCleanupWorker(deps.Idempotency,
		idempotency.WithLogger(logger.WithField("component", "idempotency-cleanup-worker")),
		idempotency.WithInterval(cfg.IdempotencyCleanupInterval),
		idempotency.WithBatchSize(cfg.IdempotencyCleanupBatchSize),
		idempotency.WithMaxBatches(cfg.IdempotencyCleanupMaxBatches),
	)
	g.Go(func() error {
		cleanup.Run(gctx)
		return nil
	})

	if svc.poller != nil {
		g.Go(func() error {
			svc.poller.Run(gctx)
			return nil
		})
	}

	err = g.Wait()
	shutdownHTTP(metricsSrv.srv, logger)
	if err != nil {
		return err
	}
	return ctx.Err()
}
