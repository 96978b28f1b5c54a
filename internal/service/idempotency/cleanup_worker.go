package idempotency

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const (
	defaultCleanupInterval  = 10 * time.Minute
	defaultCleanupBatchSize = 500
	// defaultMaxBatches ограничивает один прогон, чтобы большой хвост не держал
	// соединение с базой дольше интервала.
	defaultMaxBatches = 20

	outcomeAnswered  = "answered"
	outcomeAbandoned = "abandoned"
)

var tracer = otel.Tracer("github.com/vladislavdragonenkov/storefront/internal/service/idempotency")

var (
	cleanupRunsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storefront_idempotency_cleanup_runs_total",
		Help: "Idempotency cleanup runs by result.",
	}, []string{"result"})
	expiredKeysTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "storefront_idempotency_expired_keys_total",
		Help: "Expired idempotency keys removed, by storefront operation and whether the client ever got a response.",
	}, []string{"scope", "outcome"})
	cleanupLastRun = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "storefront_idempotency_cleanup_last_success_timestamp_seconds",
		Help: "Unix time of the last successful idempotency cleanup run.",
	})
)

// PurgeReport — итог одного прогона очистки.
type PurgeReport struct {
	Deleted int
	// Abandoned — истёкшие в статусе processing ключи по операциям.
	Abandoned map[domain.IdempotencyScope]int
	// Truncated — прогон упёрся в лимит батчей, остаток уйдёт в следующий.
	Truncated bool
}

func (r *PurgeReport) add(keys []domain.ExpiredIdempotencyKey) {
	r.Deleted += len(keys)
	for _, k := range keys {
		outcome := outcomeAnswered
		if k.Abandoned() {
			outcome = outcomeAbandoned
			if r.Abandoned == nil {
				r.Abandoned = make(map[domain.IdempotencyScope]int)
			}
			r.Abandoned[k.Scope]++
		}
		expiredKeysTotal.WithLabelValues(string(k.Scope), outcome).Inc()
	}
}

// CleanupOptions задает параметры воркера очистки.
type CleanupOptions struct {
	Logger     *log.Entry
	Interval   time.Duration
	BatchSize  int
	MaxBatches int
}

// CleanupOption настраивает CleanupWorker.
type CleanupOption func(*CleanupOptions)

// WithLogger задает logger.
func WithLogger(logger *log.Entry) CleanupOption {
	return func(opts *CleanupOptions) { opts.Logger = logger }
}

// WithInterval задает интервал между прогонами.
func WithInterval(interval time.Duration) CleanupOption {
	return func(opts *CleanupOptions) { opts.Interval = interval }
}

// WithBatchSize задает размер одного удаления.
func WithBatchSize(batchSize int) CleanupOption {
	return func(opts *CleanupOptions) { opts.BatchSize = batchSize }
}

// WithMaxBatches задает максимум удалений за прогон.
func WithMaxBatches(n int) CleanupOption {
	return func(opts *CleanupOptions) { opts.MaxBatches = n }
}

// CleanupWorker удаляет просроченные ключи идемпотентности витрины и
// отдельно считает брошенные запросы: checkout или cancel, истёкший в
// processing, значит, что клиент так и не получил ответ.
type CleanupWorker struct {
	repo       domain.IdempotencyRepository
	logger     *log.Entry
	interval   time.Duration
	batchSize  int
	maxBatches int
	now        func() time.Time
}

// NewCleanupWorker создает воркер очистки.
func NewCleanupWorker(repo domain.IdempotencyRepository, options ...CleanupOption) *CleanupWorker {
	opts := CleanupOptions{
		Interval:   defaultCleanupInterval,
		BatchSize:  defaultCleanupBatchSize,
		MaxBatches: defaultMaxBatches,
	}
	for _, option := range options {
		option(&opts)
	}
	if opts.Logger == nil {
		opts.Logger = log.WithField("component", "idempotency-cleanup-worker")
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultCleanupInterval
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultCleanupBatchSize
	}
	if opts.MaxBatches <= 0 {
		opts.MaxBatches = defaultMaxBatches
	}

	return &CleanupWorker{
		repo:       repo,
		logger:     opts.Logger,
		interval:   opts.Interval,
		batchSize:  opts.BatchSize,
		maxBatches: opts.MaxBatches,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Run чистит ключи сразу и затем каждые interval до отмены ctx.
func (w *CleanupWorker) Run(ctx context.Context) {
	if w.repo == nil {
		w.logger.Warn("idempotency cleanup worker is disabled: repo is nil")
		return
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.runOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *CleanupWorker) runOnce(ctx context.Context) {
	report, err := w.Purge(ctx, w.now())
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		cleanupRunsTotal.WithLabelValues("error").Inc()
		w.logger.WithError(err).WithField("deleted", report.Deleted).Warn("idempotency cleanup run failed")
		return
	}

	cleanupRunsTotal.WithLabelValues("ok").Inc()
	cleanupLastRun.SetToCurrentTime()

	if len(report.Abandoned) > 0 {
		fields := log.Fields{"deleted": report.Deleted}
		for scope, n := range report.Abandoned {
			fields["abandoned_"+string(scope)] = n
		}
		w.logger.WithFields(fields).Warn("expired idempotency keys include requests that never got a response")
	} else if report.Deleted > 0 {
		w.logger.WithField("deleted", report.Deleted).Info("idempotency cleanup completed")
	}
	if report.Truncated {
		w.logger.WithField("max_batches", w.maxBatches).Info("idempotency cleanup hit batch limit, rest is left for the next run")
	}
}

// Purge удаляет ключи с ttl <= before батчами, не больше maxBatches за вызов.
func (w *CleanupWorker) Purge(ctx context.Context, before time.Time) (report PurgeReport, err error) {
	if before.IsZero() {
		before = w.now()
	}

	ctx, span := tracer.Start(ctx, "idempotency.Purge")
	defer func() {
		span.SetAttributes(
			attribute.Int("idempotency.deleted", report.Deleted),
			attribute.Int("idempotency.abandoned", abandonedTotal(report.Abandoned)),
			attribute.Bool("idempotency.truncated", report.Truncated),
		)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	for batch := 0; ; batch++ {
		if batch == w.maxBatches {
			report.Truncated = true
			return report, nil
		}
		if err := ctx.Err(); err != nil {
			return report, err
		}

		keys, err := w.repo.DeleteExpired(ctx, before, w.batchSize)
		if err != nil {
			return report, err
		}
		report.add(keys)
		if len(keys) < w.batchSize {
			return report, nil
		}
	}
}

func abandonedTotal(m map[domain.IdempotencyScope]int) int {
	total := 0
	for _, n := range m {
		total += n
	}
	return total
}
