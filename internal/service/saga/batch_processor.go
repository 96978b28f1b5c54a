package saga

import (
	"context"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const (
	defaultMaxParallelOps = 8
	maxBatchSize          = 200
)

// TransitionRequest — один переход в пакетной операции.
type TransitionRequest struct {
	OrderID string
	To      domain.OrderStatus
	Note    string
}

// TransitionResult — итог перехода; Err содержит отказ по конкретному заказу.
type TransitionResult struct {
	OrderID string
	Order   domain.Order
	Err     error
}

// BatchProcessor применяет административные переходы пачкой
// (например, «отгрузить все собранные»), ограничивая параллелизм.
type BatchProcessor struct {
	orchestrator   Orchestrator
	logger         *log.Entry
	maxParallelOps int
}

// NewBatchProcessor создаёт новый батч-процессор.
func NewBatchProcessor(orchestrator Orchestrator, maxParallelOps int, logger *log.Entry) *BatchProcessor {
	if logger == nil {
		logger = log.New().WithField("component", "batch-processor")
	}
	if maxParallelOps <= 0 {
		maxParallelOps = defaultMaxParallelOps
	}
	return &BatchProcessor{
		orchestrator:   orchestrator,
		logger:         logger,
		maxParallelOps: maxParallelOps,
	}
}

// Process выполняет переходы и возвращает результаты в порядке запросов.
// Ошибка одного заказа не останавливает остальные.
func (bp *BatchProcessor) Process(ctx context.Context, requests []TransitionRequest) ([]TransitionResult, error) {
	if len(requests) == 0 {
		return nil, &domain.ValidationError{Field: "orders", Message: "at least one order is required"}
	}
	if len(requests) > maxBatchSize {
		return nil, &domain.ValidationError{Field: "orders", Message: "too many orders in one batch"}
	}
	seen := make(map[string]struct{}, len(requests))
	for _, req := range requests {
		if req.OrderID == "" {
			return nil, domain.ErrOrderIDRequired
		}
		if _, dup := seen[req.OrderID]; dup {
			return nil, &domain.ValidationError{Field: "orders", Message: "duplicate order " + req.OrderID}
		}
		seen[req.OrderID] = struct{}{}
	}

	results := make([]TransitionResult, len(requests))
	var g errgroup.Group
	g.SetLimit(bp.maxParallelOps)
	for i, req := range requests {
		g.Go(func() error {
			order, err := bp.orchestrator.Transition(ctx, req.OrderID, req.To, req.Note)
			results[i] = TransitionResult{OrderID: req.OrderID, Order: order, Err: err}
			return nil
		})
	}
	_ = g.Wait()

	failed := 0
	for _, r := range results {
		if r.Err != nil {
			failed++
		}
	}
	bp.logger.WithFields(log.Fields{
		"batch_size": len(requests),
		"failed":     failed,
	}).Info("batch transition processed")

	return results, nil
}
