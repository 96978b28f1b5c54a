package saga

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
)

var tracer = otel.Tracer("github.com/vladislavdragonenkov/storefront/internal/service/saga")

// Orchestrator управляет жизненным циклом заказа после оформления.
type Orchestrator interface {
	// Transition переводит заказ в статус to, применяя побочные эффекты перехода.
	Transition(ctx context.Context, orderID string, to domain.OrderStatus, note string) (domain.Order, error)
	// Cancel отменяет заказ с компенсацией резервов.
	Cancel(ctx context.Context, orderID, reason string) (domain.Order, error)
	// Purge компенсирует незакрытые эффекты и удаляет заказ.
	Purge(ctx context.Context, orderID, reason string) error
}

// Deps — зависимости оркестратора. Metrics и Notifier опциональны.
type Deps struct {
	Orders   domain.OrderRepository
	Outbox   domain.OutboxRepository
	Stock    domain.StockLedger
	Points   domain.PointLedger
	Vouchers domain.VoucherTracker
	Notifier domain.Notifier
	Metrics  *metrics.FulfillmentMetrics
	Retry    RetryConfig
	Now      func() time.Time
}

// orchestrator реализует переходы по протоколу
// claim (pending) → эффекты по одному с записью в заказ → видимый статус.
type orchestrator struct {
	orders   domain.OrderRepository
	outbox   domain.OutboxRepository
	stock    domain.StockLedger
	points   domain.PointLedger
	vouchers domain.VoucherTracker
	notifier domain.Notifier
	metrics  *metrics.FulfillmentMetrics
	retry    RetryConfig
	now      func() time.Time
	logger   *log.Entry
}

// NewOrchestrator создаёт рабочий экземпляр оркестратора.
func NewOrchestrator(deps Deps, logger *log.Entry) Orchestrator {
	if logger == nil {
		logger = log.New().WithField("component", "saga")
	}
	if deps.Retry.MaxAttempts == 0 {
		deps.Retry = DefaultRetryConfig()
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	return &orchestrator{
		orders:   deps.Orders,
		outbox:   deps.Outbox,
		stock:    deps.Stock,
		points:   deps.Points,
		vouchers: deps.Vouchers,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		retry:    deps.Retry,
		now:      deps.Now,
		logger:   logger,
	}
}

// Transition выполняет переход с повтором при конфликте версий.
func (o *orchestrator) Transition(ctx context.Context, orderID string, to domain.OrderStatus, note string) (domain.Order, error) {
	ctx, span := tracer.Start(ctx, "saga.Transition", trace.WithAttributes(
		attribute.String("order.id", orderID),
		attribute.String("order.to", string(to)),
	))
	defer span.End()

	start := time.Now()
	if o.metrics != nil {
		o.metrics.RecordTransitionStarted()
	}

	var result domain.Order
	err := RetryOnConflict(ctx, o.retry, o.logger, orderID, o.recordConflict, func() error {
		order, err := o.orders.Get(ctx, orderID)
		if err != nil {
			return err
		}
		result, err = o.advance(ctx, order, to, note)
		return err
	})

	if o.metrics != nil {
		o.metrics.RecordTransitionFinished(string(to), failureReason(err), time.Since(start))
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		o.logger.WithError(err).WithFields(log.Fields{
			"order_id": orderID,
			"to":       to,
		}).Warn("transition failed")
		return domain.Order{}, err
	}
	return result, nil
}

// Cancel — переход в cancelled с причиной в истории статусов.
func (o *orchestrator) Cancel(ctx context.Context, orderID, reason string) (domain.Order, error) {
	return o.Transition(ctx, orderID, domain.OrderStatusCancelled, reason)
}

// Purge удаляет заказ. Перед удалением незакрытые резервы всегда компенсируются.
func (o *orchestrator) Purge(ctx context.Context, orderID, reason string) error {
	ctx, span := tracer.Start(ctx, "saga.Purge", trace.WithAttributes(attribute.String("order.id", orderID)))
	defer span.End()

	var purged domain.Order
	err := RetryOnConflict(ctx, o.retry, o.logger, orderID, o.recordConflict, func() error {
		order, err := o.orders.Get(ctx, orderID)
		if err != nil {
			return err
		}
		for _, effect := range domain.PlanPurge(order) {
			if err := o.applyAndRecord(ctx, &order, effect); err != nil {
				return err
			}
		}
		if err := o.orders.Delete(ctx, order.ID, order.Version); err != nil {
			return err
		}
		purged = order
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	o.logger.WithFields(log.Fields{
		"order_id": orderID,
		"status":   purged.Status,
		"reason":   reason,
	}).Info("order purged")
	o.emitEvent(ctx, purged, kafka.EventTypeOrderPurged, reason)
	return nil
}

// advance выполняет одну попытку перехода над свежей копией заказа.
func (o *orchestrator) advance(ctx context.Context, order domain.Order, to domain.OrderStatus, note string) (domain.Order, error) {
	if order.Pending != nil && order.Pending.To != to {
		return domain.Order{}, fmt.Errorf("%w: %s → %s", domain.ErrTransitionInProgress, order.Status, order.Pending.To)
	}
	if err := order.CheckTransition(to); err != nil {
		return domain.Order{}, err
	}

	if order.Pending == nil {
		order.Pending = &domain.PendingTransition{To: to, Note: note, RequestedAt: o.now()}
		if err := o.save(ctx, &order); err != nil {
			return domain.Order{}, err
		}
	} else {
		o.logger.WithFields(log.Fields{
			"order_id": order.ID,
			"to":       to,
		}).Info("resuming pending transition")
		if note == "" {
			note = order.Pending.Note
		}
	}

	for _, effect := range domain.PlanEffects(order, to) {
		if err := o.applyAndRecord(ctx, &order, effect); err != nil {
			return domain.Order{}, err
		}
	}

	now := o.now()
	from := order.Status
	order.Status = to
	order.Pending = nil
	order.AppendHistory(to, note, now)
	if err := o.save(ctx, &order); err != nil {
		return domain.Order{}, err
	}

	o.logger.WithFields(log.Fields{
		"order_id": order.ID,
		"from":     from,
		"to":       to,
		"version":  order.Version,
	}).Info("order status changed")

	o.emitEvent(ctx, order, kafka.EventTypeOrderStatusChanged, note)
	if to == domain.OrderStatusCancelled {
		o.emitEvent(ctx, order, kafka.EventTypeOrderCancelled, note)
	}
	o.notify(ctx, order, note)
	return order, nil
}

// applyAndRecord применяет эффект через идемпотентный леджер и сразу
// фиксирует его в заказе, чтобы повтор не выполнял эффект второй раз.
func (o *orchestrator) applyAndRecord(ctx context.Context, order *domain.Order, effect domain.EffectKind) error {
	if err := o.applyEffect(ctx, order, effect); err != nil {
		o.logger.WithError(err).WithFields(log.Fields{
			"order_id": order.ID,
			"effect":   effect,
		}).Error("side effect failed")
		return fmt.Errorf("apply %s: %w", effect, err)
	}
	order.MarkEffect(effect, o.now())
	if err := o.save(ctx, order); err != nil {
		return err
	}
	if o.metrics != nil {
		o.metrics.RecordEffect(string(effect))
	}
	o.logger.WithFields(log.Fields{
		"order_id": order.ID,
		"effect":   effect,
	}).Debug("side effect recorded")
	return nil
}

func (o *orchestrator) applyEffect(ctx context.Context, order *domain.Order, effect domain.EffectKind) error {
	switch effect {
	case domain.EffectStockRelease:
		return o.stock.Release(ctx, order.ID, order.StockLines())
	case domain.EffectStockCommit:
		return o.stock.CommitSale(ctx, order.ID, order.StockLines())
	case domain.EffectStockReverseSale:
		return o.stock.ReverseSale(ctx, order.ID, order.StockLines())
	case domain.EffectPointsReverse:
		return o.points.Reverse(ctx, order.ID)
	case domain.EffectPointsAward:
		_, err := o.points.Award(ctx, order.CustomerID, order.ID, pointsBase(*order))
		if errors.Is(err, domain.ErrPointsAlreadyAwarded) {
			return nil
		}
		return err
	case domain.EffectVoucherRelease:
		if order.Voucher == nil {
			return nil
		}
		return o.vouchers.Release(ctx, order.Voucher.Code, order.CustomerID, order.ID)
	case domain.EffectPaymentCollected:
		order.PaymentStatus = domain.PaymentStatusPaid
		return nil
	default:
		return fmt.Errorf("unknown effect %q", effect)
	}
}

// pointsBase возвращает сумму для начисления баллов: итог без доставки.
func pointsBase(order domain.Order) int64 {
	base := order.Totals.GrandTotalMinor - order.Totals.ShippingFeeMinor
	if base < 0 {
		return 0
	}
	return base
}

// save сохраняет заказ с optimistic locking и синхронизирует версию в памяти.
func (o *orchestrator) save(ctx context.Context, order *domain.Order) error {
	order.UpdatedAt = o.now()
	if err := o.orders.Save(ctx, *order); err != nil {
		return err
	}
	order.Version++
	return nil
}

func (o *orchestrator) recordConflict() {
	if o.metrics != nil {
		o.metrics.RecordVersionConflict()
	}
}

func (o *orchestrator) emitEvent(ctx context.Context, order domain.Order, eventType kafka.EventType, note string) {
	if o.outbox == nil {
		return
	}
	msg, err := kafka.NewOrderOutboxMessage(eventType, order, note)
	if err != nil {
		o.logger.WithError(err).WithField("order_id", order.ID).Error("build outbox event failed")
		return
	}
	// Контекст запроса может быть уже отменён, а событие должно попасть в outbox.
	if _, err := o.outbox.Enqueue(context.WithoutCancel(ctx), msg); err != nil {
		o.logger.WithError(err).WithFields(log.Fields{
			"order_id": order.ID,
			"event":    eventType,
		}).Error("enqueue event failed")
	} else if o.metrics != nil {
		o.metrics.RecordOutboxEvent()
	}
}

// notify уведомляет клиента и администратора. Ошибки только логируются.
func (o *orchestrator) notify(ctx context.Context, order domain.Order, note string) {
	if o.notifier == nil {
		return
	}
	message := fmt.Sprintf("Order %s is now %s", order.ID, order.Status)
	if note != "" {
		message += ": " + note
	}
	for _, audience := range []domain.NotificationAudience{domain.AudienceCustomer, domain.AudienceAdmin} {
		err := o.notifier.Notify(ctx, domain.Notification{
			OrderID:    order.ID,
			CustomerID: order.CustomerID,
			Audience:   audience,
			Status:     order.Status,
			Message:    message,
			At:         order.UpdatedAt,
		})
		if err != nil {
			o.logger.WithError(err).WithFields(log.Fields{
				"order_id": order.ID,
				"audience": audience,
			}).Warn("notification failed")
		}
	}
}

func failureReason(err error) string {
	switch {
	case err == nil:
		return ""
	case domain.IsIllegalTransition(err):
		return "illegal_transition"
	case errors.Is(err, domain.ErrTransitionInProgress):
		return "in_progress"
	case errors.Is(err, domain.ErrOrderNotFound):
		return "not_found"
	case domain.IsVersionConflict(err):
		return "version_conflict"
	default:
		return "effect_failed"
	}
}

var _ Orchestrator = (*orchestrator)(nil)
