package payment

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/service/saga"
)

// Deps — зависимости сверки платежей. Gateway нужен только для InitiatePayment.
type Deps struct {
	Orders   domain.OrderRepository
	Stock    domain.StockLedger
	Outbox   domain.OutboxRepository
	Gateway  domain.PaymentGateway
	Notifier domain.Notifier
	Metrics  *metrics.FulfillmentMetrics
	Retry    saga.RetryConfig
	Now      func() time.Time
}

// Reconciler сводит платёжные события из всех каналов (webhook, возврат
// покупателя, опрос шлюза, брокер) к одному идемпотентному применению.
type Reconciler struct {
	orders   domain.OrderRepository
	stock    domain.StockLedger
	outbox   domain.OutboxRepository
	gateway  domain.PaymentGateway
	notifier domain.Notifier
	metrics  *metrics.FulfillmentMetrics
	retry    saga.RetryConfig
	now      func() time.Time
	logger   *log.Entry
}

// NewReconciler создаёт сверку платежей.
func NewReconciler(deps Deps, logger *log.Entry) *Reconciler {
	if logger == nil {
		logger = log.New().WithField("component", "payment-reconciler")
	}
	if deps.Retry.MaxAttempts == 0 {
		deps.Retry = saga.DefaultRetryConfig()
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Reconciler{
		orders:   deps.Orders,
		stock:    deps.Stock,
		outbox:   deps.Outbox,
		gateway:  deps.Gateway,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		retry:    deps.Retry,
		now:      deps.Now,
		logger:   logger,
	}
}

// Apply применяет платёжное событие ровно один раз по его correlation id.
// Correlation id сохраняется в заказе той же compare-and-set записью,
// что меняет статус оплаты, поэтому повторная доставка даёт AlreadyApplied.
func (r *Reconciler) Apply(ctx context.Context, event domain.PaymentEvent) (domain.ApplyOutcome, error) {
	if errs := event.Validate(); len(errs) > 0 {
		r.record(event, "invalid")
		return "", fmt.Errorf("%w: %v", domain.ErrPaymentEventInvalid, errs[0])
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = r.now()
	}

	ctx, span := tracer.Start(ctx, "payment.Apply", trace.WithAttributes(
		attribute.String("order.id", event.OrderID),
		attribute.String("payment.kind", string(event.Kind)),
		attribute.String("payment.source", string(event.Source)),
	))
	defer span.End()

	logger := r.logger.WithFields(log.Fields{
		"order_id":       event.OrderID,
		"correlation_id": event.CorrelationID,
		"kind":           event.Kind,
		"source":         event.Source,
	})

	var (
		outcome domain.ApplyOutcome
		updated domain.Order
	)
	err := saga.RetryOnConflict(ctx, r.retry, logger, event.OrderID, r.recordConflict, func() error {
		order, err := r.orders.Get(ctx, event.OrderID)
		if err != nil {
			return err
		}
		if order.HasPayment(event.CorrelationID) {
			outcome = domain.ApplyOutcomeAlreadyApplied
			updated = order
			return nil
		}

		if err := r.applyKind(ctx, &order, event); err != nil {
			return err
		}
		order.Payments = append(order.Payments, domain.AppliedPayment{
			CorrelationID: event.CorrelationID,
			Kind:          event.Kind,
			Source:        event.Source,
			AppliedAt:     event.OccurredAt,
		})
		order.UpdatedAt = r.now()
		if err := r.orders.Save(ctx, order); err != nil {
			return err
		}
		order.Version++
		outcome = domain.ApplyOutcomeApplied
		updated = order
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "apply payment event failed")
		r.record(event, "error")
		logger.WithError(err).Warn("payment event not applied")
		return "", err
	}

	r.record(event, string(outcome))
	span.SetAttributes(attribute.String("payment.outcome", string(outcome)))
	if outcome == domain.ApplyOutcomeAlreadyApplied {
		logger.Debug("payment event already applied")
		return outcome, nil
	}

	logger.WithField("payment_status", updated.PaymentStatus).Info("payment event applied")
	r.emitEvent(ctx, updated, string(event.Kind))
	r.notify(ctx, updated, event)
	return outcome, nil
}

// applyKind меняет статус оплаты. Статус исполнения заказа не трогается.
func (r *Reconciler) applyKind(ctx context.Context, order *domain.Order, event domain.PaymentEvent) error {
	switch event.Kind {
	case domain.PaymentEventConfirmed:
		if order.PaymentStatus != domain.PaymentStatusRefunded {
			order.PaymentStatus = domain.PaymentStatusPaid
		}
	case domain.PaymentEventFailed:
		if order.PaymentStatus != domain.PaymentStatusPaid && order.PaymentStatus != domain.PaymentStatusRefunded {
			order.PaymentStatus = domain.PaymentStatusFailed
		}
	case domain.PaymentEventRefunded:
		order.PaymentStatus = domain.PaymentStatusRefunded
		if order.HasEffect(domain.EffectStockCommit) && !order.HasEffect(domain.EffectStockReverseSale) {
			// Ledger идемпотентен по заказу: повтор после конфликта версий безопасен.
			if err := r.stock.ReverseSale(ctx, order.ID, order.StockLines()); err != nil {
				return fmt.Errorf("reverse sale on refund: %w", err)
			}
			order.MarkEffect(domain.EffectStockReverseSale, r.now())
			if r.metrics != nil {
				r.metrics.RecordEffect(string(domain.EffectStockReverseSale))
			}
		}
	}
	return nil
}

// InitiatePayment создаёт платёжную ссылку в шлюзе и запоминает её в заказе.
func (r *Reconciler) InitiatePayment(ctx context.Context, orderID string) (domain.PaymentLink, error) {
	if orderID == "" {
		return domain.PaymentLink{}, domain.ErrOrderIDRequired
	}
	order, err := r.orders.Get(ctx, orderID)
	if err != nil {
		return domain.PaymentLink{}, err
	}
	if !order.PaymentChannel.UsesGateway() {
		return domain.PaymentLink{}, domain.ErrPaymentNotRequired
	}
	if order.PaymentStatus == domain.PaymentStatusPaid || order.PaymentStatus == domain.PaymentStatusRefunded {
		return domain.PaymentLink{}, fmt.Errorf("%w: payment is %s", domain.ErrPaymentNotRequired, order.PaymentStatus)
	}
	if order.Status == domain.OrderStatusCancelled || order.Status == domain.OrderStatusReturned {
		return domain.PaymentLink{}, fmt.Errorf("%w: order is %s", domain.ErrPaymentNotRequired, order.Status)
	}
	if r.gateway == nil {
		return domain.PaymentLink{}, fmt.Errorf("%w: gateway is not configured", domain.ErrGatewayUnavailable)
	}

	link, err := r.gateway.CreatePaymentLink(ctx, order)
	if err != nil {
		return domain.PaymentLink{}, err
	}

	err = saga.RetryOnConflict(ctx, r.retry, r.logger, orderID, r.recordConflict, func() error {
		fresh, err := r.orders.Get(ctx, orderID)
		if err != nil {
			return err
		}
		fresh.GatewayRef = link.GatewayRef
		fresh.UpdatedAt = r.now()
		return r.orders.Save(ctx, fresh)
	})
	if err != nil {
		return domain.PaymentLink{}, fmt.Errorf("save gateway reference: %w", err)
	}

	r.logger.WithFields(log.Fields{
		"order_id":    orderID,
		"gateway_ref": link.GatewayRef,
	}).Info("payment link created")
	return link, nil
}

func (r *Reconciler) record(event domain.PaymentEvent, outcome string) {
	if r.metrics != nil {
		r.metrics.RecordPaymentEvent(string(event.Kind), string(event.Source), outcome)
	}
}

func (r *Reconciler) recordConflict() {
	if r.metrics != nil {
		r.metrics.RecordVersionConflict()
	}
}

func (r *Reconciler) emitEvent(ctx context.Context, order domain.Order, note string) {
	if r.outbox == nil {
		return
	}
	msg, err := kafka.NewOrderOutboxMessage(kafka.EventTypeOrderPaymentUpdated, order, note)
	if err != nil {
		r.logger.WithError(err).WithField("order_id", order.ID).Error("build outbox event failed")
		return
	}
	if _, err := r.outbox.Enqueue(context.WithoutCancel(ctx), msg); err != nil {
		r.logger.WithError(err).WithField("order_id", order.ID).Error("enqueue payment event failed")
		return
	}
	if r.metrics != nil {
		r.metrics.RecordOutboxEvent()
	}
}

func (r *Reconciler) notify(ctx context.Context, order domain.Order, event domain.PaymentEvent) {
	if r.notifier == nil {
		return
	}
	message := fmt.Sprintf("Payment for order %s is %s", order.ID, order.PaymentStatus)
	if event.Reason != "" {
		message += ": " + event.Reason
	}
	err := r.notifier.Notify(ctx, domain.Notification{
		OrderID:    order.ID,
		CustomerID: order.CustomerID,
		Audience:   domain.AudienceCustomer,
		Status:     order.Status,
		Message:    message,
		At:         order.UpdatedAt,
	})
	if err != nil {
		r.logger.WithError(err).WithField("order_id", order.ID).Warn("notification failed")
	}
}
