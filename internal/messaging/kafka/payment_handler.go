package kafka

import (
	"context"
	"errors"
	"fmt"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// PaymentApplier применяет нормализованное платёжное событие к заказу.
type PaymentApplier interface {
	Apply(ctx context.Context, event domain.PaymentEvent) (domain.ApplyOutcome, error)
}

// NewPaymentEventHandler возвращает обработчик TopicPaymentEvents.
// Битый payload и неизвестный заказ считаются постоянной ошибкой.
func NewPaymentEventHandler(applier PaymentApplier, logger *log.Entry) MessageHandler {
	if logger == nil {
		logger = log.New().WithField("component", "kafka-payment-handler")
	}

	return func(ctx context.Context, message *sarama.ConsumerMessage) error {
		raw, err := ParsePaymentEvent(message)
		if err != nil {
			return Permanent(err)
		}
		event, err := raw.ToDomain()
		if err != nil {
			return Permanent(err)
		}

		outcome, err := applier.Apply(ctx, event)
		if err != nil {
			if errors.Is(err, domain.ErrOrderNotFound) {
				return Permanent(err)
			}
			return fmt.Errorf("apply payment event: %w", err)
		}

		logger.WithFields(log.Fields{
			"order_id":       event.OrderID,
			"correlation_id": event.CorrelationID,
			"kind":           event.Kind,
			"outcome":        outcome,
			"offset":         message.Offset,
		}).Info("payment event consumed")
		return nil
	}
}
