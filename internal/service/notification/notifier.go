package notification

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
)

// Message — полезная нагрузка notification.requested в outbox.
type Message struct {
	OrderID    string    `json:"order_id"`
	CustomerID string    `json:"customer_id"`
	Audience   string    `json:"audience"`
	Status     string    `json:"status"`
	Message    string    `json:"message"`
	At         time.Time `json:"at"`
}

// OutboxNotifier ставит уведомления в outbox; доставку делает outbox worker.
type OutboxNotifier struct {
	outbox domain.OutboxRepository
	logger *log.Entry
}

var _ domain.Notifier = (*OutboxNotifier)(nil)

// NewOutboxNotifier создаёт notifier поверх outbox.
func NewOutboxNotifier(outbox domain.OutboxRepository, logger *log.Entry) *OutboxNotifier {
	if logger == nil {
		logger = log.New().WithField("component", "notifier")
	}
	return &OutboxNotifier{outbox: outbox, logger: logger}
}

// Notify записывает уведомление в outbox.
func (n *OutboxNotifier) Notify(ctx context.Context, note domain.Notification) error {
	if note.OrderID == "" {
		return domain.ErrOrderIDRequired
	}
	if note.At.IsZero() {
		note.At = time.Now().UTC()
	}

	payload, err := json.Marshal(Message{
		OrderID:    note.OrderID,
		CustomerID: note.CustomerID,
		Audience:   string(note.Audience),
		Status:     string(note.Status),
		Message:    note.Message,
		At:         note.At,
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}

	_, err = n.outbox.Enqueue(context.WithoutCancel(ctx), domain.OutboxMessage{
		AggregateType: domain.AggregateOrder,
		AggregateID:   note.OrderID,
		EventType:     string(kafka.EventTypeNotificationRequested),
		Payload:       payload,
	})
	if err != nil {
		return fmt.Errorf("enqueue notification: %w", err)
	}

	n.logger.WithFields(log.Fields{
		"order_id": note.OrderID,
		"audience": note.Audience,
	}).Debug("notification queued")
	return nil
}
