package kafka

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// EventType определяет тип события
type EventType string

const (
	// Order события (публикуются из outbox)
	EventTypeOrderCreated        EventType = "order.created"
	EventTypeOrderStatusChanged  EventType = "order.status_changed"
	EventTypeOrderCancelled      EventType = "order.cancelled"
	EventTypeOrderPurged         EventType = "order.purged"
	EventTypeOrderPaymentUpdated EventType = "order.payment_updated"

	// Уведомления для клиента и администратора
	EventTypeNotificationRequested EventType = "notification.requested"
)

// Topics для Kafka
const (
	TopicOrderEvents     = "storefront.order.events"
	TopicNotifications   = "storefront.notifications"
	TopicPaymentEvents   = "storefront.payment.events"
	TopicDeadLetterQueue = "storefront.dlq" // Dead Letter Queue для failed messages
)

// Kafka headers для retry логики
const (
	HeaderRetryCount    = "x-retry-count"
	HeaderOriginalTopic = "x-original-topic"
	HeaderErrorMessage  = "x-error-message"
	HeaderFailedAt      = "x-failed-at"
	HeaderEventType     = "x-event-type"
)

// TopicFor выбирает topic для outbox-события по его типу.
func TopicFor(eventType string) string {
	if strings.HasPrefix(eventType, "notification.") {
		return TopicNotifications
	}
	return TopicOrderEvents
}

// OrderEvent — полезная нагрузка order-событий в outbox.
type OrderEvent struct {
	EventType     EventType `json:"event_type"`
	OrderID       string    `json:"order_id"`
	CustomerID    string    `json:"customer_id"`
	Status        string    `json:"status"`
	PaymentStatus string    `json:"payment_status,omitempty"`
	Note          string    `json:"note,omitempty"`
	GrandTotal    int64     `json:"grand_total_minor,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// NewOrderEvent создаёт событие по текущему состоянию заказа.
func NewOrderEvent(eventType EventType, order domain.Order, note string) OrderEvent {
	return OrderEvent{
		EventType:     eventType,
		OrderID:       order.ID,
		CustomerID:    order.CustomerID,
		Status:        string(order.Status),
		PaymentStatus: string(order.PaymentStatus),
		Note:          note,
		GrandTotal:    order.Totals.GrandTotalMinor,
		Timestamp:     order.UpdatedAt,
	}
}

// NewOrderOutboxMessage упаковывает order-событие в запись outbox.
func NewOrderOutboxMessage(eventType EventType, order domain.Order, note string) (domain.OutboxMessage, error) {
	data, err := json.Marshal(NewOrderEvent(eventType, order, note))
	if err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("marshal %s event: %w", eventType, err)
	}
	return domain.OutboxMessage{
		AggregateType: domain.AggregateOrder,
		AggregateID:   order.ID,
		EventType:     string(eventType),
		Payload:       data,
	}, nil
}

// PaymentEventMessage — формат платёжного события, которое шлюз или
// платёжный сервис публикует в TopicPaymentEvents.
type PaymentEventMessage struct {
	Kind          string    `json:"kind"`
	OrderID       string    `json:"order_id"`
	CorrelationID string    `json:"correlation_id"`
	Channel       string    `json:"channel"`
	Reason        string    `json:"reason,omitempty"`
	OccurredAt    time.Time `json:"occurred_at"`
}

// ToDomain превращает сообщение брокера в доменное событие.
func (m PaymentEventMessage) ToDomain() (domain.PaymentEvent, error) {
	ev := domain.PaymentEvent{
		Kind:          domain.PaymentEventKind(m.Kind),
		OrderID:       m.OrderID,
		CorrelationID: m.CorrelationID,
		Channel:       domain.PaymentChannel(m.Channel),
		Reason:        m.Reason,
		Source:        domain.PaymentSourceBroker,
		OccurredAt:    m.OccurredAt,
	}
	if errs := ev.Validate(); len(errs) > 0 {
		return domain.PaymentEvent{}, fmt.Errorf("%w: %v", domain.ErrPaymentEventInvalid, errs[0])
	}
	return ev, nil
}
