package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// OutboxTopicPublisher публикует outbox-сообщения в Kafka. Уведомления
// уходят в отдельный topic, остальные события заказа идут в topic заказов.
type OutboxTopicPublisher struct {
	producer *Producer
	route    func(eventType string) string
}

// NewOutboxPublisher создаёт Kafka-паблишер для transactional outbox.
// Пустой orderTopic означает маршрутизацию по TopicFor.
func NewOutboxPublisher(producer *Producer, orderTopic string) domain.OutboxPublisher {
	route := TopicFor
	if orderTopic != "" {
		route = func(eventType string) string {
			if topic := TopicFor(eventType); topic != TopicOrderEvents {
				return topic
			}
			return orderTopic
		}
	}
	return &OutboxTopicPublisher{
		producer: producer,
		route:    route,
	}
}

// NewDLQPublisher отправляет все сообщения в TopicDeadLetterQueue.
// Используется outbox worker'ом после исчерпания попыток.
func NewDLQPublisher(producer *Producer) domain.OutboxPublisher {
	return &OutboxTopicPublisher{
		producer: producer,
		route:    func(string) string { return TopicDeadLetterQueue },
	}
}

func (p *OutboxTopicPublisher) Publish(ctx context.Context, event domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return fmt.Errorf("kafka outbox publisher is not initialized")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	key := event.AggregateID
	if key == "" {
		key = event.ID
	}

	envelope := struct {
		ID            string          `json:"id"`
		AggregateType string          `json:"aggregate_type"`
		AggregateID   string          `json:"aggregate_id"`
		EventType     string          `json:"event_type"`
		Payload       json.RawMessage `json:"payload"`
		PublishedAt   time.Time       `json:"published_at"`
	}{
		ID:            event.ID,
		AggregateType: event.AggregateType,
		AggregateID:   event.AggregateID,
		EventType:     event.EventType,
		Payload:       json.RawMessage(event.Payload),
		PublishedAt:   time.Now().UTC(),
	}

	return p.producer.PublishEvent(p.route(event.EventType), key, event.EventType, envelope)
}

var _ domain.OutboxPublisher = (*OutboxTopicPublisher)(nil)
