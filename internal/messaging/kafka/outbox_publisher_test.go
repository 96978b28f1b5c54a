package kafka

import (
	"context"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

func TestOutboxPublisher_Publish(t *testing.T) {
	t.Parallel()

	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != TopicOrderEvents {
			t.Errorf("unexpected topic %q", msg.Topic)
		}
		return nil
	})

	producer := &Producer{
		producer: mockProducer,
		logger:   log.WithField("component", "kafka-outbox-publisher-test"),
	}
	publisher := NewOutboxPublisher(producer, "")

	err := publisher.Publish(context.Background(), domain.OutboxMessage{
		ID:            "outbox-1",
		AggregateType: "order",
		AggregateID:   "ORD-ABCD1234",
		EventType:     string(EventTypeOrderStatusChanged),
		Payload:       []byte(`{"status":"confirmed"}`),
	})
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}

	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestOutboxPublisher_RoutesNotifications(t *testing.T) {
	t.Parallel()

	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != TopicNotifications {
			t.Errorf("unexpected topic %q", msg.Topic)
		}
		if len(msg.Headers) != 1 || string(msg.Headers[0].Value) != string(EventTypeNotificationRequested) {
			t.Errorf("unexpected headers %+v", msg.Headers)
		}
		return nil
	})

	producer := &Producer{producer: mockProducer, logger: log.WithField("component", "test")}
	publisher := NewOutboxPublisher(producer, "custom.orders")

	err := publisher.Publish(context.Background(), domain.OutboxMessage{
		ID:            "outbox-n",
		AggregateType: "order",
		AggregateID:   "ORD-ABCD1234",
		EventType:     string(EventTypeNotificationRequested),
		Payload:       []byte(`{"audience":"customer"}`),
	})
	if err != nil {
		t.Fatalf("publish failed: %v", err)
	}
	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestOutboxPublisher_PublishProducerError(t *testing.T) {
	t.Parallel()

	mockProducer := mocks.NewSyncProducer(t, nil)
	mockProducer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	producer := &Producer{
		producer: mockProducer,
		logger:   log.WithField("component", "kafka-outbox-publisher-test"),
	}
	publisher := NewOutboxPublisher(producer, TopicOrderEvents)

	err := publisher.Publish(context.Background(), domain.OutboxMessage{
		ID:            "outbox-2",
		AggregateType: "order",
		AggregateID:   "ORD-ABCD2345",
		EventType:     string(EventTypeOrderStatusChanged),
		Payload:       []byte(`{"status":"cancelled"}`),
	})
	if err == nil {
		t.Fatal("expected publish error, got nil")
	}

	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestOutboxPublisher_PublishNilProducer(t *testing.T) {
	t.Parallel()

	publisher := NewOutboxPublisher(nil, TopicOrderEvents)
	if err := publisher.Publish(context.Background(), domain.OutboxMessage{ID: "outbox-3"}); err == nil {
		t.Fatal("expected error for nil producer")
	}
}

func TestTopicFor(t *testing.T) {
	t.Parallel()

	cases := map[string]string{
		string(EventTypeOrderCreated):          TopicOrderEvents,
		string(EventTypeOrderPurged):           TopicOrderEvents,
		string(EventTypeNotificationRequested): TopicNotifications,
	}
	for eventType, want := range cases {
		if got := TopicFor(eventType); got != want {
			t.Errorf("TopicFor(%q) = %q, want %q", eventType, got, want)
		}
	}
}

func TestDLQPublisher_RoutesEverythingToDLQ(t *testing.T) {
	t.Parallel()

	mockProducer := mocks.NewSyncProducer(t, nil)
	for range 2 {
		mockProducer.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
			if msg.Topic != TopicDeadLetterQueue {
				t.Errorf("unexpected topic %q", msg.Topic)
			}
			return nil
		})
	}

	producer := &Producer{producer: mockProducer, logger: log.WithField("component", "kafka-dlq-test")}
	publisher := NewDLQPublisher(producer)

	for _, eventType := range []EventType{EventTypeOrderCreated, EventTypeNotificationRequested} {
		err := publisher.Publish(context.Background(), domain.OutboxMessage{
			ID: "outbox-" + string(eventType), AggregateID: "ORD-1", EventType: string(eventType), Payload: []byte(`{}`),
		})
		if err != nil {
			t.Fatalf("publish failed: %v", err)
		}
	}
	if err := mockProducer.Close(); err != nil {
		t.Fatal(err)
	}
}
