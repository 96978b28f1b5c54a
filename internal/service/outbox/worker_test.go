package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
)

func enqueueOrderEvent(t *testing.T, repo *memory.OutboxRepository, eventType kafka.EventType, orderID string, status domain.OrderStatus) domain.OutboxMessage {
	t.Helper()
	msg, err := kafka.NewOrderOutboxMessage(eventType, domain.Order{
		ID:         orderID,
		CustomerID: "cust-" + orderID,
		Status:     status,
		UpdatedAt:  time.Now().UTC(),
	}, "")
	require.NoError(t, err)
	saved, err := repo.Enqueue(context.Background(), msg)
	require.NoError(t, err)
	return saved
}

func enqueueNotification(t *testing.T, repo *memory.OutboxRepository, orderID string) domain.OutboxMessage {
	t.Helper()
	saved, err := repo.Enqueue(context.Background(), domain.OutboxMessage{
		AggregateType: domain.AggregateOrder,
		AggregateID:   orderID,
		EventType:     string(kafka.EventTypeNotificationRequested),
		Payload:       []byte(`{"audience":"customer","status":"confirmed"}`),
	})
	require.NoError(t, err)
	return saved
}

func TestWorker_PublishesOrderLifecycleInOrder(t *testing.T) {
	repo := memory.NewOutboxRepository()
	enqueueOrderEvent(t, repo, kafka.EventTypeOrderCreated, "ORD-A", domain.OrderStatusPendingConfirmation)
	enqueueOrderEvent(t, repo, kafka.EventTypeOrderStatusChanged, "ORD-A", domain.OrderStatusConfirmed)
	enqueueNotification(t, repo, "ORD-A")
	enqueueOrderEvent(t, repo, kafka.EventTypeOrderStatusChanged, "ORD-A", domain.OrderStatusPreparing)

	publisher := &recordingPublisher{}
	NewWorker(repo, publisher, WithRetryBaseDelay(0)).ProcessOnce(context.Background())

	require.Equal(t, []string{
		"order.created",
		"order.status_changed",
		"notification.requested",
		"order.status_changed",
	}, publisher.eventTypes())
	require.Empty(t, repo.AllPending())
	require.Empty(t, repo.Failed())
}

func TestWorker_ExhaustedCancellationGoesToDLQ(t *testing.T) {
	repo := memory.NewOutboxRepository()
	cancelled := enqueueOrderEvent(t, repo, kafka.EventTypeOrderCancelled, "ORD-B", domain.OrderStatusCancelled)
	enqueueNotification(t, repo, "ORD-B")

	publisher := &recordingPublisher{failFor: map[string]error{
		string(kafka.EventTypeOrderCancelled): errors.New("broker: leader not available"),
	}}
	dlq := &recordingPublisher{}

	NewWorker(repo, publisher,
		WithDLQPublisher(dlq),
		WithMaxAttempts(3),
		WithRetryBaseDelay(0),
	).ProcessOnce(context.Background())

	require.Equal(t, 3, publisher.attemptsFor(string(kafka.EventTypeOrderCancelled)))
	require.Equal(t, []string{"notification.requested"}, publisher.eventTypes())

	failed := repo.Failed()
	require.Len(t, failed, 1)
	require.Equal(t, cancelled.ID, failed[0].ID)
	require.Empty(t, repo.AllPending())

	dead := dlq.messages()
	require.Len(t, dead, 1)
	require.Equal(t, "ORD-B", dead[0].AggregateID)

	var envelope struct {
		OutboxID     string          `json:"outbox_id"`
		EventType    string          `json:"event_type"`
		Payload      json.RawMessage `json:"payload"`
		Attempts     int             `json:"attempts"`
		PublishError string          `json:"publish_error"`
	}
	require.NoError(t, json.Unmarshal(dead[0].Payload, &envelope))
	require.Equal(t, cancelled.ID, envelope.OutboxID)
	require.Equal(t, "order.cancelled", envelope.EventType)
	require.Equal(t, 3, envelope.Attempts)
	require.Contains(t, envelope.PublishError, "leader not available")
	require.JSONEq(t, string(cancelled.Payload), string(envelope.Payload))
}

func TestWorker_RetriesTransientBrokerError(t *testing.T) {
	repo := memory.NewOutboxRepository()
	enqueueOrderEvent(t, repo, kafka.EventTypeOrderPaymentUpdated, "ORD-C", domain.OrderStatusConfirmed)

	publisher := &recordingPublisher{sequence: []error{
		errors.New("broker: request timed out"),
		errors.New("broker: request timed out"),
	}}

	NewWorker(repo, publisher, WithMaxAttempts(3), WithRetryBaseDelay(0)).ProcessOnce(context.Background())

	require.Equal(t, 3, publisher.attemptsFor("order.payment_updated"))
	require.Equal(t, []string{"order.payment_updated"}, publisher.eventTypes())
	require.Empty(t, repo.AllPending())
	require.Empty(t, repo.Failed())
}

func TestWorker_BacklogMetricsByEventType(t *testing.T) {
	repo := memory.NewOutboxRepository()
	enqueueOrderEvent(t, repo, kafka.EventTypeOrderCreated, "ORD-D", domain.OrderStatusPendingConfirmation)
	enqueueOrderEvent(t, repo, kafka.EventTypeOrderCreated, "ORD-E", domain.OrderStatusPendingConfirmation)
	enqueueNotification(t, repo, "ORD-D")

	publisher := &recordingPublisher{failFor: map[string]error{
		string(kafka.EventTypeOrderCreated): errors.New("broker down"),
	}}

	NewWorker(repo, publisher, WithBatchSize(1), WithMaxAttempts(1), WithRetryBaseDelay(0)).ProcessOnce(context.Background())

	require.Equal(t, 1.0, testutil.ToFloat64(outboxPendingRecords.WithLabelValues("order.created")))
	require.Equal(t, 1.0, testutil.ToFloat64(outboxPendingRecords.WithLabelValues("notification.requested")))
	require.Equal(t, 1.0, testutil.ToFloat64(outboxFailedRecords))
	require.GreaterOrEqual(t, testutil.ToFloat64(outboxOldestPendingAge), 0.0)
}

func TestWorker_RetryBackoffDoubles(t *testing.T) {
	w := NewWorker(memory.NewOutboxRepository(), &recordingPublisher{}, WithRetryBaseDelay(50*time.Millisecond))

	for attempt, want := range map[int]time.Duration{
		1: 50 * time.Millisecond,
		2: 100 * time.Millisecond,
		4: 400 * time.Millisecond,
	} {
		require.Equal(t, want, w.retryBackoff(attempt), "attempt %d", attempt)
	}
	require.Equal(t, time.Duration(1<<63-1), w.retryBackoff(80))
}

func TestWorker_RunStopsOnContextCancel(t *testing.T) {
	repo := memory.NewOutboxRepository()
	enqueueOrderEvent(t, repo, kafka.EventTypeOrderCreated, "ORD-F", domain.OrderStatusPendingConfirmation)
	publisher := &recordingPublisher{}

	worker := NewWorker(repo, publisher, WithPollInterval(5*time.Millisecond), WithRetryBaseDelay(0))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		worker.Run(ctx)
	}()

	require.Eventually(t, func() bool { return len(publisher.eventTypes()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker did not stop on context cancel")
	}
}

func TestWorker_DisabledWithoutPublisher(t *testing.T) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		NewWorker(memory.NewOutboxRepository(), nil).Run(context.Background())
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("worker without publisher must return immediately")
	}
}

// recordingPublisher запоминает успешно опубликованные события. failFor
// роняет все попытки для типа события, sequence — первые попытки подряд.
type recordingPublisher struct {
	mu        sync.Mutex
	failFor   map[string]error
	sequence  []error
	attempts  map[string]int
	published []domain.OutboxMessage
}

func (p *recordingPublisher) Publish(_ context.Context, msg domain.OutboxMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.attempts == nil {
		p.attempts = make(map[string]int)
	}
	p.attempts[msg.EventType]++

	if err := p.failFor[msg.EventType]; err != nil {
		return err
	}
	if len(p.sequence) > 0 {
		err := p.sequence[0]
		p.sequence = p.sequence[1:]
		return err
	}
	p.published = append(p.published, msg)
	return nil
}

func (p *recordingPublisher) eventTypes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, 0, len(p.published))
	for _, msg := range p.published {
		out = append(out, msg.EventType)
	}
	return out
}

func (p *recordingPublisher) messages() []domain.OutboxMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]domain.OutboxMessage(nil), p.published...)
}

func (p *recordingPublisher) attemptsFor(eventType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts[eventType]
}
