package postgres

import (
	"context"
	"errors"
	"testing"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

func outboxOrderEvent(orderID, eventType string) domain.OutboxMessage {
	return domain.OutboxMessage{
		AggregateType: domain.AggregateOrder,
		AggregateID:   orderID,
		EventType:     eventType,
		Payload:       []byte(`{"order_id":"` + orderID + `"}`),
	}
}

func TestOutboxRepository_PostgresOrderLifecycle(t *testing.T) {
	repo := NewOutboxRepository(openPostgresStoreForIntegrationTest(t))
	ctx := context.Background()

	var ids []string
	for _, eventType := range []string{"order.created", "order.status_changed", "notification.requested"} {
		saved, err := repo.Enqueue(ctx, outboxOrderEvent("ORD-00000000000000P1", eventType))
		if err != nil {
			t.Fatalf("enqueue %s: %v", eventType, err)
		}
		ids = append(ids, saved.ID)
	}

	pending, err := repo.PullPending(ctx, 0)
	if err != nil {
		t.Fatalf("pull pending: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("expected 3 pending events, got %d", len(pending))
	}
	for i, msg := range pending {
		if msg.ID != ids[i] {
			t.Fatalf("event %d out of order: expected %s, got %s (%s)", i, ids[i], msg.ID, msg.EventType)
		}
	}

	stats, err := repo.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.PendingCount != 3 || stats.PendingByEvent["order.status_changed"] != 1 || stats.OldestPendingAt.IsZero() {
		t.Fatalf("unexpected stats before delivery: %+v", stats)
	}

	if err := repo.MarkSent(ctx, ids[0]); err != nil {
		t.Fatalf("mark created sent: %v", err)
	}
	if err := repo.MarkSent(ctx, ids[1]); err != nil {
		t.Fatalf("mark status change sent: %v", err)
	}
	if err := repo.MarkFailed(ctx, ids[2]); err != nil {
		t.Fatalf("mark notification failed: %v", err)
	}

	stats, err = repo.Stats(ctx)
	if err != nil {
		t.Fatalf("stats after delivery: %v", err)
	}
	if stats.PendingCount != 0 || len(stats.PendingByEvent) != 0 || stats.FailedCount != 1 {
		t.Fatalf("unexpected stats after delivery: %+v", stats)
	}
}

func TestOutboxRepository_PostgresEnqueueIsIdempotentByID(t *testing.T) {
	repo := NewOutboxRepository(openPostgresStoreForIntegrationTest(t))
	ctx := context.Background()

	msg := outboxOrderEvent("ORD-00000000000000P2", "order.cancelled")
	msg.ID = "evt-cancel-P2"
	for range 2 {
		if _, err := repo.Enqueue(ctx, msg); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	pending, err := repo.PullPending(ctx, 10)
	if err != nil {
		t.Fatalf("pull pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != msg.ID {
		t.Fatalf("expected single cancellation event, got %+v", pending)
	}
}

func TestOutboxRepository_PostgresRejectsInvalidTransitions(t *testing.T) {
	repo := NewOutboxRepository(openPostgresStoreForIntegrationTest(t))
	ctx := context.Background()

	if _, err := repo.Enqueue(ctx, domain.OutboxMessage{AggregateType: domain.AggregateOrder, EventType: "order.created"}); !errors.Is(err, domain.ErrOutboxMessageInvalid) {
		t.Fatalf("expected ErrOutboxMessageInvalid for event without order, got %v", err)
	}

	saved, err := repo.Enqueue(ctx, outboxOrderEvent("ORD-00000000000000P3", "order.payment_updated"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := repo.MarkSent(ctx, saved.ID); err != nil {
		t.Fatalf("mark sent: %v", err)
	}
	if err := repo.MarkFailed(ctx, saved.ID); !errors.Is(err, domain.ErrOutboxPublish) {
		t.Fatalf("expected delivered event to stay sent, got %v", err)
	}
	if err := repo.MarkSent(ctx, "missing-outbox"); !errors.Is(err, domain.ErrOutboxPublish) {
		t.Fatalf("expected ErrOutboxPublish on missing id, got %v", err)
	}
}
