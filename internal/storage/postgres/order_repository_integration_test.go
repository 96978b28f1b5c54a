package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

func TestOrderRepository_PostgresCreateGetListAndSave(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewOrderRepository(store)
	ctx := context.Background()

	now := time.Now().UTC().Round(time.Microsecond)
	order1 := sampleOrder("ORD-00000001", "customer-1", now.Add(-2*time.Minute))
	order2 := sampleOrder("ORD-00000002", "customer-1", now.Add(-time.Minute))

	if err := repo.Create(ctx, order1); err != nil {
		t.Fatalf("create order1: %v", err)
	}
	if err := repo.Create(ctx, order2); err != nil {
		t.Fatalf("create order2: %v", err)
	}

	got, err := repo.Get(ctx, order1.ID)
	if err != nil {
		t.Fatalf("get order1: %v", err)
	}
	if got.ID != order1.ID || got.CustomerID != order1.CustomerID || got.Status != order1.Status {
		t.Fatalf("unexpected order payload: %+v", got)
	}
	if len(got.Lines) != len(order1.Lines) {
		t.Fatalf("unexpected lines count: got=%d want=%d", len(got.Lines), len(order1.Lines))
	}
	if got.ShippingAddress != order1.ShippingAddress {
		t.Fatalf("shipping address mismatch: %+v", got.ShippingAddress)
	}
	if !got.HasEffect(domain.EffectStockReserve) {
		t.Fatal("expected stock_reserve effect to round-trip")
	}
	if len(got.History) != 1 {
		t.Fatalf("expected 1 history entry, got %d", len(got.History))
	}

	listed, err := repo.ListByCustomer(ctx, "customer-1", 1)
	if err != nil {
		t.Fatalf("list by customer with limit: %v", err)
	}
	if len(listed) != 1 || listed[0].ID != order2.ID {
		t.Fatalf("unexpected list result with limit: %+v", listed)
	}

	all, err := repo.ListByCustomer(ctx, "customer-1", 0)
	if err != nil {
		t.Fatalf("list by customer without limit: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 orders, got %d", len(all))
	}

	got.Status = domain.OrderStatusConfirmed
	got.UpdatedAt = now.Add(time.Minute)
	got.AppendHistory(domain.OrderStatusConfirmed, "confirmed by admin", got.UpdatedAt)
	got.Payments = append(got.Payments, domain.AppliedPayment{
		CorrelationID: "txn-1",
		Kind:          domain.PaymentEventConfirmed,
		Source:        domain.PaymentSourceWebhook,
		AppliedAt:     got.UpdatedAt,
	})
	if err := repo.Save(ctx, got); err != nil {
		t.Fatalf("save order: %v", err)
	}

	updated, err := repo.Get(ctx, order1.ID)
	if err != nil {
		t.Fatalf("get updated order: %v", err)
	}
	if updated.Status != domain.OrderStatusConfirmed {
		t.Fatalf("unexpected status after save: %s", updated.Status)
	}
	if updated.Version != got.Version+1 {
		t.Fatalf("unexpected version after save: got=%d want=%d", updated.Version, got.Version+1)
	}
	if len(updated.History) != 2 {
		t.Fatalf("expected 2 history entries, got %d", len(updated.History))
	}
	if !updated.HasPayment("txn-1") {
		t.Fatal("expected applied payment to be persisted")
	}
}

func TestOrderRepository_PostgresErrors(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewOrderRepository(store)
	ctx := context.Background()

	now := time.Now().UTC().Round(time.Microsecond)
	base := sampleOrder("ORD-ERRORS01", "customer-2", now)

	if _, err := repo.Get(ctx, "missing-order"); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound, got %v", err)
	}

	if err := repo.Save(ctx, base); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound on save missing, got %v", err)
	}

	if err := repo.Create(ctx, base); err != nil {
		t.Fatalf("create base order: %v", err)
	}
	if err := repo.Create(ctx, base); !errors.Is(err, domain.ErrOrderVersionConflict) {
		t.Fatalf("expected ErrOrderVersionConflict on duplicate create, got %v", err)
	}

	stale := base.Clone()
	stale.Status = domain.OrderStatusConfirmed
	stale.UpdatedAt = now.Add(time.Minute)
	stale.Version = 42
	if err := repo.Save(ctx, stale); !errors.Is(err, domain.ErrOrderVersionConflict) {
		t.Fatalf("expected ErrOrderVersionConflict on stale save, got %v", err)
	}

	if err := repo.Delete(ctx, base.ID, 42); !errors.Is(err, domain.ErrOrderVersionConflict) {
		t.Fatalf("expected ErrOrderVersionConflict on stale delete, got %v", err)
	}
	if err := repo.Delete(ctx, base.ID, base.Version); err != nil {
		t.Fatalf("delete order: %v", err)
	}
	if _, err := repo.Get(ctx, base.ID); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected ErrOrderNotFound after delete, got %v", err)
	}
}

func TestOrderRepository_PostgresListAwaitingPayment(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	repo := NewOrderRepository(store)
	ctx := context.Background()

	now := time.Now().UTC().Round(time.Microsecond)
	cod := sampleOrder("ORD-COD00001", "customer-3", now.Add(-time.Hour))

	redirect := sampleOrder("ORD-REDIR001", "customer-3", now.Add(-time.Hour))
	redirect.PaymentChannel = domain.PaymentChannelRedirect
	redirect.GatewayRef = "gw-1"

	fresh := sampleOrder("ORD-REDIR002", "customer-3", now)
	fresh.PaymentChannel = domain.PaymentChannelRedirect
	fresh.GatewayRef = "gw-2"

	for _, o := range []domain.Order{cod, redirect, fresh} {
		if err := repo.Create(ctx, o); err != nil {
			t.Fatalf("create %s: %v", o.ID, err)
		}
	}

	awaiting, err := repo.ListAwaitingPayment(ctx, now.Add(-time.Minute), 10)
	if err != nil {
		t.Fatalf("list awaiting payment: %v", err)
	}
	if len(awaiting) != 1 || awaiting[0].ID != redirect.ID {
		t.Fatalf("unexpected awaiting orders: %+v", awaiting)
	}
}

func TestIsUniqueViolation(t *testing.T) {
	if !isUniqueViolation(&pgconn.PgError{Code: "23505"}) {
		t.Fatal("expected unique violation for code 23505")
	}
	if isUniqueViolation(&pgconn.PgError{Code: "22001"}) {
		t.Fatal("unexpected unique violation for non-unique code")
	}
	if isUniqueViolation(errors.New("plain error")) {
		t.Fatal("plain error must not be unique violation")
	}
}

func sampleOrder(id, customerID string, createdAt time.Time) domain.Order {
	lines := []domain.OrderLine{
		{
			Index:          0,
			ProductID:      "tee",
			Name:           "Tee",
			Variant:        "M",
			Qty:            2,
			UnitPriceMinor: 150000,
			LineTotalMinor: 300000,
		},
	}

	order := domain.Order{
		ID:         id,
		CustomerID: customerID,
		Lines:      lines,
		Totals: domain.Totals{
			SubtotalMinor:    300000,
			ShippingFeeMinor: 30000,
			GrandTotalMinor:  330000,
		},
		ShippingAddress: domain.ShippingAddress{
			Recipient: "Ann",
			Phone:     "0900000000",
			Line1:     "1 Main St",
			City:      "Hanoi",
		},
		PaymentChannel: domain.PaymentChannelCOD,
		PaymentStatus:  domain.PaymentStatusUnpaid,
		Status:         domain.OrderStatusPendingConfirmation,
		Version:        0,
		CreatedAt:      createdAt,
		UpdatedAt:      createdAt,
	}
	order.MarkEffect(domain.EffectStockReserve, createdAt)
	order.AppendHistory(domain.OrderStatusPendingConfirmation, "order placed", createdAt)
	return order
}
