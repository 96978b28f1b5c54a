package memory_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
)

func newOrder(id string, createdAt time.Time) domain.Order {
	return domain.Order{
		ID:         id,
		CustomerID: "customer-1",
		Status:     domain.OrderStatusPendingConfirmation,
		Lines: []domain.OrderLine{
			{Index: 0, ProductID: "p-1", Qty: 5, UnitPriceMinor: 100, LineTotalMinor: 500},
		},
		Totals:         domain.Totals{SubtotalMinor: 500, GrandTotalMinor: 500},
		PaymentChannel: domain.PaymentChannelCard,
		PaymentStatus:  domain.PaymentStatusUnpaid,
		GatewayRef:     "gw-" + id,
		CreatedAt:      createdAt,
		UpdatedAt:      createdAt,
	}
}

func TestOrderRepository_CreateGet(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewOrderRepository()
	order := newOrder("ORD-1", time.Now().UTC())

	if err := repo.Create(ctx, order); err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if err := repo.Create(ctx, order); !errors.Is(err, domain.ErrOrderVersionConflict) {
		t.Fatalf("expected conflict on duplicate create, got %v", err)
	}

	stored, err := repo.Get(ctx, order.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if stored.ID != order.ID {
		t.Fatalf("expected id %s, got %s", order.ID, stored.ID)
	}

	// Мутация полученной копии не должна влиять на хранилище.
	stored.Lines[0].Qty = 42
	again, _ := repo.Get(ctx, order.ID)
	if again.Lines[0].Qty != 5 {
		t.Fatalf("repository state aliased: qty=%d", again.Lines[0].Qty)
	}
}

func TestOrderRepository_ListByCustomer(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewOrderRepository()
	base := time.Now().UTC()
	for i, id := range []string{"ORD-A", "ORD-B", "ORD-C"} {
		if err := repo.Create(ctx, newOrder(id, base.Add(time.Duration(i)*time.Minute))); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}

	orders, err := repo.ListByCustomer(ctx, "customer-1", 2)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(orders) != 2 || orders[0].ID != "ORD-C" {
		t.Fatalf("expected newest first with limit, got %+v", orders)
	}
}

func TestOrderRepository_SaveVersionConflict(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewOrderRepository()
	order := newOrder("ORD-1", time.Now().UTC())
	if err := repo.Create(ctx, order); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	first, _ := repo.Get(ctx, order.ID)
	second, _ := repo.Get(ctx, order.ID)

	first.Status = domain.OrderStatusConfirmed
	if err := repo.Save(ctx, first); err != nil {
		t.Fatalf("save failed: %v", err)
	}
	second.Status = domain.OrderStatusCancelled
	if err := repo.Save(ctx, second); !domain.IsVersionConflict(err) {
		t.Fatalf("expected version conflict, got %v", err)
	}

	stored, _ := repo.Get(ctx, order.ID)
	if stored.Status != domain.OrderStatusConfirmed || stored.Version != 1 {
		t.Fatalf("unexpected stored state: status=%s version=%d", stored.Status, stored.Version)
	}
}

func TestOrderRepository_ListAwaitingPaymentAndDelete(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewOrderRepository()
	now := time.Now().UTC()

	old := newOrder("ORD-OLD", now.Add(-time.Hour))
	fresh := newOrder("ORD-FRESH", now)
	paid := newOrder("ORD-PAID", now.Add(-time.Hour))
	paid.PaymentStatus = domain.PaymentStatusPaid
	for _, o := range []domain.Order{old, fresh, paid} {
		if err := repo.Create(ctx, o); err != nil {
			t.Fatalf("create failed: %v", err)
		}
	}

	awaiting, err := repo.ListAwaitingPayment(ctx, now.Add(-time.Minute), 10)
	if err != nil {
		t.Fatalf("list awaiting failed: %v", err)
	}
	if len(awaiting) != 1 || awaiting[0].ID != "ORD-OLD" {
		t.Fatalf("unexpected awaiting orders: %+v", awaiting)
	}

	if err := repo.Delete(ctx, "ORD-OLD", 5); !domain.IsVersionConflict(err) {
		t.Fatalf("expected version conflict on stale delete, got %v", err)
	}
	if err := repo.Delete(ctx, "ORD-OLD", 0); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if _, err := repo.Get(ctx, "ORD-OLD"); !errors.Is(err, domain.ErrOrderNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
}
