package domain_test

import (
	"testing"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// helper для создания базового заказа с одной позицией.
func makeOrder() domain.Order {
	now := time.Now().UTC()
	return domain.Order{
		ID:         "ORD-TEST0001",
		CustomerID: "customer-1",
		Status:     domain.OrderStatusPendingConfirmation,
		Lines: []domain.OrderLine{
			{Index: 0, ProductID: "p-1", Name: "Tee", Variant: "M", Qty: 2, UnitPriceMinor: 100000, LineTotalMinor: 200000},
		},
		Totals: domain.Totals{
			SubtotalMinor:    200000,
			ShippingFeeMinor: 30000,
			GrandTotalMinor:  230000,
		},
		ShippingAddress: domain.ShippingAddress{Recipient: "An", Phone: "0900000000", Line1: "1 Main st", City: "Hanoi"},
		PaymentChannel:  domain.PaymentChannelCOD,
		PaymentStatus:   domain.PaymentStatusUnpaid,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func TestOrderValidateInvariants_Ok(t *testing.T) {
	order := makeOrder()
	if errs := order.ValidateInvariants(); len(errs) != 0 {
		t.Fatalf("expected no validation errors, got %v", errs)
	}
}

func TestOrderValidateInvariants_Errors(t *testing.T) {
	cases := []struct {
		name string
		mut  func(o *domain.Order)
	}{
		{name: "no customer", mut: func(o *domain.Order) { o.CustomerID = "" }},
		{name: "no lines", mut: func(o *domain.Order) { o.Lines = nil }},
		{name: "qty invalid", mut: func(o *domain.Order) { o.Lines[0].Qty = 0 }},
		{name: "price invalid", mut: func(o *domain.Order) { o.Lines[0].UnitPriceMinor = -5 }},
		{name: "grand total mismatch", mut: func(o *domain.Order) { o.Totals.GrandTotalMinor = 999 }},
		{name: "negative grand total", mut: func(o *domain.Order) {
			o.Totals.PointsDiscountMinor = 500000
			o.Totals.GrandTotalMinor = -270000
		}},
		{name: "unknown channel", mut: func(o *domain.Order) { o.PaymentChannel = "barter" }},
		{name: "no address", mut: func(o *domain.Order) { o.ShippingAddress = domain.ShippingAddress{} }},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			order := makeOrder()
			tc.mut(&order)
			if len(order.ValidateInvariants()) == 0 {
				t.Fatalf("expected validation errors for case %s", tc.name)
			}
		})
	}
}

func TestOrderCloneIsDeep(t *testing.T) {
	order := makeOrder()
	order.MarkEffect(domain.EffectStockReserve, time.Now())
	order.Voucher = &domain.VoucherRef{Code: "SALE10", DiscountMinor: 10}
	order.Pending = &domain.PendingTransition{To: domain.OrderStatusCancelled}

	clone := order.Clone()
	clone.Lines[0].Qty = 99
	clone.MarkEffect(domain.EffectPointsRedeem, time.Now())
	clone.Voucher.Code = "OTHER"
	clone.Pending.To = domain.OrderStatusConfirmed

	if order.Lines[0].Qty != 2 {
		t.Fatalf("lines aliased: %d", order.Lines[0].Qty)
	}
	if order.HasEffect(domain.EffectPointsRedeem) {
		t.Fatal("effects aliased")
	}
	if order.Voucher.Code != "SALE10" || order.Pending.To != domain.OrderStatusCancelled {
		t.Fatal("pointers aliased")
	}
}

func TestOrderMarkEffectKeepsFirstTimestamp(t *testing.T) {
	order := makeOrder()
	first := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	order.MarkEffect(domain.EffectStockCommit, first)
	order.MarkEffect(domain.EffectStockCommit, first.Add(time.Hour))
	if got := order.Effects[domain.EffectStockCommit]; !got.Equal(first) {
		t.Fatalf("effect timestamp overwritten: %v", got)
	}
}

func TestAwaitsPayment(t *testing.T) {
	order := makeOrder()
	if domain.AwaitsPayment(order) {
		t.Fatal("cod order must not await gateway payment")
	}
	order.PaymentChannel = domain.PaymentChannelCard
	order.GatewayRef = "gw-1"
	if !domain.AwaitsPayment(order) {
		t.Fatal("unpaid card order with gateway ref must await payment")
	}
	order.PaymentStatus = domain.PaymentStatusPaid
	if domain.AwaitsPayment(order) {
		t.Fatal("paid order must not await payment")
	}
}
