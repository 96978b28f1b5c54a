package domain

import (
	"errors"
	"math"
	"testing"
	"time"
)

func TestStockLineStateAllows(t *testing.T) {
	var s StockLineState
	if s.Allows(StockMovementRelease) || s.Allows(StockMovementCommit) || s.Allows(StockMovementReverseSale) {
		t.Fatal("fresh line allows only reserve")
	}
	s.Mark(StockMovementReserve)
	if s.Allows(StockMovementReserve) {
		t.Fatal("double reserve must be refused")
	}
	s.Mark(StockMovementCommit)
	if !s.Allows(StockMovementReverseSale) {
		t.Fatal("committed line must allow reverse sale")
	}
	s.Mark(StockMovementReverseSale)
	if s.Allows(StockMovementRelease) {
		t.Fatal("release after reverse sale would double credit stock")
	}
}

func TestReplayStock(t *testing.T) {
	line := StockLine{Index: 0, ProductID: "p", Qty: 2}
	movements := []StockMovement{
		{ProductID: "p", Kind: StockMovementRestock, StockDelta: 10},
		MovementFor("o-1", line, StockMovementReserve),
		MovementFor("o-1", line, StockMovementCommit),
		MovementFor("o-1", line, StockMovementReverseSale),
		MovementFor("o-2", line, StockMovementReserve),
	}
	stock, sold := ReplayStock(movements)
	if stock != 8 || sold != 0 {
		t.Fatalf("replay = (%d, %d), want (8, 0)", stock, sold)
	}
}

func TestPointPolicy(t *testing.T) {
	p := DefaultPointPolicy()
	if got := p.AwardFor(200000); got != 20 {
		t.Fatalf("award = %d, want 20", got)
	}
	if got := p.AwardFor(9999); got != 0 {
		t.Fatalf("award = %d, want 0", got)
	}
	if got := p.DiscountFor(5); got != 5000 {
		t.Fatalf("discount = %d, want 5000", got)
	}
	if got := p.DiscountFor(math.MaxInt64); got != math.MaxInt64 {
		t.Fatalf("discount = %d, want saturation at MaxInt64", got)
	}
	if got := p.DiscountFor(math.MaxInt64 / p.RedeemValueMinor); got <= 0 {
		t.Fatalf("discount = %d, want positive", got)
	}
}

func TestSumEntries(t *testing.T) {
	entries := []PointEntry{
		{Direction: PointCredit, Amount: 20},
		{Direction: PointDebit, Amount: 5},
		{Direction: PointCredit, Amount: 5},
	}
	if got := SumEntries(entries); got != 20 {
		t.Fatalf("sum = %d, want 20", got)
	}
}

func TestVoucherDiscount(t *testing.T) {
	tests := []struct {
		name     string
		voucher  Voucher
		subtotal int64
		want     int64
	}{
		{name: "percent under cap", voucher: Voucher{Kind: VoucherKindPercent, Value: 10, MaxDiscountMinor: 50000}, subtotal: 200000, want: 20000},
		{name: "percent capped", voucher: Voucher{Kind: VoucherKindPercent, Value: 50, MaxDiscountMinor: 30000}, subtotal: 200000, want: 30000},
		{name: "percent without cap", voucher: Voucher{Kind: VoucherKindPercent, Value: 50}, subtotal: 200000, want: 100000},
		{name: "fixed", voucher: Voucher{Kind: VoucherKindFixed, Value: 15000}, subtotal: 200000, want: 15000},
		{name: "fixed larger than subtotal", voucher: Voucher{Kind: VoucherKindFixed, Value: 15000}, subtotal: 10000, want: 10000},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.voucher.Discount(tt.subtotal); got != tt.want {
				t.Fatalf("discount = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestVoucherCheckRedeemable(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	base := Voucher{
		Code:          "SALE10",
		Kind:          VoucherKindPercent,
		Value:         10,
		MinSpendMinor: 100000,
		StartsAt:      now.Add(-time.Hour),
		EndsAt:        now.Add(time.Hour),
		Cap:           2,
	}

	if err := base.CheckRedeemable("c-1", 150000, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := base.CheckRedeemable("c-1", 150000, now.Add(2*time.Hour)); !errors.Is(err, ErrVoucherExpired) {
		t.Fatalf("expected expired, got %v", err)
	}

	used := base
	used.UsedBy = []string{"c-1"}
	used.Used = 1
	if err := used.CheckRedeemable("c-1", 150000, now); !errors.Is(err, ErrVoucherAlreadyUsed) {
		t.Fatalf("expected already used, got %v", err)
	}

	full := base
	full.Used = 2
	if err := full.CheckRedeemable("c-2", 150000, now); !errors.Is(err, ErrVoucherCapReached) {
		t.Fatalf("expected cap reached, got %v", err)
	}

	unlimited := base
	unlimited.Cap = 0
	unlimited.Used = 1000
	if err := unlimited.CheckRedeemable("c-2", 150000, now); err != nil {
		t.Fatalf("zero cap means unlimited, got %v", err)
	}

	var below *BelowMinimumSpendError
	if err := base.CheckRedeemable("c-3", 50000, now); !errors.As(err, &below) || below.MinimumMinor != 100000 {
		t.Fatalf("expected below minimum spend, got %v", err)
	}
}
