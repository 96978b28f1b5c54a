package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

func seedProduct(t *testing.T, ledger *StockLedger, p domain.Product) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, ledger.UpsertProduct(ctx, p))
	if p.Stock > 0 {
		require.NoError(t, ledger.Restock(ctx, p.ID, p.Stock))
	}
}

func TestStockLedger_PostgresLifecycleAndReplay(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	ledger := NewStockLedger(store)
	ctx := context.Background()
	seedProduct(t, ledger, domain.Product{ID: "tee", Name: "Tee", PriceMinor: 150000, Variants: []string{"M"}, Stock: 10})

	lines := []domain.StockLine{{Index: 0, ProductID: "tee", Qty: 2}}
	require.NoError(t, ledger.Reserve(ctx, "ORD-1", lines))
	require.NoError(t, ledger.Reserve(ctx, "ORD-1", lines))
	require.NoError(t, ledger.CommitSale(ctx, "ORD-1", lines))

	p, err := ledger.Product(ctx, "tee")
	require.NoError(t, err)
	require.EqualValues(t, 8, p.Stock)
	require.EqualValues(t, 2, p.SoldCount)

	require.NoError(t, ledger.ReverseSale(ctx, "ORD-1", lines))
	require.NoError(t, ledger.Release(ctx, "ORD-1", lines))

	p, err = ledger.Product(ctx, "tee")
	require.NoError(t, err)
	require.EqualValues(t, 10, p.Stock)
	require.EqualValues(t, 0, p.SoldCount)

	movements, err := ledger.Movements(ctx, "tee")
	require.NoError(t, err)
	stock, sold := domain.ReplayStock(movements)
	require.Equal(t, p.Stock, stock)
	require.Equal(t, p.SoldCount, sold)

	snap, err := ledger.Snapshot(ctx, "tee", "M")
	require.NoError(t, err)
	require.EqualValues(t, 150000, snap.PriceMinor)
	_, err = ledger.Snapshot(ctx, "tee", "XXL")
	require.ErrorIs(t, err, domain.ErrVariantUnavailable)
}

func TestStockLedger_PostgresReserveIsAllOrNothing(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	ledger := NewStockLedger(store)
	ctx := context.Background()
	seedProduct(t, ledger, domain.Product{ID: "a", Name: "A", PriceMinor: 100, Stock: 5})
	seedProduct(t, ledger, domain.Product{ID: "b", Name: "B", PriceMinor: 100, Stock: 1})

	err := ledger.Reserve(ctx, "ORD-1", []domain.StockLine{
		{Index: 0, ProductID: "a", Qty: 3},
		{Index: 1, ProductID: "b", Qty: 2},
	})
	var insufficient *domain.InsufficientStockError
	require.True(t, errors.As(err, &insufficient), "got %v", err)
	require.Equal(t, "b", insufficient.ProductID)

	a, err := ledger.Product(ctx, "a")
	require.NoError(t, err)
	require.EqualValues(t, 5, a.Stock)
}

func TestStockLedger_PostgresConcurrentReservationsNeverOversell(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	ledger := NewStockLedger(store)
	ctx := context.Background()
	seedProduct(t, ledger, domain.Product{ID: "flash", Name: "Flash", PriceMinor: 1000, Stock: 10})

	var (
		wg sync.WaitGroup
		ok atomic.Int64
	)
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := ledger.Reserve(ctx, fmt.Sprintf("ORD-%d", i), []domain.StockLine{{ProductID: "flash", Qty: 1}}); err == nil {
				ok.Add(1)
			}
		}(i)
	}
	wg.Wait()

	p, err := ledger.Product(ctx, "flash")
	require.NoError(t, err)
	require.EqualValues(t, 10, ok.Load())
	require.EqualValues(t, 0, p.Stock)
}

func TestPointLedger_PostgresBalanceIntegrity(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	ledger := NewPointLedger(store, domain.DefaultPointPolicy())
	ctx := context.Background()

	entry, err := ledger.Award(ctx, "c1", "ORD-1", 200000)
	require.NoError(t, err)
	require.EqualValues(t, 20, entry.Amount)

	_, err = ledger.Award(ctx, "c1", "ORD-1", 200000)
	require.ErrorIs(t, err, domain.ErrPointsAlreadyAwarded)

	discount, err := ledger.Redeem(ctx, "c1", "ORD-2", 15)
	require.NoError(t, err)
	require.EqualValues(t, 15000, discount)

	again, err := ledger.Redeem(ctx, "c1", "ORD-2", 15)
	require.NoError(t, err, "redeem is idempotent per order")
	require.EqualValues(t, 15000, again)

	_, err = ledger.Redeem(ctx, "c1", "ORD-3", 6)
	var insufficient *domain.InsufficientBalanceError
	require.True(t, errors.As(err, &insufficient), "got %v", err)

	require.NoError(t, ledger.Reverse(ctx, "ORD-2"))
	require.NoError(t, ledger.Reverse(ctx, "ORD-2"))
	require.NoError(t, ledger.Reverse(ctx, "ORD-unknown"))

	balance, err := ledger.Balance(ctx, "c1")
	require.NoError(t, err)
	history, err := ledger.History(ctx, "c1")
	require.NoError(t, err)
	require.EqualValues(t, 20, balance)
	require.Len(t, history, 3)
	require.Equal(t, balance, domain.SumEntries(history))
	require.Equal(t, balance, history[len(history)-1].BalanceAfter)
}

func TestVoucherTracker_PostgresCapAndOncePerCustomer(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	tracker := NewVoucherTracker(store)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, tracker.UpsertVoucher(ctx, domain.Voucher{
		Code:  "sale10",
		Kind:  domain.VoucherKindPercent,
		Value: 10,
		Cap:   3,
	}))

	var (
		wg sync.WaitGroup
		ok atomic.Int64
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := tracker.CheckAndReserve(ctx, "SALE10", fmt.Sprintf("c%d", i), fmt.Sprintf("ORD-%d", i), 100000, now); err == nil {
				ok.Add(1)
			}
		}(i)
	}
	wg.Wait()
	require.EqualValues(t, 3, ok.Load())

	v, err := tracker.Voucher(ctx, "sale10")
	require.NoError(t, err)
	require.EqualValues(t, 3, v.Used)
	require.Len(t, v.UsedBy, 3)

	holder := v.UsedBy[0]
	holderOrder := "ORD-" + strings.TrimPrefix(holder, "c")
	_, err = tracker.CheckAndReserve(ctx, "SALE10", holder, "ORD-other", 100000, now)
	require.ErrorIs(t, err, domain.ErrVoucherAlreadyUsed)

	again, err := tracker.CheckAndReserve(ctx, "SALE10", holder, holderOrder, 100000, now)
	require.NoError(t, err, "repeat for the holding order returns the same reservation")
	require.EqualValues(t, 10000, again.DiscountMinor)

	require.NoError(t, tracker.Release(ctx, "SALE10", holder, "ORD-other"))
	v, err = tracker.Voucher(ctx, "SALE10")
	require.NoError(t, err)
	require.EqualValues(t, 3, v.Used, "release from another order keeps the redemption")

	require.NoError(t, tracker.Release(ctx, "SALE10", holder, holderOrder))
	require.NoError(t, tracker.Release(ctx, "SALE10", holder, holderOrder))

	v, err = tracker.Voucher(ctx, "SALE10")
	require.NoError(t, err)
	require.EqualValues(t, 2, v.Used)

	_, err = tracker.CheckAndReserve(ctx, "missing", "c1", "ORD-1", 100000, now)
	require.ErrorIs(t, err, domain.ErrVoucherNotFound)
}
