package redisstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const defaultLocalRedisAddr = "localhost:6379"

func openRedisForIntegrationTest(t *testing.T) *redis.Client {
	t.Helper()

	addr := strings.TrimSpace(os.Getenv("STOREFRONT_REDIS_TEST_ADDR"))
	if addr == "" {
		addr = defaultLocalRedisAddr
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	client, err := Open(ctx, addr)
	if err != nil {
		t.Skipf("redis is not available for integration tests: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("flush redis: %v", err)
	}
	return client
}

func TestStockLedger_RedisLifecycleAndReplay(t *testing.T) {
	ledger := NewStockLedger(openRedisForIntegrationTest(t))
	ctx := context.Background()

	require.NoError(t, ledger.UpsertProduct(ctx, domain.Product{ID: "tee", Name: "Tee", PriceMinor: 150000, Variants: []string{"M"}}))
	require.NoError(t, ledger.Restock(ctx, "tee", 10))

	lines := []domain.StockLine{{Index: 0, ProductID: "tee", Qty: 2}}
	require.NoError(t, ledger.Reserve(ctx, "ORD-1", lines))
	require.NoError(t, ledger.Reserve(ctx, "ORD-1", lines))
	require.NoError(t, ledger.CommitSale(ctx, "ORD-1", lines))

	p, err := ledger.Product(ctx, "tee")
	require.NoError(t, err)
	require.EqualValues(t, 8, p.Stock)
	require.EqualValues(t, 2, p.SoldCount)
	require.Equal(t, []string{"M"}, p.Variants)

	require.NoError(t, ledger.ReverseSale(ctx, "ORD-1", lines))
	require.NoError(t, ledger.Release(ctx, "ORD-1", lines), "release after reverse sale is a no-op")

	p, err = ledger.Product(ctx, "tee")
	require.NoError(t, err)
	require.EqualValues(t, 10, p.Stock)
	require.EqualValues(t, 0, p.SoldCount)

	movements, err := ledger.Movements(ctx, "tee")
	require.NoError(t, err)
	require.Len(t, movements, 4)
	stock, sold := domain.ReplayStock(movements)
	require.Equal(t, p.Stock, stock)
	require.Equal(t, p.SoldCount, sold)
}

func TestStockLedger_RedisReserveIsAllOrNothing(t *testing.T) {
	ledger := NewStockLedger(openRedisForIntegrationTest(t))
	ctx := context.Background()

	for id, stock := range map[string]int64{"a": 5, "b": 1} {
		require.NoError(t, ledger.UpsertProduct(ctx, domain.Product{ID: id, Name: id, PriceMinor: 100}))
		require.NoError(t, ledger.Restock(ctx, id, stock))
	}

	err := ledger.Reserve(ctx, "ORD-1", []domain.StockLine{
		{Index: 0, ProductID: "a", Qty: 3},
		{Index: 1, ProductID: "b", Qty: 2},
	})
	var insufficient *domain.InsufficientStockError
	require.True(t, errors.As(err, &insufficient), "got %v", err)
	require.Equal(t, "b", insufficient.ProductID)
	require.EqualValues(t, 1, insufficient.Available)

	a, err := ledger.Product(ctx, "a")
	require.NoError(t, err)
	require.EqualValues(t, 5, a.Stock)

	err = ledger.Reserve(ctx, "ORD-2", []domain.StockLine{{ProductID: "missing", Qty: 1}})
	require.ErrorIs(t, err, domain.ErrProductNotFound)
}

func TestStockLedger_RedisConcurrentReservationsNeverOversell(t *testing.T) {
	ledger := NewStockLedger(openRedisForIntegrationTest(t))
	ctx := context.Background()
	require.NoError(t, ledger.UpsertProduct(ctx, domain.Product{ID: "flash", Name: "Flash", PriceMinor: 1000}))
	require.NoError(t, ledger.Restock(ctx, "flash", 20))

	var (
		wg sync.WaitGroup
		ok atomic.Int64
	)
	for i := 0; i < 80; i++ {
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
	require.EqualValues(t, 20, ok.Load())
	require.EqualValues(t, 0, p.Stock)
}
