package app

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/storefront/internal/health"
	"github.com/vladislavdragonenkov/storefront/internal/httpapi"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
)

func newTestServices(t *testing.T, cfg Config) (*Dependencies, *services) {
	t.Helper()
	deps, err := NewDependencies(context.Background(), cfg, log.WithField("test", "services"))
	require.NoError(t, err)
	t.Cleanup(deps.Close)

	fm := metrics.NewFulfillmentMetricsWithRegisterer(prometheus.NewRegistry())
	return deps, createServices(cfg, deps, fm, log.WithField("test", "services"))
}

func TestCreateServices_WithoutGateway(t *testing.T) {
	_, svc := newTestServices(t, DefaultConfig())

	require.NotNil(t, svc.checkout)
	require.NotNil(t, svc.orchestrator)
	require.NotNil(t, svc.batch)
	require.NotNil(t, svc.reconciler)
	require.Nil(t, svc.gatewayClient)
	require.Nil(t, svc.poller)
}

func TestCreateServices_WithGateway(t *testing.T) {
	cfg := DefaultConfig()
	cfg.GatewayURL = "http://127.0.0.1:1"
	deps, svc := newTestServices(t, cfg)

	require.NotNil(t, svc.gatewayClient)
	require.NotNil(t, svc.poller)

	h := healthcheck.NewHandler("test")
	registerHealthChecks(h, cfg, deps, svc)
	require.Equal(t, []string{"outbox", "payment-gateway"}, h.Names())
}

func TestRegisterHealthChecks_OutboxBacklogDegrades(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OutboxMaxPending = 1
	deps, svc := newTestServices(t, cfg)

	for _, id := range []string{"a", "b"} {
		_, err := deps.Outbox.Enqueue(context.Background(), domain.OutboxMessage{AggregateType: domain.AggregateOrder, AggregateID: id, EventType: "order.created"})
		require.NoError(t, err)
	}

	h := healthcheck.NewHandler("test")
	registerHealthChecks(h, cfg, deps, svc)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp healthcheck.Response
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Equal(t, healthcheck.StatusDegraded, resp.Status)
	require.Contains(t, resp.Checks["outbox"].Message, "backlog 2 exceeds 1")
}

// Сквозная проверка сборки: seed, оформление и доставка через HTTP API.
func TestWiring_CheckoutThroughDelivery(t *testing.T) {
	ctx := context.Background()
	deps, svc := newTestServices(t, DefaultConfig())
	require.NoError(t, deps.Seed(ctx, Seed{
		Products: []SeedProduct{{ID: "tee", Name: "Tee", PriceMinor: 100000, Stock: 3}},
	}))

	api := httpapi.NewHandler(httpapi.Deps{
		Checkout:     svc.checkout,
		Orchestrator: svc.orchestrator,
		Batch:        svc.batch,
		Payments:     svc.reconciler,
		Idempotency:  deps.Idempotency,
	}, nil)
	srv := httptest.NewServer(api.Router())
	defer srv.Close()

	post := func(path string, body any) (int, map[string]any) {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		resp, err := http.Post(srv.URL+path, "application/json", bytes.NewReader(data))
		require.NoError(t, err)
		defer resp.Body.Close()
		var out map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
		return resp.StatusCode, out
	}

	code, order := post("/v1/orders", map[string]any{
		"customer_id": "customer-1",
		"lines":       []map[string]any{{"product_id": "tee", "qty": 3}},
		"shipping_address": map[string]any{
			"recipient": "Lan", "phone": "0900000000", "line1": "1 Main St",
		},
		"payment_channel": "cod",
	})
	require.Equal(t, http.StatusCreated, code, "%v", order)
	id := order["id"].(string)

	for _, status := range []string{"confirmed", "shipping", "delivered"} {
		code, body := post("/v1/admin/orders/"+id+"/status", map[string]any{"status": status})
		require.Equal(t, http.StatusOK, code, "%v", body)
	}

	product, err := deps.Stock.Product(ctx, "tee")
	require.NoError(t, err)
	require.Equal(t, int64(0), product.Stock)
	require.Equal(t, int64(3), product.SoldCount)

	balance, err := deps.Points.Balance(ctx, "customer-1")
	require.NoError(t, err)
	require.Equal(t, int64(30), balance)

	stats, err := deps.Outbox.Stats(ctx)
	require.NoError(t, err)
	require.Positive(t, stats.PendingCount, "events and notifications are queued in outbox")
}
