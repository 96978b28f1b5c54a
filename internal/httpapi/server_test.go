package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/checkout"
	"github.com/vladislavdragonenkov/storefront/internal/service/payment"
	"github.com/vladislavdragonenkov/storefront/internal/service/saga"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
)

type testGateway struct {
	err error
}

func (g testGateway) CreatePaymentLink(_ context.Context, order domain.Order) (domain.PaymentLink, error) {
	if g.err != nil {
		return domain.PaymentLink{}, g.err
	}
	return domain.PaymentLink{URL: "https://pay.example/" + order.ID, GatewayRef: "gw-" + order.ID}, nil
}

func (g testGateway) GetStatus(context.Context, domain.Order) (domain.GatewayStatus, error) {
	return domain.GatewayStatus{State: domain.GatewayStatePending}, nil
}

type testAPI struct {
	srv    *httptest.Server
	stock  *memory.StockLedger
	points *memory.PointLedger
}

func newTestAPI(t *testing.T, gateway domain.PaymentGateway) *testAPI {
	t.Helper()

	orders := memory.NewOrderRepository()
	outbox := memory.NewOutboxRepository()
	stock := memory.NewStockLedger()
	stock.AddProduct(domain.Product{ID: "tee", Name: "Tee", PriceMinor: 100000, Stock: 10})
	points := memory.NewPointLedger(domain.DefaultPointPolicy())
	vouchers := memory.NewVoucherTracker()
	vouchers.AddVoucher(domain.Voucher{Code: "SALE10", Kind: domain.VoucherKindPercent, Value: 10, Cap: 1})

	checkoutSvc := checkout.NewService(checkout.Deps{
		Orders: orders, Outbox: outbox, Catalog: stock, Stock: stock, Points: points, Vouchers: vouchers,
	}, nil)
	orch := saga.NewOrchestrator(saga.Deps{
		Orders: orders, Outbox: outbox, Stock: stock, Points: points, Vouchers: vouchers,
	}, nil)
	rec := payment.NewReconciler(payment.Deps{Orders: orders, Stock: stock, Outbox: outbox, Gateway: gateway}, nil)

	h := NewHandler(Deps{
		Checkout:     checkoutSvc,
		Orchestrator: orch,
		Payments:     rec,
		Idempotency:  memory.NewIdempotencyRepository(),
	}, nil)
	srv := httptest.NewServer(h.Router())
	t.Cleanup(srv.Close)
	return &testAPI{srv: srv, stock: stock, points: points}
}

func (a *testAPI) do(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, map[string]any) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, a.srv.URL+path, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if resp.StatusCode != http.StatusNoContent {
		_ = json.NewDecoder(resp.Body).Decode(&out)
	}
	return resp, out
}

func (a *testAPI) stockOf(t *testing.T) int64 {
	t.Helper()
	p, err := a.stock.Product(context.Background(), "tee")
	require.NoError(t, err)
	return p.Stock
}

func orderBody(customerID string, qty int64, channel string) map[string]any {
	return map[string]any{
		"customer_id": customerID,
		"lines":       []map[string]any{{"product_id": "tee", "qty": qty}},
		"shipping_address": map[string]any{
			"recipient": "Lan", "phone": "0900000000", "line1": "1 Main St", "city": "Hanoi",
		},
		"payment_channel": channel,
	}
}

func errorCode(body map[string]any) string {
	errBody, _ := body["error"].(map[string]any)
	code, _ := errBody["code"].(string)
	return code
}

func TestAPI_CreateOrderIsIdempotent(t *testing.T) {
	api := newTestAPI(t, testGateway{})
	headers := map[string]string{"Idempotency-Key": "checkout-1"}

	resp, body := api.do(t, http.MethodPost, "/v1/orders", orderBody("customer-1", 2, "cod"), headers)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := body["id"].(string)
	require.Regexp(t, `^ORD-[0-9A-F]{16}$`, id)

	resp, replay := api.do(t, http.MethodPost, "/v1/orders", orderBody("customer-1", 2, "cod"), headers)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	require.Equal(t, "true", resp.Header.Get("Idempotent-Replayed"))
	require.Equal(t, id, replay["id"])
	require.Equal(t, int64(8), api.stockOf(t), "replayed checkout must not reserve twice")

	resp, body = api.do(t, http.MethodPost, "/v1/orders", orderBody("customer-1", 3, "cod"), headers)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	require.Equal(t, "idempotency_mismatch", errorCode(body))
}

func TestAPI_CheckoutErrors(t *testing.T) {
	api := newTestAPI(t, testGateway{})

	resp, body := api.do(t, http.MethodPost, "/v1/orders", orderBody("", 1, "cod"), nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	require.Equal(t, "invalid_argument", errorCode(body))

	resp, body = api.do(t, http.MethodPost, "/v1/orders", orderBody("customer-1", 11, "cod"), nil)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	require.Contains(t, body["error"].(map[string]any)["message"], "only 10 units left")

	resp, _ = api.do(t, http.MethodPost, "/v1/orders", map[string]any{"unknown": true}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = api.do(t, http.MethodGet, "/v1/orders/ORD-NOPE", nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_LifecycleAndReads(t *testing.T) {
	api := newTestAPI(t, testGateway{})

	_, created := api.do(t, http.MethodPost, "/v1/orders", orderBody("customer-1", 2, "cod"), nil)
	id := created["id"].(string)

	for _, status := range []string{"confirmed", "shipping", "delivered"} {
		resp, body := api.do(t, http.MethodPost, "/v1/admin/orders/"+id+"/status", map[string]any{"status": status}, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode, "transition to %s: %v", status, body)
		require.Equal(t, status, body["status"])
	}

	resp, body := api.do(t, http.MethodPost, "/v1/admin/orders/"+id+"/status", map[string]any{"status": "shipping"}, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	require.Equal(t, "illegal_transition", errorCode(body))

	resp, body = api.do(t, http.MethodPost, "/v1/admin/orders/"+id+"/status", map[string]any{"status": "lost"}, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = api.do(t, http.MethodGet, "/v1/customers/customer-1/points", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, float64(20), body["balance"])

	resp, body = api.do(t, http.MethodGet, "/v1/customers/customer-1/points/history", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body["entries"], 1)

	resp, body = api.do(t, http.MethodGet, "/v1/customers/customer-1/orders?limit=5", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, body["orders"], 1)

	resp, body = api.do(t, http.MethodGet, "/v1/admin/products/tee/movements", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, body["stock"], body["replayed_stock"])
	require.Equal(t, float64(2), body["sold_count"])
}

func TestAPI_IdempotencyKeyIsScopedPerOperation(t *testing.T) {
	api := newTestAPI(t, testGateway{})
	headers := map[string]string{"Idempotency-Key": "client-key-7"}

	resp, created := api.do(t, http.MethodPost, "/v1/orders", orderBody("customer-1", 1, "cod"), headers)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := created["id"].(string)

	resp, body := api.do(t, http.MethodPost, "/v1/orders/"+id+"/cancel", map[string]any{"reason": "duplicate cart"}, headers)
	require.Equal(t, http.StatusOK, resp.StatusCode, "cancel with the checkout key must run, not replay checkout")
	require.Empty(t, resp.Header.Get("Idempotent-Replayed"))
	require.Equal(t, "cancelled", body["status"])
	require.Equal(t, int64(10), api.stockOf(t))

	resp, replay := api.do(t, http.MethodPost, "/v1/orders/"+id+"/cancel", map[string]any{"reason": "duplicate cart"}, headers)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "true", resp.Header.Get("Idempotent-Replayed"))
	require.Equal(t, "cancelled", replay["status"])
}

func TestAPI_CancelAndPurge(t *testing.T) {
	api := newTestAPI(t, testGateway{})

	_, created := api.do(t, http.MethodPost, "/v1/orders", orderBody("customer-1", 3, "cod"), nil)
	id := created["id"].(string)
	require.Equal(t, int64(7), api.stockOf(t))

	resp, body := api.do(t, http.MethodPost, "/v1/orders/"+id+"/cancel", map[string]any{"reason": "changed my mind"}, map[string]string{"Idempotency-Key": "cancel-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "cancelled", body["status"])
	require.Equal(t, int64(10), api.stockOf(t))

	resp, _ = api.do(t, http.MethodPost, "/v1/orders/"+id+"/cancel", map[string]any{"reason": "changed my mind"}, map[string]string{"Idempotency-Key": "cancel-1"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	_, second := api.do(t, http.MethodPost, "/v1/orders", orderBody("customer-1", 1, "cod"), nil)
	resp, _ = api.do(t, http.MethodDelete, "/v1/admin/orders/"+second["id"].(string)+"?reason=fraud", nil, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)
	require.Equal(t, int64(10), api.stockOf(t), "purge compensates before delete")

	resp, _ = api.do(t, http.MethodGet, "/v1/orders/"+second["id"].(string), nil, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_BatchTransition(t *testing.T) {
	api := newTestAPI(t, testGateway{})

	_, a := api.do(t, http.MethodPost, "/v1/orders", orderBody("customer-1", 1, "cod"), nil)
	_, b := api.do(t, http.MethodPost, "/v1/orders", orderBody("customer-2", 1, "cod"), nil)

	resp, body := api.do(t, http.MethodPost, "/v1/admin/orders/status/batch", map[string]any{
		"orders": []map[string]any{
			{"order_id": a["id"], "status": "shipping"},
			{"order_id": b["id"], "status": "delivered"},
		},
	}, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	results := body["results"].([]any)
	require.Len(t, results, 2)
	first := results[0].(map[string]any)
	require.Equal(t, "shipping", first["order"].(map[string]any)["status"])
	second := results[1].(map[string]any)
	require.Equal(t, "illegal_transition", second["error"].(map[string]any)["code"])
}

func TestAPI_PaymentFlow(t *testing.T) {
	api := newTestAPI(t, testGateway{})

	_, cod := api.do(t, http.MethodPost, "/v1/orders", orderBody("customer-1", 1, "cod"), nil)
	resp, _ := api.do(t, http.MethodPost, "/v1/orders/"+cod["id"].(string)+"/payment-link", nil, nil)
	require.Equal(t, http.StatusConflict, resp.StatusCode)

	_, card := api.do(t, http.MethodPost, "/v1/orders", orderBody("customer-1", 1, "card"), nil)
	id := card["id"].(string)
	resp, link := api.do(t, http.MethodPost, "/v1/orders/"+id+"/payment-link", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "gw-"+id, link["gateway_ref"])

	notification := map[string]any{"order_id": id, "transaction_id": "txn-1", "status": "succeeded"}
	resp, body := api.do(t, http.MethodPost, "/v1/payments/webhooks/card", notification, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "applied", body["outcome"])

	resp, body = api.do(t, http.MethodPost, "/v1/payments/return", notification, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "already_applied", body["outcome"])
	require.Equal(t, "paid", body["payment_status"])

	resp, body = api.do(t, http.MethodPost, "/v1/payments/webhooks/card", map[string]any{"order_id": id, "transaction_id": "txn-2", "status": "pending"}, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Equal(t, "ignored", body["outcome"])

	resp, _ = api.do(t, http.MethodPost, "/v1/payments/webhooks/cod", notification, nil)
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = api.do(t, http.MethodPost, "/v1/payments/webhooks/card", map[string]any{"order_id": "ORD-NOPE", "transaction_id": "t", "status": "failed"}, nil)
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestAPI_PaymentLinkGatewayDown(t *testing.T) {
	api := newTestAPI(t, testGateway{err: errors.Join(domain.ErrGatewayUnavailable, errors.New("timeout"))})

	_, card := api.do(t, http.MethodPost, "/v1/orders", orderBody("customer-1", 1, "redirect"), nil)
	resp, body := api.do(t, http.MethodPost, "/v1/orders/"+card["id"].(string)+"/payment-link", nil, nil)
	require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	require.Equal(t, "gateway_unavailable", errorCode(body))
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{err: &domain.ValidationError{Field: "qty", Message: "bad"}, want: http.StatusBadRequest},
		{err: domain.ErrOrderNotFound, want: http.StatusNotFound},
		{err: &domain.InsufficientStockError{ProductID: "tee", Requested: 3, Available: 1}, want: http.StatusUnprocessableEntity},
		{err: &domain.InsufficientBalanceError{Requested: 5, Balance: 1}, want: http.StatusUnprocessableEntity},
		{err: domain.ErrVoucherCapReached, want: http.StatusUnprocessableEntity},
		{err: &domain.IllegalTransitionError{From: domain.OrderStatusDelivered, To: domain.OrderStatusCancelled}, want: http.StatusConflict},
		{err: domain.ErrTransitionInProgress, want: http.StatusConflict},
		{err: domain.ErrGatewayUnavailable, want: http.StatusServiceUnavailable},
		{err: errors.New("boom"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		code, _ := classifyError(tt.err)
		require.Equal(t, tt.want, code, "error %v", tt.err)
	}
}
