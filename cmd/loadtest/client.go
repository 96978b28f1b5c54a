package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/vladislavdragonenkov/storefront/internal/version"
)

type orderLine struct {
	ProductID string `json:"product_id"`
	Variant   string `json:"variant,omitempty"`
	Qty       int64  `json:"qty"`
}

type shippingAddress struct {
	Recipient string `json:"recipient"`
	Phone     string `json:"phone"`
	Line1     string `json:"line1"`
	City      string `json:"city,omitempty"`
}

type createOrderRequest struct {
	CustomerID      string          `json:"customer_id"`
	Lines           []orderLine     `json:"lines"`
	ShippingAddress shippingAddress `json:"shipping_address"`
	PaymentChannel  string          `json:"payment_channel"`
}

type orderResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

type movementsResponse struct {
	ProductID     string `json:"product_id"`
	Stock         int64  `json:"stock"`
	SoldCount     int64  `json:"sold_count"`
	ReplayedStock int64  `json:"replayed_stock"`
	ReplayedSold  int64  `json:"replayed_sold"`
}

type errorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// apiError — ответ API с кодом не 2xx.
type apiError struct {
	Status  int
	Code    string
	Message string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("storefront api: %d %s: %s", e.Status, e.Code, e.Message)
}

// soldOut — бизнес-отказ checkout, на распродаже это почти всегда нехватка остатка.
func (e *apiError) soldOut() bool {
	return e.Status == http.StatusUnprocessableEntity && e.Code == "rejected"
}

// storefrontClient — вызовы API, которые делает нагрузочный тест.
type storefrontClient interface {
	CreateOrder(ctx context.Context, req createOrderRequest, idempotencyKey string) (orderResponse, error)
	CancelOrder(ctx context.Context, orderID, reason, idempotencyKey string) (orderResponse, error)
	Transition(ctx context.Context, orderID, status, idempotencyKey string) (orderResponse, error)
	Movements(ctx context.Context, productID string) (movementsResponse, error)
}

type httpClient struct {
	http *resty.Client
}

func newStorefrontClient(baseURL string, timeout time.Duration) *httpClient {
	return &httpClient{
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(timeout).
			SetHeader("User-Agent", version.UserAgent("loadtest")).
			SetHeader("Accept", "application/json"),
	}
}

func (c *httpClient) CreateOrder(ctx context.Context, req createOrderRequest, idempotencyKey string) (orderResponse, error) {
	var order orderResponse
	err := c.post(ctx, "/v1/orders", req, idempotencyKey, &order)
	return order, err
}

func (c *httpClient) CancelOrder(ctx context.Context, orderID, reason, idempotencyKey string) (orderResponse, error) {
	var order orderResponse
	err := c.post(ctx, "/v1/orders/"+url.PathEscape(orderID)+"/cancel", map[string]string{"reason": reason}, idempotencyKey, &order)
	return order, err
}

func (c *httpClient) Transition(ctx context.Context, orderID, status, idempotencyKey string) (orderResponse, error) {
	var order orderResponse
	err := c.post(ctx, "/v1/admin/orders/"+url.PathEscape(orderID)+"/status", map[string]string{"status": status}, idempotencyKey, &order)
	return order, err
}

func (c *httpClient) Movements(ctx context.Context, productID string) (movementsResponse, error) {
	var out movementsResponse
	var apiErr errorEnvelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		SetError(&apiErr).
		Get("/v1/admin/products/" + url.PathEscape(productID) + "/movements")
	if err != nil {
		return movementsResponse{}, err
	}
	if resp.IsError() {
		return movementsResponse{}, toAPIError(resp, apiErr)
	}
	return out, nil
}

func (c *httpClient) post(ctx context.Context, path string, body any, idempotencyKey string, result any) error {
	var apiErr errorEnvelope
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeader(idempotencyHeader, idempotencyKey).
		SetBody(body).
		SetResult(result).
		SetError(&apiErr).
		Post(path)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return toAPIError(resp, apiErr)
	}
	return nil
}

func toAPIError(resp *resty.Response, body errorEnvelope) *apiError {
	return &apiError{
		Status:  resp.StatusCode(),
		Code:    body.Error.Code,
		Message: body.Error.Message,
	}
}

var _ storefrontClient = (*httpClient)(nil)
