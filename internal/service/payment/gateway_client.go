package payment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const (
	defaultGatewayTimeout     = 5 * time.Second
	defaultBreakerMaxFailures = 5
	defaultBreakerReset       = 30 * time.Second
)

var tracer = otel.Tracer("github.com/vladislavdragonenkov/storefront/internal/service/payment")

// GatewayConfig — параметры HTTP-клиента платёжного шлюза.
type GatewayConfig struct {
	BaseURL            string
	APIKey             string
	ReturnURL          string
	Timeout            time.Duration
	UserAgent          string
	BreakerMaxFailures int
	BreakerReset       time.Duration
}

type createLinkRequest struct {
	OrderID     string `json:"order_id"`
	AmountMinor int64  `json:"amount_minor"`
	Channel     string `json:"channel"`
	ReturnURL   string `json:"return_url,omitempty"`
	Description string `json:"description,omitempty"`
}

type createLinkResponse struct {
	URL       string    `json:"url"`
	Reference string    `json:"reference"`
	ExpiresAt time.Time `json:"expires_at"`
}

type statusResponse struct {
	State         string `json:"state"`
	TransactionID string `json:"transaction_id"`
	Reason        string `json:"reason"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// GatewayClient ходит во внешний платёжный шлюз по HTTP.
// Транспортные ошибки и 5xx превращаются в ErrGatewayUnavailable и считаются
// circuit breaker'ом, 4xx превращаются в ErrGatewayRejected.
type GatewayClient struct {
	http      *resty.Client
	breaker   *CircuitBreaker
	returnURL string
	logger    *log.Entry
}

var _ domain.PaymentGateway = (*GatewayClient)(nil)

// NewGatewayClient создаёт клиент шлюза.
func NewGatewayClient(cfg GatewayConfig, logger *log.Entry) *GatewayClient {
	if logger == nil {
		logger = log.New().WithField("component", "payment-gateway")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultGatewayTimeout
	}
	if cfg.BreakerMaxFailures <= 0 {
		cfg.BreakerMaxFailures = defaultBreakerMaxFailures
	}
	if cfg.BreakerReset <= 0 {
		cfg.BreakerReset = defaultBreakerReset
	}

	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")
	if cfg.APIKey != "" {
		client.SetAuthToken(cfg.APIKey)
	}
	if cfg.UserAgent != "" {
		client.SetHeader("User-Agent", cfg.UserAgent)
	}

	return &GatewayClient{
		http:      client,
		breaker:   NewCircuitBreaker(cfg.BreakerMaxFailures, cfg.BreakerReset, logger.WithField("layer", "breaker")),
		returnURL: cfg.ReturnURL,
		logger:    logger,
	}
}

// BreakerState — текущее состояние circuit breaker (для health check).
func (c *GatewayClient) BreakerState() CircuitState {
	return c.breaker.State()
}

// CreatePaymentLink создаёт платёжную ссылку на сумму заказа.
func (c *GatewayClient) CreatePaymentLink(ctx context.Context, order domain.Order) (domain.PaymentLink, error) {
	ctx, span := tracer.Start(ctx, "payment.CreatePaymentLink", trace.WithAttributes(
		attribute.String("order.id", order.ID),
		attribute.String("payment.channel", string(order.PaymentChannel)),
	))
	defer span.End()

	var out createLinkResponse
	err := c.breaker.Execute(ctx, "create_payment_link", countsAsFailure, func(ctx context.Context) error {
		var apiErr errorResponse
		resp, err := c.http.R().
			SetContext(ctx).
			SetBody(createLinkRequest{
				OrderID:     order.ID,
				AmountMinor: order.Totals.GrandTotalMinor,
				Channel:     string(order.PaymentChannel),
				ReturnURL:   c.returnURL,
				Description: "Order " + order.ID,
			}).
			SetResult(&out).
			SetError(&apiErr).
			Post("/v1/payment-links")
		return classify(resp, err, apiErr)
	})
	if err != nil {
		c.fail(span, order.ID, "create payment link failed", err)
		return domain.PaymentLink{}, err
	}
	if out.URL == "" || out.Reference == "" {
		err := fmt.Errorf("%w: empty payment link in response", domain.ErrGatewayUnavailable)
		c.fail(span, order.ID, "create payment link failed", err)
		return domain.PaymentLink{}, err
	}

	span.SetAttributes(attribute.String("payment.gateway_ref", out.Reference))
	return domain.PaymentLink{URL: out.URL, GatewayRef: out.Reference, ExpiresAt: out.ExpiresAt}, nil
}

// GetStatus запрашивает статус платежа по ссылке, сохранённой в заказе.
func (c *GatewayClient) GetStatus(ctx context.Context, order domain.Order) (domain.GatewayStatus, error) {
	if order.GatewayRef == "" {
		return domain.GatewayStatus{}, &domain.ValidationError{Field: "gateway_ref", Message: "order has no payment link"}
	}

	ctx, span := tracer.Start(ctx, "payment.GetStatus", trace.WithAttributes(
		attribute.String("order.id", order.ID),
		attribute.String("payment.gateway_ref", order.GatewayRef),
	))
	defer span.End()

	var out statusResponse
	err := c.breaker.Execute(ctx, "get_status", countsAsFailure, func(ctx context.Context) error {
		var apiErr errorResponse
		resp, err := c.http.R().
			SetContext(ctx).
			SetPathParam("ref", order.GatewayRef).
			SetResult(&out).
			SetError(&apiErr).
			Get("/v1/payments/{ref}")
		return classify(resp, err, apiErr)
	})
	if err != nil {
		c.fail(span, order.ID, "get payment status failed", err)
		return domain.GatewayStatus{}, err
	}

	state := domain.GatewayState(strings.ToLower(out.State))
	switch state {
	case domain.GatewayStatePending, domain.GatewayStateSucceeded, domain.GatewayStateFailed, domain.GatewayStateRefunded:
	default:
		err := fmt.Errorf("%w: unknown payment state %q", domain.ErrGatewayUnavailable, out.State)
		c.fail(span, order.ID, "get payment status failed", err)
		return domain.GatewayStatus{}, err
	}

	span.SetAttributes(attribute.String("payment.state", string(state)))
	return domain.GatewayStatus{State: state, TransactionID: out.TransactionID, Reason: out.Reason}, nil
}

func (c *GatewayClient) fail(span trace.Span, orderID, msg string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
	c.logger.WithError(err).WithField("order_id", orderID).Warn(msg)
}

func classify(resp *resty.Response, err error, apiErr errorResponse) error {
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrGatewayUnavailable, err)
	}
	status := resp.StatusCode()
	switch {
	case status >= http.StatusInternalServerError, status == http.StatusTooManyRequests, status == http.StatusRequestTimeout:
		return fmt.Errorf("%w: status %d", domain.ErrGatewayUnavailable, status)
	case status >= http.StatusBadRequest:
		msg := apiErr.Message
		if msg == "" {
			msg = strings.TrimSpace(resp.String())
		}
		return fmt.Errorf("%w: status %d: %s", domain.ErrGatewayRejected, status, msg)
	}
	return nil
}

// countsAsFailure: отказ шлюза по бизнес-причине не говорит о его недоступности.
func countsAsFailure(err error) bool {
	return !errors.Is(err, domain.ErrGatewayRejected)
}
