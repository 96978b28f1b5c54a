package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/checkout"
	"github.com/vladislavdragonenkov/storefront/internal/service/payment"
	"github.com/vladislavdragonenkov/storefront/internal/service/saga"
)

const defaultRequestTimeout = 15 * time.Second

// Deps — сервисы, которые обслуживает HTTP API. Idempotency опционален.
type Deps struct {
	Checkout     *checkout.Service
	Orchestrator saga.Orchestrator
	Batch        *saga.BatchProcessor
	Payments     *payment.Reconciler
	Idempotency  domain.IdempotencyRepository
	Timeout      time.Duration
	Now          func() time.Time
}

// Handler — HTTP API витрины.
type Handler struct {
	checkout     *checkout.Service
	orchestrator saga.Orchestrator
	batch        *saga.BatchProcessor
	payments     *payment.Reconciler
	idempotency  domain.IdempotencyRepository
	timeout      time.Duration
	now          func() time.Time
	logger       *log.Entry
}

// NewHandler создаёт HTTP API.
func NewHandler(deps Deps, logger *log.Entry) *Handler {
	if logger == nil {
		logger = log.New().WithField("component", "http")
	}
	if deps.Timeout <= 0 {
		deps.Timeout = defaultRequestTimeout
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	if deps.Batch == nil && deps.Orchestrator != nil {
		deps.Batch = saga.NewBatchProcessor(deps.Orchestrator, 0, logger.WithField("layer", "batch"))
	}
	return &Handler{
		checkout:     deps.Checkout,
		orchestrator: deps.Orchestrator,
		batch:        deps.Batch,
		payments:     deps.Payments,
		idempotency:  deps.Idempotency,
		timeout:      deps.Timeout,
		now:          deps.Now,
		logger:       logger,
	}
}

// Router собирает маршруты API.
func (h *Handler) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Use(h.accessLog)
	r.Use(middleware.Timeout(h.timeout))

	r.Route("/v1", func(r chi.Router) {
		r.With(h.idempotent(domain.IdempotencyScopeCheckout)).Post("/orders", h.createOrder)
		r.Get("/orders/{id}", h.getOrder)
		r.With(h.idempotent(domain.IdempotencyScopeCancel)).Post("/orders/{id}/cancel", h.cancelOrder)
		r.With(h.idempotent(domain.IdempotencyScopePaymentLink)).Post("/orders/{id}/payment-link", h.createPaymentLink)

		r.Get("/customers/{id}/orders", h.listCustomerOrders)
		r.Get("/customers/{id}/points", h.pointBalance)
		r.Get("/customers/{id}/points/history", h.pointHistory)

		r.Route("/admin", func(r chi.Router) {
			r.With(h.idempotent(domain.IdempotencyScopeTransition)).Post("/orders/{id}/status", h.transitionOrder)
			r.With(h.idempotent(domain.IdempotencyScopeBatchTransition)).Post("/orders/status/batch", h.batchTransition)
			r.Delete("/orders/{id}", h.purgeOrder)
			r.Get("/products/{id}/movements", h.productMovements)
		})

		r.Post("/payments/webhooks/{channel}", h.paymentWebhook)
		r.Post("/payments/return", h.paymentReturn)
	})
	return r
}

// accessLog пишет по строке на запрос в формате logrus.
func (h *Handler) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		started := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		h.logger.WithFields(log.Fields{
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      ww.Status(),
			"bytes":       ww.BytesWritten(),
			"duration_ms": time.Since(started).Milliseconds(),
			"request_id":  middleware.GetReqID(r.Context()),
		}).Debug("http request")
	})
}
