package app

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/storefront/internal/health"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/service/checkout"
	"github.com/vladislavdragonenkov/storefront/internal/service/notification"
	"github.com/vladislavdragonenkov/storefront/internal/service/payment"
	"github.com/vladislavdragonenkov/storefront/internal/service/saga"
	"github.com/vladislavdragonenkov/storefront/internal/version"
)

// services — доменные сервисы поверх хранилищ.
type services struct {
	checkout      *checkout.Service
	orchestrator  saga.Orchestrator
	batch         *saga.BatchProcessor
	reconciler    *payment.Reconciler
	gatewayClient *payment.GatewayClient
	poller        *payment.Poller
}

// createServices собирает оформление, оркестратор и сверку платежей.
// Без STOREFRONT_GATEWAY_URL онлайн-оплата недоступна: payment-link отвечает 503,
// а poller не запускается.
func createServices(cfg Config, deps *Dependencies, fm *metrics.FulfillmentMetrics, logger *log.Entry) *services {
	notifier := notification.NewOutboxNotifier(deps.Outbox, logger.WithField("component", "notifier"))
	retry := saga.DefaultRetryConfig()

	var (
		gateway       domain.PaymentGateway
		gatewayClient *payment.GatewayClient
	)
	if cfg.GatewayURL != "" {
		gatewayClient = payment.NewGatewayClient(payment.GatewayConfig{
			BaseURL:   cfg.GatewayURL,
			APIKey:    cfg.GatewayAPIKey,
			ReturnURL: cfg.GatewayReturnURL,
			Timeout:   cfg.GatewayTimeout,
			UserAgent: version.UserAgent("api"),
		}, logger.WithField("component", "payment-gateway"))
		gateway = gatewayClient
	}

	checkoutSvc := checkout.NewService(checkout.Deps{
		Orders:   deps.Orders,
		Outbox:   deps.Outbox,
		Catalog:  deps.Catalog,
		Stock:    deps.Stock,
		Points:   deps.Points,
		Vouchers: deps.Vouchers,
		Notifier: notifier,
		Metrics:  fm,
		Policy:   cfg.PointPolicy,
		Pricing: checkout.Pricing{
			ShippingFeeMinor:           cfg.ShippingFeeMinor,
			FreeShippingThresholdMinor: cfg.FreeShippingThresholdMinor,
		},
	}, logger.WithField("component", "checkout"))

	orchestrator := saga.NewOrchestrator(saga.Deps{
		Orders:   deps.Orders,
		Outbox:   deps.Outbox,
		Stock:    deps.Stock,
		Points:   deps.Points,
		Vouchers: deps.Vouchers,
		Notifier: notifier,
		Metrics:  fm,
		Retry:    retry,
	}, logger.WithField("component", "saga"))

	reconciler := payment.NewReconciler(payment.Deps{
		Orders:   deps.Orders,
		Stock:    deps.Stock,
		Outbox:   deps.Outbox,
		Gateway:  gateway,
		Notifier: notifier,
		Metrics:  fm,
		Retry:    retry,
	}, logger.WithField("component", "payment-reconciler"))

	svc := &services{
		checkout:      checkoutSvc,
		orchestrator:  orchestrator,
		batch:         saga.NewBatchProcessor(orchestrator, cfg.BatchParallelism, logger.WithField("component", "batch-processor")),
		reconciler:    reconciler,
		gatewayClient: gatewayClient,
	}
	if gateway != nil {
		svc.poller = payment.NewPoller(deps.Orders, gateway, reconciler,
			payment.WithPollerLogger(logger.WithField("component", "payment-poller")),
			payment.WithPollerInterval(cfg.PollerInterval),
			payment.WithPollerMinAge(cfg.PollerMinAge),
		)
	}
	return svc
}

// registerHealthChecks добавляет некритичные проверки: backlog outbox и
// состояние circuit breaker платёжного шлюза.
func registerHealthChecks(h *healthcheck.Handler, cfg Config, deps *Dependencies, svc *services) {
	deps.RegisterHealthChecks(h)

	maxPending := cfg.OutboxMaxPending
	h.RegisterChecker("outbox", healthcheck.NewSoftChecker("outbox", func(ctx context.Context) error {
		stats, err := deps.Outbox.Stats(ctx)
		if err != nil {
			return err
		}
		if maxPending > 0 && stats.PendingCount > maxPending {
			return fmt.Errorf("outbox backlog %d exceeds %d", stats.PendingCount, maxPending)
		}
		return nil
	}))

	if svc.gatewayClient != nil {
		client := svc.gatewayClient
		h.RegisterChecker("payment-gateway", healthcheck.NewSoftChecker("payment-gateway", func(context.Context) error {
			if state := client.BreakerState(); state != payment.CircuitClosed {
				return fmt.Errorf("circuit breaker is %s", state)
			}
			return nil
		}))
	}
}
