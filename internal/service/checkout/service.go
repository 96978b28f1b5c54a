package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
)

const (
	maxLinesPerOrder = 50
	maxQtyPerLine    = 99
	orderCodeLength  = 16
	// maxPointsPerOrder держит points*RedeemValueMinor далеко от переполнения int64.
	maxPointsPerOrder = 1_000_000
	// maxIDAttempts ограничивает перегенерацию кода, если он уже занят.
	maxIDAttempts = 5
)

// ErrOrderIDUnavailable возвращается, если не удалось подобрать свободный код заказа.
var ErrOrderIDUnavailable = errors.New("could not allocate a free order id")

var tracer = otel.Tracer("github.com/vladislavdragonenkov/storefront/internal/service/checkout")

// Pricing — правила доставки.
type Pricing struct {
	ShippingFeeMinor           int64
	FreeShippingThresholdMinor int64
}

// DefaultPricing возвращает тариф по умолчанию.
func DefaultPricing() Pricing {
	return Pricing{ShippingFeeMinor: 30000, FreeShippingThresholdMinor: 500000}
}

// ShippingFee считает стоимость доставки для подытога.
func (p Pricing) ShippingFee(subtotalMinor int64) int64 {
	if p.FreeShippingThresholdMinor > 0 && subtotalMinor >= p.FreeShippingThresholdMinor {
		return 0
	}
	return p.ShippingFeeMinor
}

// LineRequest — позиция корзины.
type LineRequest struct {
	ProductID string
	Variant   string
	Qty       int64
}

// Request — запрос на оформление заказа.
type Request struct {
	CustomerID      string
	Lines           []LineRequest
	ShippingAddress domain.ShippingAddress
	PaymentChannel  domain.PaymentChannel
	VoucherCode     string
	PointsToSpend   int64
}

// Deps — зависимости оформления. Notifier и Metrics опциональны.
type Deps struct {
	Orders   domain.OrderRepository
	Outbox   domain.OutboxRepository
	Catalog  domain.Catalog
	Stock    domain.StockLedger
	Points   domain.PointLedger
	Vouchers domain.VoucherTracker
	Notifier domain.Notifier
	Metrics  *metrics.FulfillmentMetrics
	Policy   domain.PointPolicy
	Pricing  Pricing
	Now      func() time.Time
	NewID    func() string
}

// Service оформляет заказы и отдаёт read-модели клиента.
type Service struct {
	orders   domain.OrderRepository
	outbox   domain.OutboxRepository
	catalog  domain.Catalog
	stock    domain.StockLedger
	points   domain.PointLedger
	vouchers domain.VoucherTracker
	notifier domain.Notifier
	metrics  *metrics.FulfillmentMetrics
	policy   domain.PointPolicy
	pricing  Pricing
	now      func() time.Time
	newID    func() string
	logger   *log.Entry
}

// NewService создаёт сервис оформления.
func NewService(deps Deps, logger *log.Entry) *Service {
	if logger == nil {
		logger = log.New().WithField("component", "checkout")
	}
	if deps.Policy == (domain.PointPolicy{}) {
		deps.Policy = domain.DefaultPointPolicy()
	}
	if deps.Pricing == (Pricing{}) {
		deps.Pricing = DefaultPricing()
	}
	if deps.Now == nil {
		deps.Now = func() time.Time { return time.Now().UTC() }
	}
	if deps.NewID == nil {
		deps.NewID = NewOrderCode
	}
	return &Service{
		orders:   deps.Orders,
		outbox:   deps.Outbox,
		catalog:  deps.Catalog,
		stock:    deps.Stock,
		points:   deps.Points,
		vouchers: deps.Vouchers,
		notifier: deps.Notifier,
		metrics:  deps.Metrics,
		policy:   deps.Policy,
		pricing:  deps.Pricing,
		now:      deps.Now,
		newID:    deps.NewID,
		logger:   logger,
	}
}

// NewOrderCode генерирует код заказа: ORD- и 16 hex-символов.
func NewOrderCode() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "ORD-" + strings.ToUpper(raw[:orderCodeLength])
}

// CreateOrder оформляет заказ. Ваучер, баллы и сток резервируются до записи
// заказа; при любом отказе уже сделанные резервы компенсируются, и ошибка
// ledger'а возвращается вызывающему без изменений.
func (s *Service) CreateOrder(ctx context.Context, req Request) (domain.Order, error) {
	started := time.Now()

	ctx, span := tracer.Start(ctx, "checkout.CreateOrder", trace.WithAttributes(
		attribute.String("customer.id", req.CustomerID),
		attribute.Int("order.lines", len(req.Lines)),
	))
	defer span.End()

	order, err := s.createOrder(ctx, req)
	s.recordCheckout(err, time.Since(started))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "checkout failed")
		return domain.Order{}, err
	}
	span.SetAttributes(attribute.String("order.id", order.ID))
	return order, nil
}

func (s *Service) createOrder(ctx context.Context, req Request) (domain.Order, error) {
	req = normalizeRequest(req)
	if err := validateRequest(req); err != nil {
		return domain.Order{}, err
	}

	lines, subtotal, err := s.priceLines(ctx, req.Lines)
	if err != nil {
		return domain.Order{}, err
	}
	shippingFee := s.pricing.ShippingFee(subtotal)

	// Леджеры идемпотентны по ID заказа: с чужим ID резерв молча станет no-op,
	// поэтому код проверяется до первого эффекта.
	orderID, err := s.allocateID(ctx)
	if err != nil {
		return domain.Order{}, err
	}

	now := s.now()
	order := domain.Order{
		ID:              orderID,
		CustomerID:      req.CustomerID,
		Lines:           lines,
		ShippingAddress: req.ShippingAddress,
		PaymentChannel:  req.PaymentChannel,
		PaymentStatus:   domain.PaymentStatusUnpaid,
		Status:          domain.OrderStatusPendingConfirmation,
		Totals: domain.Totals{
			SubtotalMinor:    subtotal,
			ShippingFeeMinor: shippingFee,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}

	logger := s.logger.WithFields(log.Fields{
		"order_id":    order.ID,
		"customer_id": order.CustomerID,
	})
	comp := &compensation{ctx: context.WithoutCancel(ctx), order: &order, svc: s, logger: logger}

	if req.VoucherCode != "" {
		reservation, err := s.vouchers.CheckAndReserve(ctx, req.VoucherCode, req.CustomerID, order.ID, subtotal, now)
		if err != nil {
			return domain.Order{}, err
		}
		order.Voucher = reservation.Ref()
		order.Totals.VoucherDiscountMinor = reservation.DiscountMinor
		order.MarkEffect(domain.EffectVoucherReserve, now)
	}

	if req.PointsToSpend > 0 {
		remaining := subtotal + shippingFee - order.Totals.VoucherDiscountMinor
		if s.policy.DiscountFor(req.PointsToSpend) > remaining {
			comp.run()
			return domain.Order{}, &domain.ValidationError{
				Field:   "points_to_spend",
				Message: fmt.Sprintf("at most %d points can be applied to this order", remaining/s.policy.RedeemValueMinor),
			}
		}
		discount, err := s.points.Redeem(ctx, req.CustomerID, order.ID, req.PointsToSpend)
		if err != nil {
			comp.run()
			return domain.Order{}, err
		}
		order.PointsSpent = req.PointsToSpend
		order.Totals.PointsDiscountMinor = discount
		order.MarkEffect(domain.EffectPointsRedeem, now)
	}

	if err := s.stock.Reserve(ctx, order.ID, order.StockLines()); err != nil {
		var insufficient *domain.InsufficientStockError
		if errors.As(err, &insufficient) && s.metrics != nil {
			s.metrics.RecordStockRejection()
		}
		comp.run()
		return domain.Order{}, err
	}
	order.MarkEffect(domain.EffectStockReserve, now)

	t := &order.Totals
	t.GrandTotalMinor = t.SubtotalMinor + t.ShippingFeeMinor - t.VoucherDiscountMinor - t.PointsDiscountMinor
	order.AppendHistory(domain.OrderStatusPendingConfirmation, "order placed", now)

	if errs := order.ValidateInvariants(); len(errs) > 0 {
		comp.run()
		return domain.Order{}, fmt.Errorf("order invariants: %w", errors.Join(errs...))
	}
	if err := s.orders.Create(ctx, order); err != nil {
		if errors.Is(err, domain.ErrOrderVersionConflict) {
			// ID заняли параллельно: эффекты под этим ID принадлежат сохранённому заказу.
			logger.Error("order id taken concurrently, ledger effects left to the stored order")
			return domain.Order{}, fmt.Errorf("create order: %w", ErrOrderIDUnavailable)
		}
		comp.run()
		return domain.Order{}, fmt.Errorf("create order: %w", err)
	}

	logger.WithFields(log.Fields{
		"grand_total": order.Totals.GrandTotalMinor,
		"channel":     order.PaymentChannel,
	}).Info("order created")

	s.emitCreated(ctx, order)
	s.notify(ctx, order)
	return order, nil
}

// allocateID подбирает код, которого ещё нет в хранилище заказов.
func (s *Service) allocateID(ctx context.Context) (string, error) {
	for range maxIDAttempts {
		id := s.newID()
		_, err := s.orders.Get(ctx, id)
		switch {
		case errors.Is(err, domain.ErrOrderNotFound):
			return id, nil
		case err != nil:
			return "", fmt.Errorf("check order id: %w", err)
		}
		s.logger.WithField("order_id", id).Warn("generated order id is taken, regenerating")
	}
	return "", ErrOrderIDUnavailable
}

// priceLines снимает цены из каталога и считает подытог.
func (s *Service) priceLines(ctx context.Context, reqs []LineRequest) ([]domain.OrderLine, int64, error) {
	lines := make([]domain.OrderLine, 0, len(reqs))
	var subtotal int64
	for i, l := range reqs {
		snap, err := s.catalog.Snapshot(ctx, l.ProductID, l.Variant)
		if err != nil {
			return nil, 0, fmt.Errorf("line %d: %w", i, err)
		}
		total := snap.PriceMinor * l.Qty
		lines = append(lines, domain.OrderLine{
			Index:          i,
			ProductID:      snap.ProductID,
			Name:           snap.Name,
			Variant:        snap.Variant,
			Qty:            l.Qty,
			UnitPriceMinor: snap.PriceMinor,
			LineTotalMinor: total,
		})
		subtotal += total
	}
	return lines, subtotal, nil
}

// Get возвращает заказ.
func (s *Service) Get(ctx context.Context, orderID string) (domain.Order, error) {
	if strings.TrimSpace(orderID) == "" {
		return domain.Order{}, domain.ErrOrderIDRequired
	}
	return s.orders.Get(ctx, orderID)
}

// ListForCustomer возвращает заказы клиента, новые первыми.
func (s *Service) ListForCustomer(ctx context.Context, customerID string, limit int) ([]domain.Order, error) {
	if strings.TrimSpace(customerID) == "" {
		return nil, domain.ErrCustomerRequired
	}
	return s.orders.ListByCustomer(ctx, customerID, limit)
}

// PointBalance возвращает баланс баллов клиента.
func (s *Service) PointBalance(ctx context.Context, customerID string) (int64, error) {
	if strings.TrimSpace(customerID) == "" {
		return 0, domain.ErrCustomerRequired
	}
	return s.points.Balance(ctx, customerID)
}

// PointHistory возвращает журнал баллов клиента.
func (s *Service) PointHistory(ctx context.Context, customerID string) ([]domain.PointEntry, error) {
	if strings.TrimSpace(customerID) == "" {
		return nil, domain.ErrCustomerRequired
	}
	return s.points.History(ctx, customerID)
}

// ProductMovements возвращает журнал движений товара и пересчитанные по нему счётчики.
func (s *Service) ProductMovements(ctx context.Context, productID string) ([]domain.StockMovement, domain.Product, error) {
	product, err := s.stock.Product(ctx, productID)
	if err != nil {
		return nil, domain.Product{}, err
	}
	movements, err := s.stock.Movements(ctx, productID)
	if err != nil {
		return nil, domain.Product{}, err
	}
	return movements, product, nil
}

func (s *Service) recordCheckout(err error, d time.Duration) {
	if s.metrics == nil {
		return
	}
	result := "created"
	switch {
	case err == nil:
	case domain.IsValidation(err):
		result = "invalid"
	case domain.IsBusinessRejection(err), errors.Is(err, domain.ErrProductNotFound):
		result = "rejected"
	default:
		result = "error"
	}
	s.metrics.RecordCheckout(result, d)
}

func (s *Service) emitCreated(ctx context.Context, order domain.Order) {
	if s.outbox == nil {
		return
	}
	msg, err := kafka.NewOrderOutboxMessage(kafka.EventTypeOrderCreated, order, "")
	if err != nil {
		s.logger.WithError(err).WithField("order_id", order.ID).Error("build outbox event failed")
		return
	}
	if _, err := s.outbox.Enqueue(context.WithoutCancel(ctx), msg); err != nil {
		s.logger.WithError(err).WithField("order_id", order.ID).Error("enqueue order created failed")
		return
	}
	if s.metrics != nil {
		s.metrics.RecordOutboxEvent()
	}
}

func (s *Service) notify(ctx context.Context, order domain.Order) {
	if s.notifier == nil {
		return
	}
	for _, audience := range []domain.NotificationAudience{domain.AudienceCustomer, domain.AudienceAdmin} {
		err := s.notifier.Notify(ctx, domain.Notification{
			OrderID:    order.ID,
			CustomerID: order.CustomerID,
			Audience:   audience,
			Status:     order.Status,
			Message:    fmt.Sprintf("Order %s has been placed", order.ID),
			At:         order.CreatedAt,
		})
		if err != nil {
			s.logger.WithError(err).WithField("order_id", order.ID).Warn("notification failed")
		}
	}
}

// compensation откатывает резервы незавершённого оформления в обратном порядке.
type compensation struct {
	ctx    context.Context
	order  *domain.Order
	svc    *Service
	logger *log.Entry
}

func (c *compensation) run() {
	o := c.order
	if o.HasEffect(domain.EffectStockReserve) {
		if err := c.svc.stock.Release(c.ctx, o.ID, o.StockLines()); err != nil {
			c.logger.WithError(err).Error("release stock after failed checkout")
		}
	}
	if o.HasEffect(domain.EffectPointsRedeem) {
		if err := c.svc.points.Reverse(c.ctx, o.ID); err != nil {
			c.logger.WithError(err).Error("reverse points after failed checkout")
		}
	}
	if o.HasEffect(domain.EffectVoucherReserve) && o.Voucher != nil {
		if err := c.svc.vouchers.Release(c.ctx, o.Voucher.Code, o.CustomerID, o.ID); err != nil {
			c.logger.WithError(err).Error("release voucher after failed checkout")
		}
	}
}
