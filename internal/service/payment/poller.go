package payment

import (
	"context"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const (
	defaultPollerInterval = 30 * time.Second
	defaultPollerMinAge   = 2 * time.Minute
	defaultPollerBatch    = 50
)

// PollerOptions задаёт параметры опроса шлюза.
type PollerOptions struct {
	Logger    *log.Entry
	Interval  time.Duration
	MinAge    time.Duration
	BatchSize int
	Now       func() time.Time
}

// PollerOption настраивает Poller.
type PollerOption func(*PollerOptions)

// WithPollerLogger задаёт logger.
func WithPollerLogger(logger *log.Entry) PollerOption {
	return func(opts *PollerOptions) {
		opts.Logger = logger
	}
}

// WithPollerInterval задаёт частоту опроса.
func WithPollerInterval(interval time.Duration) PollerOption {
	return func(opts *PollerOptions) {
		opts.Interval = interval
	}
}

// WithPollerMinAge задаёт возраст заказа, после которого webhook считается потерянным.
func WithPollerMinAge(age time.Duration) PollerOption {
	return func(opts *PollerOptions) {
		opts.MinAge = age
	}
}

// WithPollerBatchSize задаёт число заказов за один цикл.
func WithPollerBatchSize(size int) PollerOption {
	return func(opts *PollerOptions) {
		opts.BatchSize = size
	}
}

// WithPollerClock подменяет часы (для тестов).
func WithPollerClock(now func() time.Time) PollerOption {
	return func(opts *PollerOptions) {
		opts.Now = now
	}
}

// Applier применяет нормализованное платёжное событие.
type Applier interface {
	Apply(ctx context.Context, event domain.PaymentEvent) (domain.ApplyOutcome, error)
}

// Poller — запасной канал: спрашивает шлюз о заказах, по которым
// webhook так и не пришёл, и отдаёт результат в сверку.
type Poller struct {
	orders    domain.OrderRepository
	gateway   domain.PaymentGateway
	applier   Applier
	logger    *log.Entry
	interval  time.Duration
	minAge    time.Duration
	batchSize int
	now       func() time.Time
}

// NewPoller создаёт воркер опроса шлюза.
func NewPoller(orders domain.OrderRepository, gateway domain.PaymentGateway, applier Applier, options ...PollerOption) *Poller {
	opts := PollerOptions{
		Interval:  defaultPollerInterval,
		MinAge:    defaultPollerMinAge,
		BatchSize: defaultPollerBatch,
		Now:       func() time.Time { return time.Now().UTC() },
	}
	for _, option := range options {
		option(&opts)
	}

	logger := opts.Logger
	if logger == nil {
		logger = log.WithField("component", "payment-poller")
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultPollerInterval
	}
	if opts.MinAge < 0 {
		opts.MinAge = 0
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultPollerBatch
	}

	return &Poller{
		orders:    orders,
		gateway:   gateway,
		applier:   applier,
		logger:    logger,
		interval:  opts.Interval,
		minAge:    opts.MinAge,
		batchSize: opts.BatchSize,
		now:       opts.Now,
	}
}

// Run опрашивает шлюз до отмены ctx.
func (p *Poller) Run(ctx context.Context) {
	if p.orders == nil || p.gateway == nil || p.applier == nil {
		p.logger.Warn("payment poller is disabled: dependencies are not configured")
		return
	}

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.PollOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.PollOnce(ctx)
		}
	}
}

// PollOnce выполняет один цикл и возвращает число применённых событий.
func (p *Poller) PollOnce(ctx context.Context) int {
	if ctx.Err() != nil {
		return 0
	}

	orders, err := p.orders.ListAwaitingPayment(ctx, p.now().Add(-p.minAge), p.batchSize)
	if err != nil {
		p.logger.WithError(err).Warn("failed to list orders awaiting payment")
		return 0
	}

	applied := 0
	for _, order := range orders {
		if ctx.Err() != nil {
			break
		}
		logger := p.logger.WithField("order_id", order.ID)

		status, err := p.gateway.GetStatus(ctx, order)
		if err != nil {
			logger.WithError(err).Warn("failed to get payment status")
			continue
		}
		event, ok := status.ToEvent(order, domain.PaymentSourcePoll, p.now())
		if !ok {
			continue
		}
		outcome, err := p.applier.Apply(ctx, event)
		if err != nil {
			logger.WithError(err).Warn("failed to apply polled payment status")
			continue
		}
		if outcome == domain.ApplyOutcomeApplied {
			applied++
		}
	}

	if applied > 0 {
		p.logger.WithFields(log.Fields{
			"checked": len(orders),
			"applied": applied,
		}).Info("payment poll applied missed events")
	}
	return applied
}
