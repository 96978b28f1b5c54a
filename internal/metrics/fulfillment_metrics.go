package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// FulfillmentMetrics содержит метрики жизненного цикла заказа.
type FulfillmentMetrics struct {
	// Оформление заказа
	checkouts      *prometheus.CounterVec
	stockRejects   prometheus.Counter
	checkoutTiming prometheus.Histogram

	// Переходы статусов и побочные эффекты
	transitions        *prometheus.CounterVec
	transitionFailures *prometheus.CounterVec
	transitionDuration prometheus.Histogram
	effectsApplied     *prometheus.CounterVec
	versionConflicts   prometheus.Counter

	// Платежи
	paymentEvents *prometheus.CounterVec

	outboxEvents prometheus.Counter

	// Переходы, которые сейчас выполняются этим процессом
	inFlight prometheus.Gauge
}

// NewFulfillmentMetrics создаёт метрики в реестре по умолчанию.
func NewFulfillmentMetrics() *FulfillmentMetrics {
	return NewFulfillmentMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewFulfillmentMetricsWithRegisterer создаёт метрики в указанном реестре (используется в тестах).
func NewFulfillmentMetricsWithRegisterer(registerer prometheus.Registerer) *FulfillmentMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &FulfillmentMetrics{
		checkouts: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "storefront_checkouts_total",
			Help: "Total number of checkout attempts by result",
		}, []string{"result"}),
		stockRejects: registerCounter(registerer, prometheus.CounterOpts{
			Name: "storefront_stock_rejections_total",
			Help: "Total number of checkouts rejected for insufficient stock",
		}),
		checkoutTiming: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "storefront_checkout_duration_seconds",
			Help:    "Duration of checkout in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		transitions: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "storefront_order_transitions_total",
			Help: "Total number of completed order status transitions by target status",
		}, []string{"to"}),
		transitionFailures: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "storefront_order_transition_failures_total",
			Help: "Total number of failed order status transitions by reason",
		}, []string{"reason"}),
		transitionDuration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "storefront_order_transition_duration_seconds",
			Help:    "Duration of order status transitions in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0},
		}),
		effectsApplied: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "storefront_side_effects_applied_total",
			Help: "Total number of ledger side effects applied by kind",
		}, []string{"effect"}),
		versionConflicts: registerCounter(registerer, prometheus.CounterOpts{
			Name: "storefront_order_version_conflicts_total",
			Help: "Total number of optimistic locking conflicts on order writes",
		}),
		paymentEvents: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "storefront_payment_events_total",
			Help: "Total number of payment events by kind, source and outcome",
		}, []string{"kind", "source", "outcome"}),
		outboxEvents: registerCounter(registerer, prometheus.CounterOpts{
			Name: "storefront_outbox_events_total",
			Help: "Total number of events enqueued to the outbox",
		}),
		inFlight: registerGauge(registerer, prometheus.GaugeOpts{
			Name: "storefront_transitions_in_flight",
			Help: "Number of order transitions currently being applied",
		}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	collector := prometheus.NewCounter(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Counter)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter %q: %v", opts.Name, err))
	}
	return collector
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	collector := prometheus.NewCounterVec(opts, labels)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(*prometheus.CounterVec)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register counter vec %q: %v", opts.Name, err))
	}
	return collector
}

func registerGauge(registerer prometheus.Registerer, opts prometheus.GaugeOpts) prometheus.Gauge {
	collector := prometheus.NewGauge(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Gauge)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register gauge %q: %v", opts.Name, err))
	}
	return collector
}

func registerHistogram(registerer prometheus.Registerer, opts prometheus.HistogramOpts) prometheus.Histogram {
	collector := prometheus.NewHistogram(opts)
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(prometheus.Histogram)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", opts.Name))
			}
			return existing
		}
		panic(fmt.Sprintf("register histogram %q: %v", opts.Name, err))
	}
	return collector
}

// RecordCheckout учитывает попытку оформления заказа.
func (m *FulfillmentMetrics) RecordCheckout(result string, duration time.Duration) {
	m.checkouts.WithLabelValues(result).Inc()
	m.checkoutTiming.Observe(duration.Seconds())
}

// RecordStockRejection увеличивает счётчик отказов по остатку.
func (m *FulfillmentMetrics) RecordStockRejection() {
	m.stockRejects.Inc()
}

// RecordTransitionStarted отмечает начало перехода.
func (m *FulfillmentMetrics) RecordTransitionStarted() {
	m.inFlight.Inc()
}

// RecordTransitionFinished завершает переход; пустой reason означает успех.
func (m *FulfillmentMetrics) RecordTransitionFinished(to, reason string, duration time.Duration) {
	m.inFlight.Dec()
	m.transitionDuration.Observe(duration.Seconds())
	if reason != "" {
		m.transitionFailures.WithLabelValues(reason).Inc()
		return
	}
	m.transitions.WithLabelValues(to).Inc()
}

// RecordEffect учитывает применённый побочный эффект.
func (m *FulfillmentMetrics) RecordEffect(effect string) {
	m.effectsApplied.WithLabelValues(effect).Inc()
}

// RecordVersionConflict учитывает конфликт optimistic locking.
func (m *FulfillmentMetrics) RecordVersionConflict() {
	m.versionConflicts.Inc()
}

// RecordPaymentEvent учитывает обработанное платёжное событие.
func (m *FulfillmentMetrics) RecordPaymentEvent(kind, source, outcome string) {
	m.paymentEvents.WithLabelValues(kind, source, outcome).Inc()
}

// RecordOutboxEvent увеличивает счётчик событий outbox.
func (m *FulfillmentMetrics) RecordOutboxEvent() {
	m.outboxEvents.Inc()
}
