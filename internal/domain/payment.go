package domain

import (
	"strings"
	"time"
)

// PaymentEventKind — логический тип платёжного события.
type PaymentEventKind string

const (
	PaymentEventConfirmed PaymentEventKind = "confirmed"
	PaymentEventFailed    PaymentEventKind = "failed"
	PaymentEventRefunded  PaymentEventKind = "refunded"
)

// Valid проверяет, что тип события поддерживается.
func (k PaymentEventKind) Valid() bool {
	switch k {
	case PaymentEventConfirmed, PaymentEventFailed, PaymentEventRefunded:
		return true
	default:
		return false
	}
}

// PaymentEventSource — канал, через который пришёл сигнал.
type PaymentEventSource string

const (
	PaymentSourceWebhook PaymentEventSource = "webhook"
	PaymentSourcePoll    PaymentEventSource = "poll"
	PaymentSourceReturn  PaymentEventSource = "return"
	PaymentSourceBroker  PaymentEventSource = "broker"
)

// PaymentEvent — нормализованное платёжное событие от любого канала.
// CorrelationID назначается шлюзом и служит ключом идемпотентности.
type PaymentEvent struct {
	Kind          PaymentEventKind
	OrderID       string
	CorrelationID string
	Channel       PaymentChannel
	Reason        string
	Source        PaymentEventSource
	OccurredAt    time.Time
}

// Validate проверяет обязательные поля события.
func (e *PaymentEvent) Validate() []error {
	var errs []error
	if !e.Kind.Valid() {
		errs = append(errs, &ValidationError{Field: "kind", Message: "unknown payment event kind"})
	}
	if strings.TrimSpace(e.OrderID) == "" {
		errs = append(errs, ErrOrderIDRequired)
	}
	if strings.TrimSpace(e.CorrelationID) == "" {
		errs = append(errs, &ValidationError{Field: "correlation_id", Message: "is required"})
	}
	return errs
}

// ApplyOutcome — результат применения платёжного события.
type ApplyOutcome string

const (
	// ApplyOutcomeApplied — событие применено впервые.
	ApplyOutcomeApplied ApplyOutcome = "applied"
	// ApplyOutcomeAlreadyApplied — событие с этим correlation id уже применялось.
	ApplyOutcomeAlreadyApplied ApplyOutcome = "already_applied"
)

// PaymentLink — результат создания платёжной ссылки во внешнем шлюзе.
type PaymentLink struct {
	URL        string
	GatewayRef string
	ExpiresAt  time.Time
}

// GatewayState — статус платежа по данным шлюза.
type GatewayState string

const (
	GatewayStatePending   GatewayState = "pending"
	GatewayStateSucceeded GatewayState = "succeeded"
	GatewayStateFailed    GatewayState = "failed"
	GatewayStateRefunded  GatewayState = "refunded"
)

// GatewayStatus — ответ шлюза на запрос статуса платежа.
type GatewayStatus struct {
	State         GatewayState
	TransactionID string
	Reason        string
}

// ToEvent переводит статус шлюза в логическое событие.
// Для pending возвращает false: применять нечего.
func (s GatewayStatus) ToEvent(order Order, source PaymentEventSource, at time.Time) (PaymentEvent, bool) {
	var kind PaymentEventKind
	switch s.State {
	case GatewayStateSucceeded:
		kind = PaymentEventConfirmed
	case GatewayStateFailed:
		kind = PaymentEventFailed
	case GatewayStateRefunded:
		kind = PaymentEventRefunded
	default:
		return PaymentEvent{}, false
	}
	correlation := s.TransactionID
	if correlation == "" {
		correlation = order.GatewayRef + ":" + string(s.State)
	}
	return PaymentEvent{
		Kind:          kind,
		OrderID:       order.ID,
		CorrelationID: correlation,
		Channel:       order.PaymentChannel,
		Reason:        s.Reason,
		Source:        source,
		OccurredAt:    at,
	}, true
}
