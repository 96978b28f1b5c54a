package domain

import (
	"fmt"
	"strings"
	"time"
)

// OutboxStatus — состояние записи outbox.
type OutboxStatus string

const (
	OutboxStatusPending OutboxStatus = "pending"
	OutboxStatusSent    OutboxStatus = "sent"
	OutboxStatusFailed  OutboxStatus = "failed"
)

// AggregateOrder — все события витрины привязаны к заказу.
const AggregateOrder = "order"

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// Validate проверяет, что событие можно маршрутизировать: без заказа и типа
// consumer не сможет ни выбрать topic, ни сохранить порядок по ключу.
func (m OutboxMessage) Validate() error {
	switch {
	case strings.TrimSpace(m.AggregateType) == "":
		return fmt.Errorf("%w: aggregate type is empty", ErrOutboxMessageInvalid)
	case strings.TrimSpace(m.AggregateID) == "":
		return fmt.Errorf("%w: aggregate id is empty", ErrOutboxMessageInvalid)
	case strings.TrimSpace(m.EventType) == "":
		return fmt.Errorf("%w: event type is empty", ErrOutboxMessageInvalid)
	}
	return nil
}

// OutboxStats описывает backlog outbox: сколько событий ждут отправки, по
// типам, и сколько ушло в failed после исчерпания попыток.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
	PendingByEvent  map[string]int
	FailedCount     int
}

// AddPending учитывает n ожидающих событий типа eventType, старейшее из которых создано в oldest.
func (s *OutboxStats) AddPending(eventType string, n int, oldest time.Time) {
	if n <= 0 {
		return
	}
	if s.PendingByEvent == nil {
		s.PendingByEvent = make(map[string]int)
	}
	s.PendingByEvent[eventType] += n
	s.PendingCount += n
	if !oldest.IsZero() && (s.OldestPendingAt.IsZero() || oldest.Before(s.OldestPendingAt)) {
		s.OldestPendingAt = oldest
	}
}
