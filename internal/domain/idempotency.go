package domain

import (
	"strings"
	"time"
)

// IdempotencyStatus описывает жизненный цикл ключа идемпотентности.
type IdempotencyStatus string

const (
	// IdempotencyStatusProcessing означает, что запрос принят и ещё обрабатывается.
	IdempotencyStatusProcessing IdempotencyStatus = "processing"
	// IdempotencyStatusDone означает, что запрос завершён успешно и ответ сохранён.
	IdempotencyStatusDone IdempotencyStatus = "done"
	// IdempotencyStatusFailed означает, что обработка завершилась ошибкой.
	IdempotencyStatusFailed IdempotencyStatus = "failed"
)

// Valid проверяет, что статус относится к поддерживаемым значениям.
func (s IdempotencyStatus) Valid() bool {
	switch s {
	case IdempotencyStatusProcessing, IdempotencyStatusDone, IdempotencyStatusFailed:
		return true
	default:
		return false
	}
}

// IdempotencyScope — операция витрины, которую защищает ключ. Один и тот же
// Idempotency-Key в разных операциях не конфликтует.
type IdempotencyScope string

const (
	IdempotencyScopeCheckout        IdempotencyScope = "checkout"
	IdempotencyScopeCancel          IdempotencyScope = "cancel"
	IdempotencyScopePaymentLink     IdempotencyScope = "payment_link"
	IdempotencyScopeTransition      IdempotencyScope = "transition"
	IdempotencyScopeBatchTransition IdempotencyScope = "batch_transition"
)

// IdempotencyScopes перечисляет все операции, которые принимают Idempotency-Key.
var IdempotencyScopes = []IdempotencyScope{
	IdempotencyScopeCheckout,
	IdempotencyScopeCancel,
	IdempotencyScopePaymentLink,
	IdempotencyScopeTransition,
	IdempotencyScopeBatchTransition,
}

// Valid проверяет, что операция известна.
func (s IdempotencyScope) Valid() bool {
	for _, known := range IdempotencyScopes {
		if s == known {
			return true
		}
	}
	return false
}

// IdempotencyKey — ключ клиента в рамках операции.
type IdempotencyKey struct {
	Scope IdempotencyScope
	Key   string
}

// Normalize обрезает пробелы и проверяет ключ.
func (k IdempotencyKey) Normalize() (IdempotencyKey, error) {
	k.Key = strings.TrimSpace(k.Key)
	if k.Key == "" {
		return k, ErrIdempotencyKeyRequired
	}
	if !k.Scope.Valid() {
		return k, ErrIdempotencyScopeInvalid
	}
	return k, nil
}

func (k IdempotencyKey) String() string {
	return string(k.Scope) + "/" + k.Key
}

// IdempotencyRecord хранит состояние обработки запроса с idempotency-key.
type IdempotencyRecord struct {
	Scope        IdempotencyScope
	Key          string
	RequestHash  string
	ResponseBody []byte
	HTTPStatus   int
	Status       IdempotencyStatus
	TTLAt        time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Clone копирует запись вместе с телом ответа.
func (r IdempotencyRecord) Clone() IdempotencyRecord {
	r.ResponseBody = append([]byte(nil), r.ResponseBody...)
	return r
}

// ExpiredIdempotencyKey — удалённая по TTL запись.
type ExpiredIdempotencyKey struct {
	Scope  IdempotencyScope
	Status IdempotencyStatus
}

// Abandoned сообщает, что ответ так и не был сохранён: клиент не получил
// результат, а заказ мог остаться в промежуточном состоянии.
func (e ExpiredIdempotencyKey) Abandoned() bool {
	return e.Status == IdempotencyStatusProcessing
}
