package domain

import (
	"context"
	"time"
)

// Catalog отдаёт снимок цены, названия и варианта товара на момент оформления.
type Catalog interface {
	Snapshot(ctx context.Context, productID, variant string) (ProductSnapshot, error)
}

// StockLedger владеет остатками и счётчиками продаж.
// Все операции идемпотентны по (orderID, lineIndex, вид движения).
type StockLedger interface {
	// Reserve атомарно уменьшает остатки по всем строкам или не меняет ничего.
	Reserve(ctx context.Context, orderID string, lines []StockLine) error
	// Release возвращает на склад зарезервированные и ещё не возвращённые строки.
	Release(ctx context.Context, orderID string, lines []StockLine) error
	// CommitSale увеличивает счётчик продаж.
	CommitSale(ctx context.Context, orderID string, lines []StockLine) error
	// ReverseSale откатывает продажу и возвращает товар на склад.
	ReverseSale(ctx context.Context, orderID string, lines []StockLine) error
	Product(ctx context.Context, productID string) (Product, error)
	Movements(ctx context.Context, productID string) ([]StockMovement, error)
}

// PointLedger ведёт append-only журнал баллов клиентов.
type PointLedger interface {
	// Award начисляет floor(orderTotal / rate) баллов один раз на заказ.
	Award(ctx context.Context, customerID, orderID string, orderTotalMinor int64) (PointEntry, error)
	// Redeem списывает баллы и возвращает скидку.
	Redeem(ctx context.Context, customerID, orderID string, points int64) (int64, error)
	// Reverse возвращает баллы, списанные по заказу. Повторный вызов ничего не делает.
	Reverse(ctx context.Context, orderID string) error
	Balance(ctx context.Context, customerID string) (int64, error)
	History(ctx context.Context, customerID string) ([]PointEntry, error)
}

// VoucherTracker выполняет проверку и погашение ваучера одной атомарной операцией.
// Погашение привязано к заказу: повтор для того же заказа возвращает прежний
// резерв, а Release снимает погашение только того заказа, который его держит.
type VoucherTracker interface {
	CheckAndReserve(ctx context.Context, code, customerID, orderID string, subtotalMinor int64, now time.Time) (VoucherReservation, error)
	Release(ctx context.Context, code, customerID, orderID string) error
	Voucher(ctx context.Context, code string) (Voucher, error)
}

// Notifier ставит уведомление в очередь. Ошибки не должны откатывать переход.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// PaymentGateway — внешний платёжный шлюз (протокол непрозрачен).
type PaymentGateway interface {
	CreatePaymentLink(ctx context.Context, order Order) (PaymentLink, error)
	GetStatus(ctx context.Context, order Order) (GatewayStatus, error)
}

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(ctx context.Context, event OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
// Enqueue отклоняет сообщение без заказа или типа события; повторный Enqueue
// с тем же ID не создаёт дубль.
type OutboxRepository interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
	PullPending(ctx context.Context, limit int) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}

// IdempotencyRepository хранит ответы мутирующих операций по (операция, ключ).
// DeleteExpired возвращает удалённые записи, чтобы очистка видела брошенные запросы.
type IdempotencyRepository interface {
	CreateProcessing(ctx context.Context, key IdempotencyKey, requestHash string, ttlAt time.Time) (IdempotencyRecord, error)
	Get(ctx context.Context, key IdempotencyKey) (IdempotencyRecord, error)
	MarkDone(ctx context.Context, key IdempotencyKey, responseBody []byte, httpStatus int) error
	MarkFailed(ctx context.Context, key IdempotencyKey, responseBody []byte, httpStatus int) error
	DeleteExpired(ctx context.Context, before time.Time, limit int) ([]ExpiredIdempotencyKey, error)
}

// NotificationAudience — кому адресовано уведомление.
type NotificationAudience string

const (
	AudienceCustomer NotificationAudience = "customer"
	AudienceAdmin    NotificationAudience = "admin"
)

// Notification — уведомление о смене статуса заказа.
type Notification struct {
	OrderID    string
	CustomerID string
	Audience   NotificationAudience
	Status     OrderStatus
	Message    string
	At         time.Time
}
