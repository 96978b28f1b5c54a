package domain

import (
	"context"
	"time"
)

// OrderRepository описывает требования к хранилищу заказов.
type OrderRepository interface {
	// Create сохраняет новый заказ. Возвращает ошибку, если запись с таким ID уже существует.
	Create(ctx context.Context, order Order) error
	// Get возвращает заказ по идентификатору или ErrOrderNotFound, если его нет.
	Get(ctx context.Context, id string) (Order, error)
	// ListByCustomer возвращает заказы клиента, новые первыми, с опциональным ограничением на количество.
	ListByCustomer(ctx context.Context, customerID string, limit int) ([]Order, error)
	// ListAwaitingPayment возвращает неоплаченные заказы с онлайн-оплатой,
	// созданные раньше createdBefore, для опроса шлюза.
	ListAwaitingPayment(ctx context.Context, createdBefore time.Time, limit int) ([]Order, error)
	// Save применяет обновления к заказу с учётом optimistic locking.
	Save(ctx context.Context, order Order) error
	// Delete удаляет заказ, если его версия совпадает с ожидаемой.
	Delete(ctx context.Context, id string, version int64) error
}

// AwaitsPayment сообщает, ждёт ли заказ подтверждения онлайн-оплаты.
func AwaitsPayment(o Order) bool {
	if !o.PaymentChannel.UsesGateway() || o.GatewayRef == "" {
		return false
	}
	if o.PaymentStatus != PaymentStatusUnpaid && o.PaymentStatus != PaymentStatusFailed {
		return false
	}
	return o.Status != OrderStatusCancelled && o.Status != OrderStatusReturned
}
