package domain

import (
	"strings"
	"time"
)

// OrderStatus описывает статус исполнения заказа.
type OrderStatus string

const (
	// OrderStatusPendingConfirmation — заказ оформлен и ждёт подтверждения магазином.
	OrderStatusPendingConfirmation OrderStatus = "pending_confirmation"
	// OrderStatusConfirmed — заказ подтверждён.
	OrderStatusConfirmed OrderStatus = "confirmed"
	// OrderStatusPreparing — заказ собирается на складе.
	OrderStatusPreparing OrderStatus = "preparing"
	// OrderStatusShipping — заказ передан в доставку.
	OrderStatusShipping OrderStatus = "shipping"
	// OrderStatusDelivered — заказ вручён клиенту (успешный финал).
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancelled — заказ отменён до отгрузки.
	OrderStatusCancelled OrderStatus = "cancelled"
	// OrderStatusReturned — доставленный заказ возвращён.
	OrderStatusReturned OrderStatus = "returned"
)

// Valid проверяет, что статус известен системе.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPendingConfirmation, OrderStatusConfirmed, OrderStatusPreparing,
		OrderStatusShipping, OrderStatusDelivered, OrderStatusCancelled, OrderStatusReturned:
		return true
	default:
		return false
	}
}

// PaymentStatus описывает состояние оплаты заказа.
type PaymentStatus string

const (
	PaymentStatusUnpaid   PaymentStatus = "unpaid"
	PaymentStatusPaid     PaymentStatus = "paid"
	PaymentStatusFailed   PaymentStatus = "failed"
	PaymentStatusRefunded PaymentStatus = "refunded"
)

// PaymentChannel — способ оплаты, выбранный при оформлении.
type PaymentChannel string

const (
	// PaymentChannelCOD — оплата наличными при получении.
	PaymentChannelCOD PaymentChannel = "cod"
	// PaymentChannelRedirect — шлюз с редиректом на страницу банка.
	PaymentChannelRedirect PaymentChannel = "redirect"
	// PaymentChannelCard — карточный шлюз с асинхронными вебхуками.
	PaymentChannelCard PaymentChannel = "card"
)

// Valid проверяет, что канал оплаты поддерживается.
func (c PaymentChannel) Valid() bool {
	switch c {
	case PaymentChannelCOD, PaymentChannelRedirect, PaymentChannelCard:
		return true
	default:
		return false
	}
}

// UsesGateway сообщает, проходит ли оплата через внешний платёжный шлюз.
func (c PaymentChannel) UsesGateway() bool {
	return c == PaymentChannelRedirect || c == PaymentChannelCard
}

// OrderLine — позиция заказа со снимком каталога на момент оформления.
type OrderLine struct {
	Index          int
	ProductID      string
	Name           string
	Variant        string
	Qty            int64
	UnitPriceMinor int64
	LineTotalMinor int64
}

// ShippingAddress — снимок адреса доставки.
type ShippingAddress struct {
	Recipient string
	Phone     string
	Line1     string
	Ward      string
	District  string
	City      string
}

// Totals хранит рассчитанные суммы заказа в минимальных денежных единицах.
type Totals struct {
	SubtotalMinor        int64
	ShippingFeeMinor     int64
	VoucherDiscountMinor int64
	PointsDiscountMinor  int64
	GrandTotalMinor      int64
}

// VoucherRef — ссылка на применённый ваучер.
type VoucherRef struct {
	VoucherID     string
	Code          string
	DiscountMinor int64
}

// StatusHistoryEntry — запись append-only истории статусов.
type StatusHistoryEntry struct {
	Status OrderStatus
	Note   string
	At     time.Time
}

// PendingTransition фиксирует начатый, но ещё не завершённый переход.
// Пока он задан, видимый статус заказа не меняется.
type PendingTransition struct {
	To          OrderStatus
	Note        string
	RequestedAt time.Time
}

// AppliedPayment — применённое платёжное событие (ключ идемпотентности).
type AppliedPayment struct {
	CorrelationID string
	Kind          PaymentEventKind
	Source        PaymentEventSource
	AppliedAt     time.Time
}

// Order — агрегат заказа.
type Order struct {
	ID              string
	CustomerID      string
	Lines           []OrderLine
	Totals          Totals
	ShippingAddress ShippingAddress
	PaymentChannel  PaymentChannel
	PaymentStatus   PaymentStatus
	Status          OrderStatus
	History         []StatusHistoryEntry
	PointsSpent     int64
	Voucher         *VoucherRef
	GatewayRef      string
	Effects         map[EffectKind]time.Time
	Payments        []AppliedPayment
	Pending         *PendingTransition
	Version         int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ValidateInvariants проверяет базовые инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error
	if strings.TrimSpace(o.CustomerID) == "" {
		errs = append(errs, ErrCustomerRequired)
	}
	if len(o.Lines) == 0 {
		errs = append(errs, ErrLinesRequired)
	}
	if !o.PaymentChannel.Valid() {
		errs = append(errs, ErrPaymentChannelInvalid)
	}
	if o.ShippingAddress.Recipient == "" || o.ShippingAddress.Phone == "" || o.ShippingAddress.Line1 == "" {
		errs = append(errs, ErrAddressRequired)
	}

	var subtotal int64
	for _, line := range o.Lines {
		if line.Qty <= 0 {
			errs = append(errs, ErrLineQtyInvalid)
		}
		if line.UnitPriceMinor < 0 {
			errs = append(errs, ErrLinePriceInvalid)
		}
		if line.LineTotalMinor != line.Qty*line.UnitPriceMinor {
			errs = append(errs, ErrTotalsMismatch)
		}
		subtotal += line.LineTotalMinor
	}

	t := o.Totals
	if t.SubtotalMinor != subtotal {
		errs = append(errs, ErrTotalsMismatch)
	}
	grand := t.SubtotalMinor + t.ShippingFeeMinor - t.VoucherDiscountMinor - t.PointsDiscountMinor
	if grand < 0 || t.GrandTotalMinor != grand {
		errs = append(errs, ErrTotalsMismatch)
	}
	return errs
}

// HasEffect сообщает, был ли побочный эффект уже надёжно применён.
func (o *Order) HasEffect(kind EffectKind) bool {
	_, ok := o.Effects[kind]
	return ok
}

// MarkEffect отмечает побочный эффект как применённый.
func (o *Order) MarkEffect(kind EffectKind, at time.Time) {
	if o.Effects == nil {
		o.Effects = make(map[EffectKind]time.Time)
	}
	if _, ok := o.Effects[kind]; !ok {
		o.Effects[kind] = at
	}
}

// HasPayment сообщает, применялось ли событие с данным correlation id.
func (o *Order) HasPayment(correlationID string) bool {
	for _, p := range o.Payments {
		if p.CorrelationID == correlationID {
			return true
		}
	}
	return false
}

// AppendHistory добавляет запись в историю статусов.
func (o *Order) AppendHistory(status OrderStatus, note string, at time.Time) {
	o.History = append(o.History, StatusHistoryEntry{Status: status, Note: note, At: at})
}

// StockLines возвращает позиции заказа в форме, понятной складскому леджеру.
func (o *Order) StockLines() []StockLine {
	lines := make([]StockLine, 0, len(o.Lines))
	for _, l := range o.Lines {
		lines = append(lines, StockLine{Index: l.Index, ProductID: l.ProductID, Qty: l.Qty})
	}
	return lines
}

// Clone возвращает глубокую копию заказа.
func (o Order) Clone() Order {
	dst := o
	dst.Lines = append([]OrderLine(nil), o.Lines...)
	dst.History = append([]StatusHistoryEntry(nil), o.History...)
	dst.Payments = append([]AppliedPayment(nil), o.Payments...)
	if o.Voucher != nil {
		v := *o.Voucher
		dst.Voucher = &v
	}
	if o.Pending != nil {
		p := *o.Pending
		dst.Pending = &p
	}
	if o.Effects != nil {
		dst.Effects = make(map[EffectKind]time.Time, len(o.Effects))
		for k, v := range o.Effects {
			dst.Effects[k] = v
		}
	}
	return dst
}
