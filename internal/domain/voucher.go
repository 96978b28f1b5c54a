package domain

import (
	"strings"
	"time"
)

// VoucherKind — тип скидки ваучера.
type VoucherKind string

const (
	VoucherKindPercent VoucherKind = "percent"
	VoucherKindFixed   VoucherKind = "fixed"
)

// Voucher — ваучер вместе со счётчиком погашений.
type Voucher struct {
	ID   string
	Code string
	Kind VoucherKind
	// Value — процент для percent, сумма в минимальных единицах для fixed.
	Value            int64
	MaxDiscountMinor int64
	MinSpendMinor    int64
	StartsAt         time.Time
	EndsAt           time.Time
	// Cap — лимит погашений; 0 означает без лимита.
	Cap    int64
	Used   int64
	UsedBy []string
}

// NormalizeVoucherCode приводит код к каноничному виду.
func NormalizeVoucherCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Active проверяет окно действия ваучера. Нулевые границы не ограничивают.
func (v Voucher) Active(now time.Time) bool {
	if !v.StartsAt.IsZero() && now.Before(v.StartsAt) {
		return false
	}
	if !v.EndsAt.IsZero() && !now.Before(v.EndsAt) {
		return false
	}
	return true
}

// UsedByCustomer проверяет, погашал ли клиент ваучер.
func (v Voucher) UsedByCustomer(customerID string) bool {
	for _, id := range v.UsedBy {
		if id == customerID {
			return true
		}
	}
	return false
}

// Discount рассчитывает скидку для суммы заказа. Скидка не превышает subtotal.
func (v Voucher) Discount(subtotalMinor int64) int64 {
	var d int64
	switch v.Kind {
	case VoucherKindPercent:
		d = subtotalMinor * v.Value / 100
		if v.MaxDiscountMinor > 0 && d > v.MaxDiscountMinor {
			d = v.MaxDiscountMinor
		}
	case VoucherKindFixed:
		d = v.Value
	}
	if d > subtotalMinor {
		d = subtotalMinor
	}
	if d < 0 {
		d = 0
	}
	return d
}

// CheckRedeemable проверяет все правила погашения. Вызывается внутри
// критической секции трекера вместе с инкрементом счётчика.
func (v Voucher) CheckRedeemable(customerID string, subtotalMinor int64, now time.Time) error {
	if !v.Active(now) {
		return ErrVoucherExpired
	}
	if v.UsedByCustomer(customerID) {
		return ErrVoucherAlreadyUsed
	}
	if v.Cap > 0 && v.Used >= v.Cap {
		return ErrVoucherCapReached
	}
	if subtotalMinor < v.MinSpendMinor {
		return &BelowMinimumSpendError{Code: v.Code, MinimumMinor: v.MinSpendMinor, SubtotalMinor: subtotalMinor}
	}
	return nil
}

// VoucherReservation — результат успешного погашения.
type VoucherReservation struct {
	VoucherID     string
	Code          string
	DiscountMinor int64
}

// Ref возвращает ссылку для сохранения в заказе.
func (r VoucherReservation) Ref() *VoucherRef {
	return &VoucherRef{VoucherID: r.VoucherID, Code: r.Code, DiscountMinor: r.DiscountMinor}
}
