package domain

import (
	"math"
	"time"
)

// PointDirection — направление движения баллов.
type PointDirection string

const (
	PointCredit PointDirection = "credit"
	PointDebit  PointDirection = "debit"
)

// PointReason — причина записи в журнале баллов.
type PointReason string

const (
	PointReasonAward   PointReason = "award"
	PointReasonRedeem  PointReason = "redeem"
	PointReasonReverse PointReason = "reverse"
	PointReasonAdjust  PointReason = "adjust"
)

// PointEntry — неизменяемая запись журнала баллов клиента.
type PointEntry struct {
	ID           int64
	CustomerID   string
	Direction    PointDirection
	Amount       int64
	BalanceAfter int64
	OrderID      string
	Reason       PointReason
	Description  string
	CreatedAt    time.Time
}

// Signed возвращает изменение баланса с учётом направления.
func (e PointEntry) Signed() int64 {
	if e.Direction == PointDebit {
		return -e.Amount
	}
	return e.Amount
}

// SumEntries считает баланс как сумму кредитов минус сумму дебетов.
func SumEntries(entries []PointEntry) int64 {
	var total int64
	for _, e := range entries {
		total += e.Signed()
	}
	return total
}

// PointPolicy задаёт курс начисления и стоимость балла при списании.
type PointPolicy struct {
	// ConversionRate — сколько минимальных единиц суммы заказа дают один балл.
	ConversionRate int64
	// RedeemValueMinor — скидка в минимальных единицах за один списанный балл.
	RedeemValueMinor int64
}

// DefaultPointPolicy возвращает политику по умолчанию.
func DefaultPointPolicy() PointPolicy {
	return PointPolicy{ConversionRate: 10000, RedeemValueMinor: 1000}
}

// AwardFor возвращает floor(total / ConversionRate).
func (p PointPolicy) AwardFor(totalMinor int64) int64 {
	if p.ConversionRate <= 0 || totalMinor <= 0 {
		return 0
	}
	return totalMinor / p.ConversionRate
}

// DiscountFor возвращает скидку за списанные баллы. При переполнении
// результат насыщается до math.MaxInt64.
func (p PointPolicy) DiscountFor(points int64) int64 {
	if points <= 0 || p.RedeemValueMinor <= 0 {
		return 0
	}
	if points > math.MaxInt64/p.RedeemValueMinor {
		return math.MaxInt64
	}
	return points * p.RedeemValueMinor
}
