package domain

// EffectKind — тип побочного эффекта в леджерах; вместе с ID заказа
// образует ключ идемпотентности эффекта.
type EffectKind string

const (
	EffectStockReserve     EffectKind = "stock_reserve"
	EffectStockRelease     EffectKind = "stock_release"
	EffectStockCommit      EffectKind = "stock_commit"
	EffectStockReverseSale EffectKind = "stock_reverse_sale"
	EffectPointsRedeem     EffectKind = "points_redeem"
	EffectPointsReverse    EffectKind = "points_reverse"
	EffectPointsAward      EffectKind = "points_award"
	EffectVoucherReserve   EffectKind = "voucher_reserve"
	EffectVoucherRelease   EffectKind = "voucher_release"
	// EffectPaymentCollected — наличные получены курьером (COD).
	EffectPaymentCollected EffectKind = "payment_collected"
)

var allowedTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPendingConfirmation: {OrderStatusConfirmed, OrderStatusPreparing, OrderStatusShipping, OrderStatusCancelled},
	OrderStatusConfirmed:           {OrderStatusPreparing, OrderStatusShipping, OrderStatusCancelled},
	OrderStatusPreparing:           {OrderStatusShipping},
	OrderStatusShipping:            {OrderStatusDelivered},
	OrderStatusDelivered:           {OrderStatusReturned},
}

// CanTransition проверяет переход по таблице жизненного цикла.
func CanTransition(from, to OrderStatus) bool {
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition возвращает IllegalTransitionError, если переход запрещён.
func (o *Order) CheckTransition(to OrderStatus) error {
	if !CanTransition(o.Status, to) {
		return &IllegalTransitionError{From: o.Status, To: to}
	}
	return nil
}

// PlanEffects возвращает эффекты, которые ещё нужно применить для перехода в to.
// Уже применённые эффекты в план не попадают, поэтому повтор перехода
// доделывает только недостающее.
func PlanEffects(o Order, to OrderStatus) []EffectKind {
	var plan []EffectKind
	add := func(kind EffectKind) {
		if !o.HasEffect(kind) {
			plan = append(plan, kind)
		}
	}

	switch to {
	case OrderStatusCancelled:
		plan = append(plan, compensationPlan(o)...)
	case OrderStatusDelivered:
		add(EffectStockCommit)
		add(EffectPointsAward)
		if o.PaymentChannel == PaymentChannelCOD && o.PaymentStatus != PaymentStatusPaid {
			add(EffectPaymentCollected)
		}
	case OrderStatusReturned:
		if o.HasEffect(EffectStockCommit) {
			add(EffectStockReverseSale)
		}
	}
	return plan
}

// PlanPurge возвращает компенсации, обязательные перед удалением заказа.
func PlanPurge(o Order) []EffectKind {
	if o.Status == OrderStatusCancelled {
		return nil
	}
	return compensationPlan(o)
}

func compensationPlan(o Order) []EffectKind {
	var plan []EffectKind
	if o.HasEffect(EffectStockCommit) {
		// Продажа уже зафиксирована: откат продажи сам возвращает сток.
		if !o.HasEffect(EffectStockReverseSale) {
			plan = append(plan, EffectStockReverseSale)
		}
	} else if o.HasEffect(EffectStockReserve) && !o.HasEffect(EffectStockRelease) {
		plan = append(plan, EffectStockRelease)
	}
	if o.HasEffect(EffectPointsRedeem) && !o.HasEffect(EffectPointsReverse) {
		plan = append(plan, EffectPointsReverse)
	}
	if o.HasEffect(EffectVoucherReserve) && !o.HasEffect(EffectVoucherRelease) && o.PaymentStatus != PaymentStatusPaid {
		plan = append(plan, EffectVoucherRelease)
	}
	return plan
}
