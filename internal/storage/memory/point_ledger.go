package memory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

type pointAccount struct {
	mu      sync.Mutex
	balance int64
	entries []domain.PointEntry
}

// PointLedger — in-memory журнал баллов. Обновления сериализуются на уровне
// клиента, разные клиенты не блокируют друг друга.
type PointLedger struct {
	policy domain.PointPolicy

	mu       sync.Mutex
	accounts map[string]*pointAccount
	// redeemedBy связывает заказ с клиентом, чьи баллы были списаны.
	redeemedBy map[string]string
	nextID     int64

	now func() time.Time
}

// NewPointLedger создаёт журнал с указанной политикой начисления.
func NewPointLedger(policy domain.PointPolicy) *PointLedger {
	return &PointLedger{
		policy:     policy,
		accounts:   make(map[string]*pointAccount),
		redeemedBy: make(map[string]string),
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Award начисляет баллы за доставленный заказ. Нулевое начисление тоже записывается.
func (l *PointLedger) Award(_ context.Context, customerID, orderID string, orderTotalMinor int64) (domain.PointEntry, error) {
	if strings.TrimSpace(customerID) == "" {
		return domain.PointEntry{}, domain.ErrCustomerRequired
	}
	if orderID == "" {
		return domain.PointEntry{}, domain.ErrOrderIDRequired
	}

	acc := l.account(customerID)
	acc.mu.Lock()
	defer acc.mu.Unlock()

	if findEntry(acc.entries, orderID, domain.PointReasonAward) != nil {
		return domain.PointEntry{}, domain.ErrPointsAlreadyAwarded
	}
	amount := l.policy.AwardFor(orderTotalMinor)
	return l.appendEntry(acc, domain.PointEntry{
		CustomerID:  customerID,
		Direction:   domain.PointCredit,
		Amount:      amount,
		OrderID:     orderID,
		Reason:      domain.PointReasonAward,
		Description: fmt.Sprintf("award for order %s", orderID),
	}), nil
}

// Redeem списывает баллы под заказ и возвращает скидку. Повтор для того же
// заказа возвращает скидку исходного списания.
func (l *PointLedger) Redeem(_ context.Context, customerID, orderID string, points int64) (int64, error) {
	if points <= 0 {
		return 0, domain.ErrPointsAmountInvalid
	}
	if strings.TrimSpace(customerID) == "" {
		return 0, domain.ErrCustomerRequired
	}
	if orderID == "" {
		return 0, domain.ErrOrderIDRequired
	}

	acc := l.account(customerID)
	acc.mu.Lock()
	defer acc.mu.Unlock()

	if prev := findEntry(acc.entries, orderID, domain.PointReasonRedeem); prev != nil {
		return l.policy.DiscountFor(prev.Amount), nil
	}
	if acc.balance < points {
		return 0, &domain.InsufficientBalanceError{Requested: points, Balance: acc.balance}
	}

	l.appendEntry(acc, domain.PointEntry{
		CustomerID:  customerID,
		Direction:   domain.PointDebit,
		Amount:      points,
		OrderID:     orderID,
		Reason:      domain.PointReasonRedeem,
		Description: fmt.Sprintf("redeemed on order %s", orderID),
	})

	l.mu.Lock()
	l.redeemedBy[orderID] = customerID
	l.mu.Unlock()

	return l.policy.DiscountFor(points), nil
}

// Reverse возвращает ровно столько баллов, сколько было списано по заказу.
func (l *PointLedger) Reverse(_ context.Context, orderID string) error {
	l.mu.Lock()
	customerID, ok := l.redeemedBy[orderID]
	l.mu.Unlock()
	if !ok {
		return nil
	}

	acc := l.account(customerID)
	acc.mu.Lock()
	defer acc.mu.Unlock()

	debit := findEntry(acc.entries, orderID, domain.PointReasonRedeem)
	if debit == nil || findEntry(acc.entries, orderID, domain.PointReasonReverse) != nil {
		return nil
	}
	l.appendEntry(acc, domain.PointEntry{
		CustomerID:  customerID,
		Direction:   domain.PointCredit,
		Amount:      debit.Amount,
		OrderID:     orderID,
		Reason:      domain.PointReasonReverse,
		Description: fmt.Sprintf("refund of points redeemed on order %s", orderID),
	})
	return nil
}

// Adjust вручную начисляет баллы (промо-акции, стартовый баланс).
func (l *PointLedger) Adjust(_ context.Context, customerID string, amount int64, description string) (domain.PointEntry, error) {
	if amount <= 0 {
		return domain.PointEntry{}, domain.ErrPointsAmountInvalid
	}
	acc := l.account(customerID)
	acc.mu.Lock()
	defer acc.mu.Unlock()
	return l.appendEntry(acc, domain.PointEntry{
		CustomerID:  customerID,
		Direction:   domain.PointCredit,
		Amount:      amount,
		Reason:      domain.PointReasonAdjust,
		Description: description,
	}), nil
}

// Balance возвращает текущий баланс клиента.
func (l *PointLedger) Balance(_ context.Context, customerID string) (int64, error) {
	acc := l.account(customerID)
	acc.mu.Lock()
	defer acc.mu.Unlock()
	return acc.balance, nil
}

// History возвращает журнал клиента в хронологическом порядке.
func (l *PointLedger) History(_ context.Context, customerID string) ([]domain.PointEntry, error) {
	acc := l.account(customerID)
	acc.mu.Lock()
	defer acc.mu.Unlock()
	return append([]domain.PointEntry(nil), acc.entries...), nil
}

// appendEntry вызывается под acc.mu.
func (l *PointLedger) appendEntry(acc *pointAccount, e domain.PointEntry) domain.PointEntry {
	l.mu.Lock()
	l.nextID++
	e.ID = l.nextID
	l.mu.Unlock()

	acc.balance += e.Signed()
	e.BalanceAfter = acc.balance
	e.CreatedAt = l.now()
	acc.entries = append(acc.entries, e)
	return e
}

func (l *PointLedger) account(customerID string) *pointAccount {
	l.mu.Lock()
	defer l.mu.Unlock()
	acc, ok := l.accounts[customerID]
	if !ok {
		acc = &pointAccount{}
		l.accounts[customerID] = acc
	}
	return acc
}

func findEntry(entries []domain.PointEntry, orderID string, reason domain.PointReason) *domain.PointEntry {
	for i := range entries {
		if entries[i].OrderID == orderID && entries[i].Reason == reason {
			return &entries[i]
		}
	}
	return nil
}

var _ domain.PointLedger = (*PointLedger)(nil)
