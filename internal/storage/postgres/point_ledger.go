package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// PointLedger — журнал баллов в PostgreSQL. Баланс в point_accounts
// блокируется через SELECT ... FOR UPDATE, поэтому обновления одного
// клиента сериализуются, а разных идут параллельно.
type PointLedger struct {
	store  *Store
	policy domain.PointPolicy
}

// NewPointLedger создаёт PostgreSQL-реализацию журнала баллов.
func NewPointLedger(store *Store, policy domain.PointPolicy) *PointLedger {
	return &PointLedger{store: store, policy: policy}
}

func (l *PointLedger) Award(ctx context.Context, customerID, orderID string, orderTotalMinor int64) (domain.PointEntry, error) {
	if strings.TrimSpace(customerID) == "" {
		return domain.PointEntry{}, domain.ErrCustomerRequired
	}
	if orderID == "" {
		return domain.PointEntry{}, domain.ErrOrderIDRequired
	}

	var entry domain.PointEntry
	err := l.store.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		balance, err := lockAccountTx(ctx, tx, customerID)
		if err != nil {
			return err
		}
		if _, found, err := entryByOrderTx(ctx, tx, orderID, domain.PointReasonAward); err != nil {
			return err
		} else if found {
			return domain.ErrPointsAlreadyAwarded
		}
		entry, err = appendEntryTx(ctx, tx, balance, domain.PointEntry{
			CustomerID:  customerID,
			Direction:   domain.PointCredit,
			Amount:      l.policy.AwardFor(orderTotalMinor),
			OrderID:     orderID,
			Reason:      domain.PointReasonAward,
			Description: fmt.Sprintf("award for order %s", orderID),
		})
		return err
	})
	if isUniqueViolation(err) {
		return domain.PointEntry{}, domain.ErrPointsAlreadyAwarded
	}
	return entry, err
}

func (l *PointLedger) Redeem(ctx context.Context, customerID, orderID string, points int64) (int64, error) {
	if points <= 0 {
		return 0, domain.ErrPointsAmountInvalid
	}
	if strings.TrimSpace(customerID) == "" {
		return 0, domain.ErrCustomerRequired
	}
	if orderID == "" {
		return 0, domain.ErrOrderIDRequired
	}

	var discount int64
	err := l.store.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		balance, err := lockAccountTx(ctx, tx, customerID)
		if err != nil {
			return err
		}
		prev, found, err := entryByOrderTx(ctx, tx, orderID, domain.PointReasonRedeem)
		if err != nil {
			return err
		}
		if found {
			discount = l.policy.DiscountFor(prev.Amount)
			return nil
		}
		if balance < points {
			return &domain.InsufficientBalanceError{Requested: points, Balance: balance}
		}
		if _, err := appendEntryTx(ctx, tx, balance, domain.PointEntry{
			CustomerID:  customerID,
			Direction:   domain.PointDebit,
			Amount:      points,
			OrderID:     orderID,
			Reason:      domain.PointReasonRedeem,
			Description: fmt.Sprintf("redeemed on order %s", orderID),
		}); err != nil {
			return err
		}
		discount = l.policy.DiscountFor(points)
		return nil
	})
	return discount, err
}

func (l *PointLedger) Reverse(ctx context.Context, orderID string) error {
	err := l.store.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		debit, found, err := entryByOrderTx(ctx, tx, orderID, domain.PointReasonRedeem)
		if err != nil || !found {
			return err
		}
		balance, err := lockAccountTx(ctx, tx, debit.CustomerID)
		if err != nil {
			return err
		}
		if _, reversed, err := entryByOrderTx(ctx, tx, orderID, domain.PointReasonReverse); err != nil || reversed {
			return err
		}
		_, err = appendEntryTx(ctx, tx, balance, domain.PointEntry{
			CustomerID:  debit.CustomerID,
			Direction:   domain.PointCredit,
			Amount:      debit.Amount,
			OrderID:     orderID,
			Reason:      domain.PointReasonReverse,
			Description: fmt.Sprintf("refund of points redeemed on order %s", orderID),
		})
		return err
	})
	if isUniqueViolation(err) {
		return nil
	}
	return err
}

// Adjust начисляет баллы вне заказа.
func (l *PointLedger) Adjust(ctx context.Context, customerID string, amount int64, description string) (domain.PointEntry, error) {
	if amount <= 0 {
		return domain.PointEntry{}, domain.ErrPointsAmountInvalid
	}
	var entry domain.PointEntry
	err := l.store.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		balance, err := lockAccountTx(ctx, tx, customerID)
		if err != nil {
			return err
		}
		entry, err = appendEntryTx(ctx, tx, balance, domain.PointEntry{
			CustomerID:  customerID,
			Direction:   domain.PointCredit,
			Amount:      amount,
			Reason:      domain.PointReasonAdjust,
			Description: description,
		})
		return err
	})
	return entry, err
}

func (l *PointLedger) Balance(ctx context.Context, customerID string) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var balance int64
	err := l.store.DB().QueryRowContext(ctx, `SELECT balance FROM point_accounts WHERE customer_id = $1`, customerID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("select point balance: %w", err)
	}
	return balance, nil
}

func (l *PointLedger) History(ctx context.Context, customerID string) ([]domain.PointEntry, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := l.store.DB().QueryContext(ctx, `
		SELECT id, customer_id, direction, amount, balance_after, COALESCE(order_id, ''), reason, description, created_at
		FROM point_entries
		WHERE customer_id = $1
		ORDER BY id
	`, customerID)
	if err != nil {
		return nil, fmt.Errorf("list point entries: %w", err)
	}
	defer rows.Close()

	result := make([]domain.PointEntry, 0)
	for rows.Next() {
		e, err := scanPointEntry(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func lockAccountTx(ctx context.Context, tx *sql.Tx, customerID string) (int64, error) {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO point_accounts (customer_id, balance) VALUES ($1, 0)
		ON CONFLICT (customer_id) DO NOTHING
	`, customerID); err != nil {
		return 0, fmt.Errorf("ensure point account: %w", err)
	}
	var balance int64
	if err := tx.QueryRowContext(ctx, `
		SELECT balance FROM point_accounts WHERE customer_id = $1 FOR UPDATE
	`, customerID).Scan(&balance); err != nil {
		return 0, fmt.Errorf("lock point account: %w", err)
	}
	return balance, nil
}

func entryByOrderTx(ctx context.Context, tx *sql.Tx, orderID string, reason domain.PointReason) (domain.PointEntry, bool, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, customer_id, direction, amount, balance_after, COALESCE(order_id, ''), reason, description, created_at
		FROM point_entries
		WHERE order_id = $1 AND reason = $2
	`, orderID, string(reason))
	e, err := scanPointEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.PointEntry{}, false, nil
	}
	if err != nil {
		return domain.PointEntry{}, false, err
	}
	return e, true, nil
}

// appendEntryTx вызывается после lockAccountTx в той же транзакции.
func appendEntryTx(ctx context.Context, tx *sql.Tx, balance int64, e domain.PointEntry) (domain.PointEntry, error) {
	e.BalanceAfter = balance + e.Signed()
	var orderID any
	if e.OrderID != "" {
		orderID = e.OrderID
	}
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO point_entries (customer_id, direction, amount, balance_after, order_id, reason, description, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,NOW())
		RETURNING id, created_at
	`, e.CustomerID, string(e.Direction), e.Amount, e.BalanceAfter, orderID, string(e.Reason), e.Description,
	).Scan(&e.ID, &e.CreatedAt); err != nil {
		return domain.PointEntry{}, fmt.Errorf("insert point entry: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE point_accounts SET balance = $2, updated_at = NOW() WHERE customer_id = $1
	`, e.CustomerID, e.BalanceAfter); err != nil {
		return domain.PointEntry{}, fmt.Errorf("update point balance: %w", err)
	}
	return e, nil
}

func scanPointEntry(row rowScanner) (domain.PointEntry, error) {
	var (
		e                 domain.PointEntry
		direction, reason string
	)
	if err := row.Scan(&e.ID, &e.CustomerID, &direction, &e.Amount, &e.BalanceAfter, &e.OrderID, &reason, &e.Description, &e.CreatedAt); err != nil {
		return domain.PointEntry{}, err
	}
	e.Direction = domain.PointDirection(direction)
	e.Reason = domain.PointReason(reason)
	return e, nil
}

var _ domain.PointLedger = (*PointLedger)(nil)
