package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// VoucherTracker — счётчики ваучеров в PostgreSQL. Строка ваучера
// блокируется на время проверки и инкремента, used-by защищён первичным ключом.
type VoucherTracker struct {
	store *Store
}

// NewVoucherTracker создаёт PostgreSQL-реализацию трекера ваучеров.
func NewVoucherTracker(store *Store) *VoucherTracker {
	return &VoucherTracker{store: store}
}

// UpsertVoucher создаёт или обновляет параметры ваучера, не трогая счётчик.
func (t *VoucherTracker) UpsertVoucher(ctx context.Context, v domain.Voucher) error {
	v.Code = domain.NormalizeVoucherCode(v.Code)
	if v.ID == "" {
		v.ID = v.Code
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err := t.store.DB().ExecContext(ctx, `
		INSERT INTO vouchers (id, code, kind, value, max_discount_minor, min_spend_minor, starts_at, ends_at, cap)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO UPDATE
		SET kind = EXCLUDED.kind,
		    value = EXCLUDED.value,
		    max_discount_minor = EXCLUDED.max_discount_minor,
		    min_spend_minor = EXCLUDED.min_spend_minor,
		    starts_at = EXCLUDED.starts_at,
		    ends_at = EXCLUDED.ends_at,
		    cap = EXCLUDED.cap
	`, v.ID, v.Code, string(v.Kind), v.Value, v.MaxDiscountMinor, v.MinSpendMinor,
		nullTime(v.StartsAt), nullTime(v.EndsAt), v.Cap)
	if err != nil {
		return fmt.Errorf("upsert voucher: %w", err)
	}
	return nil
}

// CheckAndReserve погашает ваучер под заказ. Повтор для того же заказа
// возвращает прежний резерв без инкремента.
func (t *VoucherTracker) CheckAndReserve(ctx context.Context, code, customerID, orderID string, subtotalMinor int64, now time.Time) (domain.VoucherReservation, error) {
	if orderID == "" {
		return domain.VoucherReservation{}, domain.ErrOrderIDRequired
	}
	var res domain.VoucherReservation
	err := t.store.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		v, err := selectVoucherTx(ctx, tx, code, true)
		if err != nil {
			return err
		}
		holder, err := voucherHolderTx(ctx, tx, v.ID, customerID)
		if err != nil {
			return err
		}
		if holder == orderID {
			res = domain.VoucherReservation{VoucherID: v.ID, Code: v.Code, DiscountMinor: v.Discount(subtotalMinor)}
			return nil
		}
		if holder != "" {
			v.UsedBy = []string{customerID}
		}
		if err := v.CheckRedeemable(customerID, subtotalMinor, now); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO voucher_redemptions (voucher_id, customer_id, order_id, redeemed_at) VALUES ($1,$2,$3,$4)
		`, v.ID, customerID, orderID, now); err != nil {
			return fmt.Errorf("insert voucher redemption: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `UPDATE vouchers SET used = used + 1 WHERE id = $1`, v.ID); err != nil {
			return fmt.Errorf("increment voucher usage: %w", err)
		}
		res = domain.VoucherReservation{VoucherID: v.ID, Code: v.Code, DiscountMinor: v.Discount(subtotalMinor)}
		return nil
	})
	if isUniqueViolation(err) {
		return domain.VoucherReservation{}, domain.ErrVoucherAlreadyUsed
	}
	return res, err
}

// Release удаляет погашение только если его держит orderID.
func (t *VoucherTracker) Release(ctx context.Context, code, customerID, orderID string) error {
	return t.store.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		v, err := selectVoucherTx(ctx, tx, code, true)
		if errors.Is(err, domain.ErrVoucherNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			DELETE FROM voucher_redemptions WHERE voucher_id = $1 AND customer_id = $2 AND order_id = $3
		`, v.ID, customerID, orderID)
		if err != nil {
			return fmt.Errorf("delete voucher redemption: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `UPDATE vouchers SET used = used - 1 WHERE id = $1`, v.ID); err != nil {
			return fmt.Errorf("decrement voucher usage: %w", err)
		}
		return nil
	})
}

// voucherHolderTx возвращает заказ, под который клиент погасил ваучер, или "".
func voucherHolderTx(ctx context.Context, tx *sql.Tx, voucherID, customerID string) (string, error) {
	var orderID string
	err := tx.QueryRowContext(ctx, `
		SELECT order_id FROM voucher_redemptions WHERE voucher_id = $1 AND customer_id = $2
	`, voucherID, customerID).Scan(&orderID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("check voucher redemption: %w", err)
	}
	return orderID, nil
}

func (t *VoucherTracker) Voucher(ctx context.Context, code string) (domain.Voucher, error) {
	var v domain.Voucher
	err := t.store.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		var err error
		v, err = selectVoucherTx(ctx, tx, code, false)
		if err != nil {
			return err
		}
		rows, err := tx.QueryContext(ctx, `
			SELECT customer_id FROM voucher_redemptions WHERE voucher_id = $1 ORDER BY redeemed_at, customer_id
		`, v.ID)
		if err != nil {
			return fmt.Errorf("list voucher redemptions: %w", err)
		}
		defer rows.Close()
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return fmt.Errorf("scan voucher redemption: %w", err)
			}
			v.UsedBy = append(v.UsedBy, id)
		}
		return rows.Err()
	})
	return v, err
}

func selectVoucherTx(ctx context.Context, tx *sql.Tx, code string, forUpdate bool) (domain.Voucher, error) {
	query := `
		SELECT id, code, kind, value, max_discount_minor, min_spend_minor, starts_at, ends_at, cap, used
		FROM vouchers WHERE code = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var (
		v            domain.Voucher
		kind         string
		starts, ends sql.NullTime
	)
	err := tx.QueryRowContext(ctx, query, domain.NormalizeVoucherCode(code)).Scan(
		&v.ID, &v.Code, &kind, &v.Value, &v.MaxDiscountMinor, &v.MinSpendMinor, &starts, &ends, &v.Cap, &v.Used,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Voucher{}, domain.ErrVoucherNotFound
	}
	if err != nil {
		return domain.Voucher{}, fmt.Errorf("select voucher: %w", err)
	}
	v.Kind = domain.VoucherKind(kind)
	if starts.Valid {
		v.StartsAt = starts.Time
	}
	if ends.Valid {
		v.EndsAt = ends.Time
	}
	return v, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

var _ domain.VoucherTracker = (*VoucherTracker)(nil)
