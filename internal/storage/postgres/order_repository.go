package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

type orderRepository struct {
	store *Store
	db    *sql.DB
}

// NewOrderRepository создаёт PostgreSQL-реализацию OrderRepository.
func NewOrderRepository(store *Store) domain.OrderRepository {
	return &orderRepository{store: store, db: store.DB()}
}

const orderColumns = `
	id, customer_id, status, payment_channel, payment_status,
	subtotal_minor, shipping_fee_minor, voucher_discount_minor, points_discount_minor, grand_total_minor,
	points_spent, shipping_address, voucher, gateway_ref, effects, pending_transition,
	version, created_at, updated_at`

// orderRowJSON — JSON-поля строки заказа.
type orderRowJSON struct {
	address []byte
	voucher []byte
	effects []byte
	pending []byte
}

func encodeOrderJSON(order domain.Order) (orderRowJSON, error) {
	var (
		out orderRowJSON
		err error
	)
	if out.address, err = json.Marshal(order.ShippingAddress); err != nil {
		return out, fmt.Errorf("encode shipping address: %w", err)
	}
	if order.Voucher != nil {
		if out.voucher, err = json.Marshal(order.Voucher); err != nil {
			return out, fmt.Errorf("encode voucher: %w", err)
		}
	}
	effects := order.Effects
	if effects == nil {
		effects = map[domain.EffectKind]time.Time{}
	}
	if out.effects, err = json.Marshal(effects); err != nil {
		return out, fmt.Errorf("encode effects: %w", err)
	}
	if order.Pending != nil {
		if out.pending, err = json.Marshal(order.Pending); err != nil {
			return out, fmt.Errorf("encode pending transition: %w", err)
		}
	}
	return out, nil
}

func (r *orderRepository) Create(ctx context.Context, order domain.Order) error {
	enc, err := encodeOrderJSON(order)
	if err != nil {
		return err
	}

	return r.store.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO orders (`+orderColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
		`,
			order.ID, order.CustomerID, string(order.Status), string(order.PaymentChannel), string(order.PaymentStatus),
			order.Totals.SubtotalMinor, order.Totals.ShippingFeeMinor, order.Totals.VoucherDiscountMinor,
			order.Totals.PointsDiscountMinor, order.Totals.GrandTotalMinor,
			order.PointsSpent, enc.address, nullJSON(enc.voucher), order.GatewayRef, enc.effects, nullJSON(enc.pending),
			order.Version, order.CreatedAt, order.UpdatedAt,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return domain.ErrOrderVersionConflict
			}
			return fmt.Errorf("insert order: %w", err)
		}

		for _, line := range order.Lines {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO order_lines (
					order_id, line_index, product_id, name, variant, qty, unit_price_minor, line_total_minor
				) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
			`,
				order.ID, line.Index, line.ProductID, line.Name, line.Variant,
				line.Qty, line.UnitPriceMinor, line.LineTotalMinor,
			); err != nil {
				return fmt.Errorf("insert order line: %w", err)
			}
		}

		return appendOrderChildren(ctx, tx, order)
	})
}

func (r *orderRepository) Get(ctx context.Context, id string) (domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	row := r.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id)
	order, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, domain.ErrOrderNotFound
		}
		return domain.Order{}, fmt.Errorf("select order: %w", err)
	}
	if err := r.loadChildren(ctx, &order); err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

func (r *orderRepository) ListByCustomer(ctx context.Context, customerID string, limit int) ([]domain.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE customer_id = $1 ORDER BY created_at DESC, id DESC`
	if limit > 0 {
		return r.queryOrders(ctx, query+` LIMIT $2`, customerID, limit)
	}
	return r.queryOrders(ctx, query, customerID)
}

func (r *orderRepository) ListAwaitingPayment(ctx context.Context, createdBefore time.Time, limit int) ([]domain.Order, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryOrders(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE payment_status IN ('unpaid', 'failed')
		  AND gateway_ref <> ''
		  AND payment_channel IN ('redirect', 'card')
		  AND status NOT IN ('cancelled', 'returned')
		  AND created_at < $1
		ORDER BY created_at ASC, id ASC
		LIMIT $2
	`, createdBefore, limit)
}

func (r *orderRepository) queryOrders(ctx context.Context, query string, args ...any) ([]domain.Order, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list orders: %w", err)
	}
	defer rows.Close()

	orders := make([]domain.Order, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order row: %w", err)
		}
		orders = append(orders, order)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order rows: %w", err)
	}

	for i := range orders {
		if err := r.loadChildren(ctx, &orders[i]); err != nil {
			return nil, err
		}
	}
	return orders, nil
}

// Save обновляет заказ с проверкой версии. История и применённые платёжные
// события только дописываются.
func (r *orderRepository) Save(ctx context.Context, order domain.Order) error {
	enc, err := encodeOrderJSON(order)
	if err != nil {
		return err
	}

	return r.store.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE orders
			SET status = $1,
			    payment_status = $2,
			    voucher = $3,
			    gateway_ref = $4,
			    effects = $5,
			    pending_transition = $6,
			    points_spent = $7,
			    version = version + 1,
			    updated_at = $8
			WHERE id = $9
			  AND version = $10
		`,
			string(order.Status), string(order.PaymentStatus), nullJSON(enc.voucher), order.GatewayRef,
			enc.effects, nullJSON(enc.pending), order.PointsSpent, order.UpdatedAt,
			order.ID, order.Version,
		)
		if err != nil {
			return fmt.Errorf("update order: %w", err)
		}

		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			exists, err := orderExistsTx(ctx, tx, order.ID)
			if err != nil {
				return err
			}
			if !exists {
				return domain.ErrOrderNotFound
			}
			return domain.ErrOrderVersionConflict
		}

		return appendOrderChildren(ctx, tx, order)
	})
}

func (r *orderRepository) Delete(ctx context.Context, id string, version int64) error {
	return r.store.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `DELETE FROM orders WHERE id = $1 AND version = $2`, id, version)
		if err != nil {
			return fmt.Errorf("delete order: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			exists, err := orderExistsTx(ctx, tx, id)
			if err != nil {
				return err
			}
			if !exists {
				return domain.ErrOrderNotFound
			}
			return domain.ErrOrderVersionConflict
		}
		return nil
	})
}

func appendOrderChildren(ctx context.Context, tx *sql.Tx, order domain.Order) error {
	for seq, entry := range order.History {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO order_status_history (order_id, seq, status, note, at)
			VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT (order_id, seq) DO NOTHING
		`, order.ID, seq, string(entry.Status), entry.Note, entry.At); err != nil {
			return fmt.Errorf("insert status history: %w", err)
		}
	}
	for _, p := range order.Payments {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO order_payment_events (order_id, correlation_id, kind, source, applied_at)
			VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT (order_id, correlation_id) DO NOTHING
		`, order.ID, p.CorrelationID, string(p.Kind), string(p.Source), p.AppliedAt); err != nil {
			return fmt.Errorf("insert payment event: %w", err)
		}
	}
	return nil
}

func (r *orderRepository) loadChildren(ctx context.Context, order *domain.Order) error {
	lineRows, err := r.db.QueryContext(ctx, `
		SELECT line_index, product_id, name, variant, qty, unit_price_minor, line_total_minor
		FROM order_lines
		WHERE order_id = $1
		ORDER BY line_index
	`, order.ID)
	if err != nil {
		return fmt.Errorf("load order lines: %w", err)
	}
	defer lineRows.Close()
	for lineRows.Next() {
		var l domain.OrderLine
		if err := lineRows.Scan(&l.Index, &l.ProductID, &l.Name, &l.Variant, &l.Qty, &l.UnitPriceMinor, &l.LineTotalMinor); err != nil {
			return fmt.Errorf("scan order line: %w", err)
		}
		order.Lines = append(order.Lines, l)
	}
	if err := lineRows.Err(); err != nil {
		return fmt.Errorf("iterate order lines: %w", err)
	}

	historyRows, err := r.db.QueryContext(ctx, `
		SELECT status, note, at FROM order_status_history WHERE order_id = $1 ORDER BY seq
	`, order.ID)
	if err != nil {
		return fmt.Errorf("load status history: %w", err)
	}
	defer historyRows.Close()
	for historyRows.Next() {
		var (
			e      domain.StatusHistoryEntry
			status string
		)
		if err := historyRows.Scan(&status, &e.Note, &e.At); err != nil {
			return fmt.Errorf("scan status history: %w", err)
		}
		e.Status = domain.OrderStatus(status)
		order.History = append(order.History, e)
	}
	if err := historyRows.Err(); err != nil {
		return fmt.Errorf("iterate status history: %w", err)
	}

	paymentRows, err := r.db.QueryContext(ctx, `
		SELECT correlation_id, kind, source, applied_at
		FROM order_payment_events
		WHERE order_id = $1
		ORDER BY applied_at, correlation_id
	`, order.ID)
	if err != nil {
		return fmt.Errorf("load payment events: %w", err)
	}
	defer paymentRows.Close()
	for paymentRows.Next() {
		var (
			p            domain.AppliedPayment
			kind, source string
		)
		if err := paymentRows.Scan(&p.CorrelationID, &kind, &source, &p.AppliedAt); err != nil {
			return fmt.Errorf("scan payment event: %w", err)
		}
		p.Kind = domain.PaymentEventKind(kind)
		p.Source = domain.PaymentEventSource(source)
		order.Payments = append(order.Payments, p)
	}
	return paymentRows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (domain.Order, error) {
	var (
		order                             domain.Order
		status, channel, paymentStatus    string
		address, voucher, effects, pending []byte
	)
	if err := row.Scan(
		&order.ID, &order.CustomerID, &status, &channel, &paymentStatus,
		&order.Totals.SubtotalMinor, &order.Totals.ShippingFeeMinor, &order.Totals.VoucherDiscountMinor,
		&order.Totals.PointsDiscountMinor, &order.Totals.GrandTotalMinor,
		&order.PointsSpent, &address, &voucher, &order.GatewayRef, &effects, &pending,
		&order.Version, &order.CreatedAt, &order.UpdatedAt,
	); err != nil {
		return domain.Order{}, err
	}
	order.Status = domain.OrderStatus(status)
	order.PaymentChannel = domain.PaymentChannel(channel)
	order.PaymentStatus = domain.PaymentStatus(paymentStatus)

	if err := json.Unmarshal(address, &order.ShippingAddress); err != nil {
		return domain.Order{}, fmt.Errorf("decode shipping address: %w", err)
	}
	if len(voucher) > 0 {
		order.Voucher = &domain.VoucherRef{}
		if err := json.Unmarshal(voucher, order.Voucher); err != nil {
			return domain.Order{}, fmt.Errorf("decode voucher: %w", err)
		}
	}
	if len(effects) > 0 {
		if err := json.Unmarshal(effects, &order.Effects); err != nil {
			return domain.Order{}, fmt.Errorf("decode effects: %w", err)
		}
	}
	if len(pending) > 0 {
		order.Pending = &domain.PendingTransition{}
		if err := json.Unmarshal(pending, order.Pending); err != nil {
			return domain.Order{}, fmt.Errorf("decode pending transition: %w", err)
		}
	}
	return order, nil
}

func orderExistsTx(ctx context.Context, tx *sql.Tx, orderID string) (bool, error) {
	var id string
	err := tx.QueryRowContext(ctx, `SELECT id FROM orders WHERE id = $1`, orderID).Scan(&id)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return false, fmt.Errorf("check order exists: %w", err)
}

func nullJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

var _ domain.OrderRepository = (*orderRepository)(nil)
