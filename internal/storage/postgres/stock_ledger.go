package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const maxMovementAttempts = 3

// StockLedger хранит остатки в таблице products и журнал в stock_movements.
// Резерв делается условным UPDATE (stock + delta >= 0), без чтения остатка в приложении.
type StockLedger struct {
	store *Store
}

// NewStockLedger создаёт PostgreSQL-реализацию склада и каталога.
func NewStockLedger(store *Store) *StockLedger {
	return &StockLedger{store: store}
}

// UpsertProduct создаёт или обновляет карточку товара без изменения остатков.
func (l *StockLedger) UpsertProduct(ctx context.Context, p domain.Product) error {
	variants, err := json.Marshal(nonNilStrings(p.Variants))
	if err != nil {
		return fmt.Errorf("encode variants: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	_, err = l.store.DB().ExecContext(ctx, `
		INSERT INTO products (id, name, price_minor, variants, updated_at)
		VALUES ($1,$2,$3,$4,NOW())
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
		    price_minor = EXCLUDED.price_minor,
		    variants = EXCLUDED.variants,
		    updated_at = NOW()
	`, p.ID, p.Name, p.PriceMinor, variants)
	if err != nil {
		return fmt.Errorf("upsert product: %w", err)
	}
	return nil
}

// Restock увеличивает остаток и пишет движение restock.
func (l *StockLedger) Restock(ctx context.Context, productID string, qty int64) error {
	if qty <= 0 {
		return &domain.ValidationError{Field: "qty", Message: "must be greater than zero"}
	}
	return l.store.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
		m := domain.StockMovement{ProductID: productID, Kind: domain.StockMovementRestock, StockDelta: qty}
		return applyMovementTx(ctx, tx, m, qty)
	})
}

// Reserve резервирует все строки в одной транзакции: при нехватке любой
// строки откатывается вся попытка.
func (l *StockLedger) Reserve(ctx context.Context, orderID string, lines []domain.StockLine) error {
	return l.applyAll(ctx, orderID, lines, domain.StockMovementReserve)
}

func (l *StockLedger) Release(ctx context.Context, orderID string, lines []domain.StockLine) error {
	return l.applyAll(ctx, orderID, lines, domain.StockMovementRelease)
}

func (l *StockLedger) CommitSale(ctx context.Context, orderID string, lines []domain.StockLine) error {
	return l.applyAll(ctx, orderID, lines, domain.StockMovementCommit)
}

func (l *StockLedger) ReverseSale(ctx context.Context, orderID string, lines []domain.StockLine) error {
	return l.applyAll(ctx, orderID, lines, domain.StockMovementReverseSale)
}

func (l *StockLedger) applyAll(ctx context.Context, orderID string, lines []domain.StockLine, kind domain.StockMovementKind) error {
	if orderID == "" {
		return domain.ErrOrderIDRequired
	}
	for _, line := range lines {
		if line.Qty <= 0 {
			return domain.ErrLineQtyInvalid
		}
	}

	var err error
	for attempt := 0; attempt < maxMovementAttempts; attempt++ {
		err = l.store.withTx(ctx, func(ctx context.Context, tx *sql.Tx) error {
			for _, line := range lines {
				state, err := lineStateTx(ctx, tx, orderID, line.Index)
				if err != nil {
					return err
				}
				if !state.Allows(kind) {
					continue
				}
				if err := applyMovementTx(ctx, tx, domain.MovementFor(orderID, line, kind), line.Qty); err != nil {
					return err
				}
			}
			return nil
		})
		// Уникальный индекс сработал: параллельный вызов уже применил часть
		// движений, повторяем с актуальным состоянием строк.
		if !isUniqueViolation(err) {
			return err
		}
	}
	return fmt.Errorf("apply %s movements for %s: %w", kind, orderID, err)
}

func lineStateTx(ctx context.Context, tx *sql.Tx, orderID string, index int) (domain.StockLineState, error) {
	var state domain.StockLineState
	rows, err := tx.QueryContext(ctx, `
		SELECT kind FROM stock_movements WHERE order_id = $1 AND line_index = $2
	`, orderID, index)
	if err != nil {
		return state, fmt.Errorf("load line movements: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var kind string
		if err := rows.Scan(&kind); err != nil {
			return state, fmt.Errorf("scan line movement: %w", err)
		}
		state.Mark(domain.StockMovementKind(kind))
	}
	return state, rows.Err()
}

func applyMovementTx(ctx context.Context, tx *sql.Tx, m domain.StockMovement, requested int64) error {
	err := tx.QueryRowContext(ctx, `
		UPDATE products
		SET stock = stock + $2,
		    sold_count = sold_count + $3,
		    updated_at = NOW()
		WHERE id = $1
		  AND stock + $2 >= 0
		  AND sold_count + $3 >= 0
		RETURNING stock, sold_count, updated_at
	`, m.ProductID, m.StockDelta, m.SoldDelta).Scan(&m.StockAfter, &m.SoldAfter, &m.At)
	if errors.Is(err, sql.ErrNoRows) {
		var available int64
		lookupErr := tx.QueryRowContext(ctx, `SELECT stock FROM products WHERE id = $1`, m.ProductID).Scan(&available)
		if errors.Is(lookupErr, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", domain.ErrProductNotFound, m.ProductID)
		}
		if lookupErr != nil {
			return fmt.Errorf("lookup product stock: %w", lookupErr)
		}
		if m.StockDelta < 0 {
			return &domain.InsufficientStockError{ProductID: m.ProductID, Requested: requested, Available: available}
		}
		return fmt.Errorf("sold count of %s would go negative", m.ProductID)
	}
	if err != nil {
		return fmt.Errorf("update product counters: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO stock_movements (
			product_id, order_id, line_index, kind, stock_delta, sold_delta, stock_after, sold_after, at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, m.ProductID, m.OrderID, m.LineIndex, string(m.Kind), m.StockDelta, m.SoldDelta, m.StockAfter, m.SoldAfter, m.At); err != nil {
		return fmt.Errorf("insert stock movement: %w", err)
	}
	return nil
}

// Product возвращает карточку товара со счётчиками.
func (l *StockLedger) Product(ctx context.Context, productID string) (domain.Product, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	var (
		p        domain.Product
		variants []byte
	)
	err := l.store.DB().QueryRowContext(ctx, `
		SELECT id, name, price_minor, variants, stock, sold_count, updated_at
		FROM products WHERE id = $1
	`, productID).Scan(&p.ID, &p.Name, &p.PriceMinor, &variants, &p.Stock, &p.SoldCount, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Product{}, fmt.Errorf("%w: %s", domain.ErrProductNotFound, productID)
	}
	if err != nil {
		return domain.Product{}, fmt.Errorf("select product: %w", err)
	}
	if err := json.Unmarshal(variants, &p.Variants); err != nil {
		return domain.Product{}, fmt.Errorf("decode variants: %w", err)
	}
	return p, nil
}

// Snapshot реализует domain.Catalog.
func (l *StockLedger) Snapshot(ctx context.Context, productID, variant string) (domain.ProductSnapshot, error) {
	p, err := l.Product(ctx, productID)
	if err != nil {
		return domain.ProductSnapshot{}, err
	}
	if !p.HasVariant(variant) {
		return domain.ProductSnapshot{}, fmt.Errorf("%w: %s/%s", domain.ErrVariantUnavailable, productID, variant)
	}
	return domain.ProductSnapshot{ProductID: p.ID, Name: p.Name, Variant: variant, PriceMinor: p.PriceMinor}, nil
}

// Movements возвращает журнал движений товара.
func (l *StockLedger) Movements(ctx context.Context, productID string) ([]domain.StockMovement, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	defer cancel()

	rows, err := l.store.DB().QueryContext(ctx, `
		SELECT id, product_id, order_id, line_index, kind, stock_delta, sold_delta, stock_after, sold_after, at
		FROM stock_movements
		WHERE product_id = $1
		ORDER BY id
	`, productID)
	if err != nil {
		return nil, fmt.Errorf("list stock movements: %w", err)
	}
	defer rows.Close()

	result := make([]domain.StockMovement, 0)
	for rows.Next() {
		var (
			m    domain.StockMovement
			kind string
		)
		if err := rows.Scan(&m.ID, &m.ProductID, &m.OrderID, &m.LineIndex, &kind,
			&m.StockDelta, &m.SoldDelta, &m.StockAfter, &m.SoldAfter, &m.At); err != nil {
			return nil, fmt.Errorf("scan stock movement: %w", err)
		}
		m.Kind = domain.StockMovementKind(kind)
		m.At = m.At.UTC()
		result = append(result, m)
	}
	return result, rows.Err()
}

func nonNilStrings(in []string) []string {
	if in == nil {
		return []string{}
	}
	return in
}

var (
	_ domain.StockLedger = (*StockLedger)(nil)
	_ domain.Catalog     = (*StockLedger)(nil)
)
