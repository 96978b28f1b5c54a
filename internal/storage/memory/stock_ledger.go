package memory

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

type stockLineKey struct {
	orderID string
	index   int
}

// productCell хранит счётчики товара, состояние его строк заказов и журнал.
// Всё это меняется под одним мьютексом товара.
type productCell struct {
	mu        sync.Mutex
	product   domain.Product
	lines     map[stockLineKey]domain.StockLineState
	movements []domain.StockMovement
}

// StockLedger — in-memory склад: остатки, счётчики продаж и журнал движений.
// Каждый товар защищён собственным мьютексом, поэтому конкурентные
// резервы разных товаров не блокируют друг друга.
type StockLedger struct {
	mu       sync.RWMutex
	products map[string]*productCell

	movementSeq atomic.Int64

	now func() time.Time
}

// NewStockLedger создаёт пустой склад.
func NewStockLedger() *StockLedger {
	return &StockLedger{
		products: make(map[string]*productCell),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// AddProduct регистрирует товар; начальный остаток пишется в журнал как restock.
func (l *StockLedger) AddProduct(p domain.Product) {
	initial := p.Stock
	p.Stock = 0
	p.SoldCount = 0
	p.UpdatedAt = l.now()

	l.mu.Lock()
	l.products[p.ID] = &productCell{product: p, lines: make(map[stockLineKey]domain.StockLineState)}
	l.mu.Unlock()

	if initial > 0 {
		_ = l.Restock(context.Background(), p.ID, initial)
	}
}

// Restock увеличивает остаток товара (приход на склад).
func (l *StockLedger) Restock(_ context.Context, productID string, qty int64) error {
	if qty <= 0 {
		return &domain.ValidationError{Field: "qty", Message: "must be greater than zero"}
	}
	cell, err := l.cell(productID)
	if err != nil {
		return err
	}
	cell.mu.Lock()
	defer cell.mu.Unlock()

	cell.product.Stock += qty
	cell.product.UpdatedAt = l.now()
	l.appendMovement(cell, domain.StockMovement{
		ProductID:  productID,
		Kind:       domain.StockMovementRestock,
		StockDelta: qty,
	})
	return nil
}

// Reserve резервирует все строки или ни одной.
func (l *StockLedger) Reserve(ctx context.Context, orderID string, lines []domain.StockLine) error {
	if err := validateStockLines(orderID, lines); err != nil {
		return err
	}

	applied := make([]domain.StockLine, 0, len(lines))
	for _, line := range lines {
		ok, err := l.apply(orderID, line, domain.StockMovementReserve)
		if err != nil {
			if rbErr := l.Release(ctx, orderID, applied); rbErr != nil {
				return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
			}
			return err
		}
		if ok {
			applied = append(applied, line)
		}
	}
	return nil
}

// Release возвращает на склад зарезервированные строки заказа.
func (l *StockLedger) Release(_ context.Context, orderID string, lines []domain.StockLine) error {
	return l.applyAll(orderID, lines, domain.StockMovementRelease)
}

// CommitSale фиксирует продажу строк.
func (l *StockLedger) CommitSale(_ context.Context, orderID string, lines []domain.StockLine) error {
	return l.applyAll(orderID, lines, domain.StockMovementCommit)
}

// ReverseSale откатывает продажу и возвращает товар на склад.
func (l *StockLedger) ReverseSale(_ context.Context, orderID string, lines []domain.StockLine) error {
	return l.applyAll(orderID, lines, domain.StockMovementReverseSale)
}

// Product возвращает текущее состояние товара.
func (l *StockLedger) Product(_ context.Context, productID string) (domain.Product, error) {
	cell, err := l.cell(productID)
	if err != nil {
		return domain.Product{}, err
	}
	cell.mu.Lock()
	defer cell.mu.Unlock()
	p := cell.product
	p.Variants = append([]string(nil), p.Variants...)
	return p, nil
}

// Snapshot реализует domain.Catalog поверх карточек склада.
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

// Movements возвращает журнал движений товара в порядке записи.
func (l *StockLedger) Movements(_ context.Context, productID string) ([]domain.StockMovement, error) {
	cell, err := l.cell(productID)
	if err != nil {
		return nil, err
	}
	cell.mu.Lock()
	defer cell.mu.Unlock()
	return append(make([]domain.StockMovement, 0, len(cell.movements)), cell.movements...), nil
}

func (l *StockLedger) applyAll(orderID string, lines []domain.StockLine, kind domain.StockMovementKind) error {
	if err := validateStockLines(orderID, lines); err != nil {
		return err
	}
	for _, line := range lines {
		if _, err := l.apply(orderID, line, kind); err != nil {
			return err
		}
	}
	return nil
}

// apply применяет движение к строке. Возвращает false, если движение уже
// было применено или недопустимо в текущем состоянии строки.
func (l *StockLedger) apply(orderID string, line domain.StockLine, kind domain.StockMovementKind) (bool, error) {
	cell, err := l.cell(line.ProductID)
	if err != nil {
		return false, err
	}

	cell.mu.Lock()
	defer cell.mu.Unlock()

	key := stockLineKey{orderID: orderID, index: line.Index}
	state := cell.lines[key]
	if !state.Allows(kind) {
		return false, nil
	}

	m := domain.MovementFor(orderID, line, kind)
	if cell.product.Stock+m.StockDelta < 0 {
		return false, &domain.InsufficientStockError{
			ProductID: line.ProductID,
			Requested: line.Qty,
			Available: cell.product.Stock,
		}
	}
	if cell.product.SoldCount+m.SoldDelta < 0 {
		return false, fmt.Errorf("sold count of %s would go negative", line.ProductID)
	}

	cell.product.Stock += m.StockDelta
	cell.product.SoldCount += m.SoldDelta
	cell.product.UpdatedAt = l.now()
	state.Mark(kind)
	cell.lines[key] = state
	l.appendMovement(cell, m)
	return true, nil
}

// appendMovement вызывается под cell.mu. ID сквозной по всем товарам.
func (l *StockLedger) appendMovement(cell *productCell, m domain.StockMovement) {
	m.ID = l.movementSeq.Add(1)
	m.StockAfter = cell.product.Stock
	m.SoldAfter = cell.product.SoldCount
	m.At = cell.product.UpdatedAt
	cell.movements = append(cell.movements, m)
}

func (l *StockLedger) cell(productID string) (*productCell, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	cell, ok := l.products[productID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrProductNotFound, productID)
	}
	return cell, nil
}

func validateStockLines(orderID string, lines []domain.StockLine) error {
	if orderID == "" {
		return domain.ErrOrderIDRequired
	}
	for _, line := range lines {
		if line.Qty <= 0 {
			return domain.ErrLineQtyInvalid
		}
	}
	return nil
}

var (
	_ domain.StockLedger = (*StockLedger)(nil)
	_ domain.Catalog     = (*StockLedger)(nil)
)
