package domain

import "time"

// Product — складская карточка товара.
type Product struct {
	ID         string
	Name       string
	PriceMinor int64
	Variants   []string
	Stock      int64
	SoldCount  int64
	UpdatedAt  time.Time
}

// HasVariant проверяет, продаётся ли вариант. Пустой список вариантов
// означает товар без вариантов.
func (p Product) HasVariant(variant string) bool {
	if len(p.Variants) == 0 {
		return variant == ""
	}
	for _, v := range p.Variants {
		if v == variant {
			return true
		}
	}
	return false
}

// ProductSnapshot — снимок каталога, сохраняемый в позиции заказа.
type ProductSnapshot struct {
	ProductID  string
	Name       string
	Variant    string
	PriceMinor int64
}

// StockLine — позиция заказа с точки зрения склада.
type StockLine struct {
	Index     int
	ProductID string
	Qty       int64
}

// StockMovementKind — тип движения по складу.
type StockMovementKind string

const (
	StockMovementRestock     StockMovementKind = "restock"
	StockMovementReserve     StockMovementKind = "reserve"
	StockMovementRelease     StockMovementKind = "release"
	StockMovementCommit      StockMovementKind = "commit"
	StockMovementReverseSale StockMovementKind = "reverse_sale"
)

// StockMovement — неизменяемая запись журнала склада.
// Для движений по заказу пара (OrderID, LineIndex, Kind) уникальна.
type StockMovement struct {
	ID         int64
	ProductID  string
	OrderID    string
	LineIndex  int
	Kind       StockMovementKind
	StockDelta int64
	SoldDelta  int64
	StockAfter int64
	SoldAfter  int64
	At         time.Time
}

// MovementFor строит движение по заказу для строки и вида операции.
func MovementFor(orderID string, line StockLine, kind StockMovementKind) StockMovement {
	m := StockMovement{ProductID: line.ProductID, OrderID: orderID, LineIndex: line.Index, Kind: kind}
	switch kind {
	case StockMovementReserve:
		m.StockDelta = -line.Qty
	case StockMovementRelease:
		m.StockDelta = line.Qty
	case StockMovementCommit:
		m.SoldDelta = line.Qty
	case StockMovementReverseSale:
		m.StockDelta = line.Qty
		m.SoldDelta = -line.Qty
	}
	return m
}

// ReplayStock восстанавливает счётчики товара по журналу движений.
func ReplayStock(movements []StockMovement) (stock, sold int64) {
	for _, m := range movements {
		stock += m.StockDelta
		sold += m.SoldDelta
	}
	return stock, sold
}

// StockLineState — применённые к строке заказа движения.
type StockLineState struct {
	Reserved  bool
	Released  bool
	Committed bool
	Reversed  bool
}

// Allows проверяет, можно ли применить движение kind к строке в текущем состоянии.
// Release допустим только для зарезервированной и ещё не вернувшейся на склад
// строки, ReverseSale только для зафиксированной продажи.
func (s StockLineState) Allows(kind StockMovementKind) bool {
	switch kind {
	case StockMovementReserve:
		return !s.Reserved
	case StockMovementRelease:
		return s.Reserved && !s.Released && !s.Reversed
	case StockMovementCommit:
		return s.Reserved && !s.Committed && !s.Released
	case StockMovementReverseSale:
		return s.Committed && !s.Reversed
	default:
		return false
	}
}

// Mark отмечает применённое движение.
func (s *StockLineState) Mark(kind StockMovementKind) {
	switch kind {
	case StockMovementReserve:
		s.Reserved = true
	case StockMovementRelease:
		s.Released = true
	case StockMovementCommit:
		s.Committed = true
	case StockMovementReverseSale:
		s.Reversed = true
	}
}
