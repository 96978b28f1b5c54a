// Package redisstore содержит Redis-реализацию складского леджера для
// flash-sale нагрузки: проверка остатка и списание выполняются одним
// Lua-скриптом, без гонки между чтением и записью.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

const (
	resultApplied      = 0
	resultInsufficient = 1
	resultNotFound     = 2
	resultSoldNegative = 3
)

// applyScript применяет движение kind ко всем строкам заказа атомарно.
// Сначала проверяются все строки, затем изменения применяются; при нехватке
// хотя бы по одной строке ничего не пишется.
//
// KEYS[1] — состояние строк заказа, KEYS[2] — счётчик id движений,
// далее пары (товар, журнал движений) на каждую строку.
// ARGV: order_id, kind, now_ms, затем тройки (line_index, qty, product_id).
var applyScript = redis.NewScript(`
local order_id, kind, now = ARGV[1], ARGV[2], tonumber(ARGV[3])
local n = (#ARGV - 3) / 3

local function has(idx, k)
  return redis.call('HEXISTS', KEYS[1], idx .. ':' .. k) == 1
end

local function allows(idx)
  if kind == 'reserve' then return not has(idx, 'reserve') end
  if kind == 'release' then return has(idx, 'reserve') and not has(idx, 'release') and not has(idx, 'reverse_sale') end
  if kind == 'commit' then return has(idx, 'reserve') and not has(idx, 'commit') and not has(idx, 'release') end
  if kind == 'reverse_sale' then return has(idx, 'commit') and not has(idx, 'reverse_sale') end
  return false
end

local function deltas(qty)
  if kind == 'reserve' then return -qty, 0 end
  if kind == 'release' then return qty, 0 end
  if kind == 'commit' then return 0, qty end
  if kind == 'reverse_sale' then return qty, -qty end
  return 0, 0
end

local counters = {}
local planned = {}
for i = 0, n - 1 do
  local idx = ARGV[4 + i * 3]
  local qty = tonumber(ARGV[5 + i * 3])
  local pid = ARGV[6 + i * 3]
  local pkey = KEYS[3 + i * 2]
  if redis.call('EXISTS', pkey) == 0 then
    return {2, pid, 0}
  end
  if allows(idx) then
    local ds, dsold = deltas(qty)
    local cur = counters[pkey]
    if not cur then
      cur = {tonumber(redis.call('HGET', pkey, 'stock')), tonumber(redis.call('HGET', pkey, 'sold'))}
      counters[pkey] = cur
    end
    if cur[1] + ds < 0 then
      return {1, pid, cur[1]}
    end
    if cur[2] + dsold < 0 then
      return {3, pid, cur[2]}
    end
    cur[1] = cur[1] + ds
    cur[2] = cur[2] + dsold
    table.insert(planned, {i, idx, pid, ds, dsold})
  end
end

for _, p in ipairs(planned) do
  local i, idx, pid, ds, dsold = p[1], p[2], p[3], p[4], p[5]
  local pkey = KEYS[3 + i * 2]
  local stock = redis.call('HINCRBY', pkey, 'stock', ds)
  local sold = redis.call('HINCRBY', pkey, 'sold', dsold)
  redis.call('HSET', pkey, 'updated_at', now)
  redis.call('HSET', KEYS[1], idx .. ':' .. kind, now)
  local id = redis.call('INCR', KEYS[2])
  redis.call('RPUSH', KEYS[4 + i * 2], cjson.encode({
    id = id, product_id = pid, order_id = order_id, line_index = tonumber(idx), kind = kind,
    stock_delta = ds, sold_delta = dsold, stock_after = stock, sold_after = sold, at = now
  }))
end
return {0, '', 0}
`)

// restockScript: KEYS[1] — товар, KEYS[2] — журнал, KEYS[3] — счётчик id.
// ARGV: product_id, qty, now_ms.
var restockScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return -1
end
local qty, now = tonumber(ARGV[2]), tonumber(ARGV[3])
local stock = redis.call('HINCRBY', KEYS[1], 'stock', qty)
local sold = tonumber(redis.call('HGET', KEYS[1], 'sold'))
redis.call('HSET', KEYS[1], 'updated_at', now)
local id = redis.call('INCR', KEYS[3])
redis.call('RPUSH', KEYS[2], cjson.encode({
  id = id, product_id = ARGV[1], order_id = '', line_index = 0, kind = 'restock',
  stock_delta = qty, sold_delta = 0, stock_after = stock, sold_after = sold, at = now
}))
return stock
`)

type movementRecord struct {
	ID         int64  `json:"id"`
	ProductID  string `json:"product_id"`
	OrderID    string `json:"order_id"`
	LineIndex  int    `json:"line_index"`
	Kind       string `json:"kind"`
	StockDelta int64  `json:"stock_delta"`
	SoldDelta  int64  `json:"sold_delta"`
	StockAfter int64  `json:"stock_after"`
	SoldAfter  int64  `json:"sold_after"`
	At         int64  `json:"at"`
}

// StockLedger — склад в Redis. Карточка товара и счётчики лежат в hash,
// журнал движений — в списке на товар.
type StockLedger struct {
	rdb *redis.Client
	now func() time.Time
}

// NewStockLedger создаёт Redis-реализацию склада.
func NewStockLedger(rdb *redis.Client) *StockLedger {
	return &StockLedger{rdb: rdb, now: func() time.Time { return time.Now().UTC() }}
}

// UpsertProduct сохраняет карточку товара; существующие счётчики не меняются.
func (l *StockLedger) UpsertProduct(ctx context.Context, p domain.Product) error {
	variants, err := json.Marshal(p.Variants)
	if err != nil {
		return fmt.Errorf("encode variants: %w", err)
	}
	key := fmt.Sprintf(keyProduct, p.ID)

	pipe := l.rdb.TxPipeline()
	pipe.HSet(ctx, key,
		"id", p.ID,
		"name", p.Name,
		"price_minor", p.PriceMinor,
		"variants", variants,
		"updated_at", l.now().UnixMilli(),
	)
	pipe.HSetNX(ctx, key, "stock", 0)
	pipe.HSetNX(ctx, key, "sold", 0)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("upsert product: %w", err)
	}
	return nil
}

// Restock увеличивает остаток и пишет движение restock.
func (l *StockLedger) Restock(ctx context.Context, productID string, qty int64) error {
	if qty <= 0 {
		return &domain.ValidationError{Field: "qty", Message: "must be greater than zero"}
	}
	keys := []string{fmt.Sprintf(keyProduct, productID), fmt.Sprintf(keyMovements, productID), keyMoveSeq}
	res, err := restockScript.Run(ctx, l.rdb, keys, productID, qty, l.now().UnixMilli()).Int64()
	if err != nil {
		return fmt.Errorf("run restock script: %w", err)
	}
	if res < 0 {
		return fmt.Errorf("%w: %s", domain.ErrProductNotFound, productID)
	}
	return nil
}

func (l *StockLedger) Reserve(ctx context.Context, orderID string, lines []domain.StockLine) error {
	return l.apply(ctx, orderID, lines, domain.StockMovementReserve)
}

func (l *StockLedger) Release(ctx context.Context, orderID string, lines []domain.StockLine) error {
	return l.apply(ctx, orderID, lines, domain.StockMovementRelease)
}

func (l *StockLedger) CommitSale(ctx context.Context, orderID string, lines []domain.StockLine) error {
	return l.apply(ctx, orderID, lines, domain.StockMovementCommit)
}

func (l *StockLedger) ReverseSale(ctx context.Context, orderID string, lines []domain.StockLine) error {
	return l.apply(ctx, orderID, lines, domain.StockMovementReverseSale)
}

func (l *StockLedger) apply(ctx context.Context, orderID string, lines []domain.StockLine, kind domain.StockMovementKind) error {
	if orderID == "" {
		return domain.ErrOrderIDRequired
	}
	if len(lines) == 0 {
		return nil
	}

	keys := make([]string, 0, 2+2*len(lines))
	keys = append(keys, fmt.Sprintf(keyLines, orderID), keyMoveSeq)
	args := make([]any, 0, 3+3*len(lines))
	args = append(args, orderID, string(kind), l.now().UnixMilli())
	requested := make(map[string]int64, len(lines))
	for _, line := range lines {
		if line.Qty <= 0 {
			return domain.ErrLineQtyInvalid
		}
		keys = append(keys, fmt.Sprintf(keyProduct, line.ProductID), fmt.Sprintf(keyMovements, line.ProductID))
		args = append(args, strconv.Itoa(line.Index), line.Qty, line.ProductID)
		requested[line.ProductID] += line.Qty
	}

	raw, err := applyScript.Run(ctx, l.rdb, keys, args...).Slice()
	if err != nil {
		return fmt.Errorf("run %s script: %w", kind, err)
	}
	if len(raw) != 3 {
		return fmt.Errorf("unexpected %s script result: %v", kind, raw)
	}
	code, _ := raw[0].(int64)
	productID, _ := raw[1].(string)
	counter, _ := raw[2].(int64)

	switch code {
	case resultApplied:
		return nil
	case resultInsufficient:
		return &domain.InsufficientStockError{ProductID: productID, Requested: requested[productID], Available: counter}
	case resultNotFound:
		return fmt.Errorf("%w: %s", domain.ErrProductNotFound, productID)
	case resultSoldNegative:
		return fmt.Errorf("sold count of %s would go negative", productID)
	default:
		return fmt.Errorf("unknown %s script result code %d", kind, code)
	}
}

// Product читает карточку товара со счётчиками.
func (l *StockLedger) Product(ctx context.Context, productID string) (domain.Product, error) {
	fields, err := l.rdb.HGetAll(ctx, fmt.Sprintf(keyProduct, productID)).Result()
	if err != nil {
		return domain.Product{}, fmt.Errorf("read product: %w", err)
	}
	if len(fields) == 0 {
		return domain.Product{}, fmt.Errorf("%w: %s", domain.ErrProductNotFound, productID)
	}
	return decodeProduct(productID, fields)
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

// Movements возвращает журнал движений товара в порядке записи.
func (l *StockLedger) Movements(ctx context.Context, productID string) ([]domain.StockMovement, error) {
	raw, err := l.rdb.LRange(ctx, fmt.Sprintf(keyMovements, productID), 0, -1).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("read movements: %w", err)
	}
	result := make([]domain.StockMovement, 0, len(raw))
	for _, item := range raw {
		var rec movementRecord
		if err := json.Unmarshal([]byte(item), &rec); err != nil {
			return nil, fmt.Errorf("decode movement: %w", err)
		}
		result = append(result, domain.StockMovement{
			ID:         rec.ID,
			ProductID:  rec.ProductID,
			OrderID:    rec.OrderID,
			LineIndex:  rec.LineIndex,
			Kind:       domain.StockMovementKind(rec.Kind),
			StockDelta: rec.StockDelta,
			SoldDelta:  rec.SoldDelta,
			StockAfter: rec.StockAfter,
			SoldAfter:  rec.SoldAfter,
			At:         time.UnixMilli(rec.At).UTC(),
		})
	}
	return result, nil
}

func decodeProduct(productID string, fields map[string]string) (domain.Product, error) {
	p := domain.Product{ID: productID, Name: fields["name"]}
	var err error
	if p.PriceMinor, err = parseInt(fields, "price_minor"); err != nil {
		return domain.Product{}, err
	}
	if p.Stock, err = parseInt(fields, "stock"); err != nil {
		return domain.Product{}, err
	}
	if p.SoldCount, err = parseInt(fields, "sold"); err != nil {
		return domain.Product{}, err
	}
	updated, err := parseInt(fields, "updated_at")
	if err != nil {
		return domain.Product{}, err
	}
	p.UpdatedAt = time.UnixMilli(updated).UTC()
	if raw := fields["variants"]; raw != "" && raw != "null" {
		if err := json.Unmarshal([]byte(raw), &p.Variants); err != nil {
			return domain.Product{}, fmt.Errorf("decode variants: %w", err)
		}
	}
	return p, nil
}

func parseInt(fields map[string]string, name string) (int64, error) {
	raw, ok := fields[name]
	if !ok || raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse product field %s: %w", name, err)
	}
	return v, nil
}

var (
	_ domain.StockLedger = (*StockLedger)(nil)
	_ domain.Catalog     = (*StockLedger)(nil)
)
