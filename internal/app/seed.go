package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
)

// Seed — начальный каталог и ваучеры из JSON-файла (STOREFRONT_SEED_FILE).
type Seed struct {
	Products []SeedProduct `json:"products"`
	Vouchers []SeedVoucher `json:"vouchers"`
}

type SeedProduct struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	PriceMinor int64    `json:"price_minor"`
	Variants   []string `json:"variants,omitempty"`
	Stock      int64    `json:"stock"`
}

type SeedVoucher struct {
	Code             string    `json:"code"`
	Kind             string    `json:"kind"`
	Value            int64     `json:"value"`
	MaxDiscountMinor int64     `json:"max_discount_minor,omitempty"`
	MinSpendMinor    int64     `json:"min_spend_minor,omitempty"`
	StartsAt         time.Time `json:"starts_at,omitempty"`
	EndsAt           time.Time `json:"ends_at,omitempty"`
	Cap              int64     `json:"cap"`
}

// LoadSeed читает и проверяет seed-файл.
func LoadSeed(path string) (Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Seed{}, fmt.Errorf("read seed file: %w", err)
	}
	var seed Seed
	if err := json.Unmarshal(data, &seed); err != nil {
		return Seed{}, fmt.Errorf("decode seed file: %w", err)
	}
	for i, p := range seed.Products {
		if p.ID == "" || p.PriceMinor <= 0 || p.Stock < 0 {
			return Seed{}, fmt.Errorf("seed product %d: id, positive price and non-negative stock are required", i)
		}
	}
	for i, v := range seed.Vouchers {
		kind := domain.VoucherKind(v.Kind)
		if v.Code == "" || (kind != domain.VoucherKindPercent && kind != domain.VoucherKindFixed) || v.Value <= 0 {
			return Seed{}, fmt.Errorf("seed voucher %d: code, kind percent|fixed and positive value are required", i)
		}
		if v.Cap < 0 {
			return Seed{}, fmt.Errorf("seed voucher %d: cap must be 0 (unlimited) or positive", i)
		}
	}
	return seed, nil
}

// catalogAdmin — административные операции над каталогом остатков.
type catalogAdmin interface {
	UpsertProduct(ctx context.Context, p domain.Product) error
	Restock(ctx context.Context, productID string, qty int64) error
	Movements(ctx context.Context, productID string) ([]domain.StockMovement, error)
}

type voucherAdmin interface {
	UpsertVoucher(ctx context.Context, v domain.Voucher) error
}

// memoryCatalog приводит memory.StockLedger к catalogAdmin.
type memoryCatalog struct {
	*memory.StockLedger
}

func (c memoryCatalog) UpsertProduct(ctx context.Context, p domain.Product) error {
	if _, err := c.Product(ctx, p.ID); err == nil {
		return nil
	}
	p.Stock = 0
	c.AddProduct(p)
	return nil
}

type memoryVouchers struct {
	*memory.VoucherTracker
}

func (v memoryVouchers) UpsertVoucher(_ context.Context, voucher domain.Voucher) error {
	v.AddVoucher(voucher)
	return nil
}

// ApplySeed заводит товары и ваучеры. Начальный остаток приходуется только
// товару без движений, поэтому повторный запуск не удваивает склад.
func ApplySeed(ctx context.Context, seed Seed, catalog catalogAdmin, vouchers voucherAdmin, logger *log.Entry) error {
	for _, p := range seed.Products {
		product := domain.Product{ID: p.ID, Name: p.Name, PriceMinor: p.PriceMinor, Variants: p.Variants}
		if err := catalog.UpsertProduct(ctx, product); err != nil {
			return fmt.Errorf("seed product %s: %w", p.ID, err)
		}
		movements, err := catalog.Movements(ctx, p.ID)
		if err != nil {
			return fmt.Errorf("seed product %s: %w", p.ID, err)
		}
		if len(movements) == 0 && p.Stock > 0 {
			if err := catalog.Restock(ctx, p.ID, p.Stock); err != nil {
				return fmt.Errorf("seed product %s: %w", p.ID, err)
			}
		}
	}
	for _, v := range seed.Vouchers {
		voucher := domain.Voucher{
			Code:             domain.NormalizeVoucherCode(v.Code),
			Kind:             domain.VoucherKind(v.Kind),
			Value:            v.Value,
			MaxDiscountMinor: v.MaxDiscountMinor,
			MinSpendMinor:    v.MinSpendMinor,
			StartsAt:         v.StartsAt,
			EndsAt:           v.EndsAt,
			Cap:              v.Cap,
		}
		if err := vouchers.UpsertVoucher(ctx, voucher); err != nil {
			return fmt.Errorf("seed voucher %s: %w", v.Code, err)
		}
	}
	logger.WithFields(log.Fields{
		"products": len(seed.Products),
		"vouchers": len(seed.Vouchers),
	}).Info("catalog seeded")
	return nil
}
