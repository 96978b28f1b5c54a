package redisstore

import (
	"testing"
)

func TestDecodeProduct(t *testing.T) {
	p, err := decodeProduct("tee", map[string]string{
		"name":        "Tee",
		"price_minor": "150000",
		"variants":    `["S","M"]`,
		"stock":       "7",
		"sold":        "3",
		"updated_at":  "1760000000000",
	})
	if err != nil {
		t.Fatalf("decode product: %v", err)
	}
	if p.ID != "tee" || p.PriceMinor != 150000 || p.Stock != 7 || p.SoldCount != 3 {
		t.Fatalf("unexpected product: %+v", p)
	}
	if !p.HasVariant("M") || p.HasVariant("XL") {
		t.Fatalf("unexpected variants: %v", p.Variants)
	}
	if p.UpdatedAt.UnixMilli() != 1760000000000 {
		t.Fatalf("unexpected updated_at: %s", p.UpdatedAt)
	}
}

func TestDecodeProduct_BadCounter(t *testing.T) {
	if _, err := decodeProduct("tee", map[string]string{"stock": "lots"}); err == nil {
		t.Fatal("expected parse error for non-numeric stock")
	}
}
