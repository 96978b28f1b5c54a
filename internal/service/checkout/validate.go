package checkout

import (
	"fmt"
	"strings"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

func normalizeRequest(req Request) Request {
	req.CustomerID = strings.TrimSpace(req.CustomerID)
	req.VoucherCode = strings.ToUpper(strings.TrimSpace(req.VoucherCode))
	req.PaymentChannel = domain.PaymentChannel(strings.ToLower(strings.TrimSpace(string(req.PaymentChannel))))

	a := &req.ShippingAddress
	a.Recipient = strings.TrimSpace(a.Recipient)
	a.Phone = strings.TrimSpace(a.Phone)
	a.Line1 = strings.TrimSpace(a.Line1)
	a.Ward = strings.TrimSpace(a.Ward)
	a.District = strings.TrimSpace(a.District)
	a.City = strings.TrimSpace(a.City)

	lines := make([]LineRequest, len(req.Lines))
	for i, l := range req.Lines {
		lines[i] = LineRequest{
			ProductID: strings.TrimSpace(l.ProductID),
			Variant:   strings.TrimSpace(l.Variant),
			Qty:       l.Qty,
		}
	}
	req.Lines = lines
	return req
}

// validateRequest отклоняет некорректный ввод до любых побочных эффектов.
func validateRequest(req Request) error {
	if req.CustomerID == "" {
		return &domain.ValidationError{Field: "customer_id", Message: "is required"}
	}
	if len(req.Lines) == 0 {
		return &domain.ValidationError{Field: "lines", Message: "at least one line is required"}
	}
	if len(req.Lines) > maxLinesPerOrder {
		return &domain.ValidationError{Field: "lines", Message: fmt.Sprintf("at most %d lines per order", maxLinesPerOrder)}
	}

	seen := make(map[string]int, len(req.Lines))
	for i, l := range req.Lines {
		field := fmt.Sprintf("lines[%d]", i)
		if l.ProductID == "" {
			return &domain.ValidationError{Field: field + ".product_id", Message: "is required"}
		}
		if l.Qty <= 0 || l.Qty > maxQtyPerLine {
			return &domain.ValidationError{Field: field + ".qty", Message: fmt.Sprintf("must be between 1 and %d", maxQtyPerLine)}
		}
		key := l.ProductID + "/" + l.Variant
		if prev, dup := seen[key]; dup {
			return &domain.ValidationError{Field: field, Message: fmt.Sprintf("duplicates lines[%d]", prev)}
		}
		seen[key] = i
	}

	if !req.PaymentChannel.Valid() {
		return &domain.ValidationError{Field: "payment_channel", Message: "must be one of cod, redirect, card"}
	}
	a := req.ShippingAddress
	switch {
	case a.Recipient == "":
		return &domain.ValidationError{Field: "shipping_address.recipient", Message: "is required"}
	case a.Phone == "":
		return &domain.ValidationError{Field: "shipping_address.phone", Message: "is required"}
	case a.Line1 == "":
		return &domain.ValidationError{Field: "shipping_address.line1", Message: "is required"}
	}
	if req.PointsToSpend < 0 || req.PointsToSpend > maxPointsPerOrder {
		return &domain.ValidationError{Field: "points_to_spend", Message: fmt.Sprintf("must be between 0 and %d", maxPointsPerOrder)}
	}
	return nil
}
