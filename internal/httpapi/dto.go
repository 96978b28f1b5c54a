package httpapi

import (
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/checkout"
)

type lineRequest struct {
	ProductID string `json:"product_id"`
	Variant   string `json:"variant,omitempty"`
	Qty       int64  `json:"qty"`
}

type addressDTO struct {
	Recipient string `json:"recipient"`
	Phone     string `json:"phone"`
	Line1     string `json:"line1"`
	Ward      string `json:"ward,omitempty"`
	District  string `json:"district,omitempty"`
	City      string `json:"city,omitempty"`
}

type createOrderRequest struct {
	CustomerID      string        `json:"customer_id"`
	Lines           []lineRequest `json:"lines"`
	ShippingAddress addressDTO    `json:"shipping_address"`
	PaymentChannel  string        `json:"payment_channel"`
	VoucherCode     string        `json:"voucher_code,omitempty"`
	PointsToSpend   int64         `json:"points_to_spend,omitempty"`
}

func (r createOrderRequest) toCheckout() checkout.Request {
	lines := make([]checkout.LineRequest, 0, len(r.Lines))
	for _, l := range r.Lines {
		lines = append(lines, checkout.LineRequest{ProductID: l.ProductID, Variant: l.Variant, Qty: l.Qty})
	}
	return checkout.Request{
		CustomerID: r.CustomerID,
		Lines:      lines,
		ShippingAddress: domain.ShippingAddress{
			Recipient: r.ShippingAddress.Recipient,
			Phone:     r.ShippingAddress.Phone,
			Line1:     r.ShippingAddress.Line1,
			Ward:      r.ShippingAddress.Ward,
			District:  r.ShippingAddress.District,
			City:      r.ShippingAddress.City,
		},
		PaymentChannel: domain.PaymentChannel(r.PaymentChannel),
		VoucherCode:    r.VoucherCode,
		PointsToSpend:  r.PointsToSpend,
	}
}

type statusRequest struct {
	Status string `json:"status"`
	Note   string `json:"note,omitempty"`
}

type batchStatusRequest struct {
	Orders []struct {
		OrderID string `json:"order_id"`
		Status  string `json:"status"`
		Note    string `json:"note,omitempty"`
	} `json:"orders"`
}

type reasonRequest struct {
	Reason string `json:"reason,omitempty"`
}

// gatewayNotification — тело webhook и подтверждения возврата покупателя.
type gatewayNotification struct {
	OrderID       string    `json:"order_id"`
	TransactionID string    `json:"transaction_id"`
	Status        string    `json:"status"`
	Reason        string    `json:"reason,omitempty"`
	OccurredAt    time.Time `json:"occurred_at,omitempty"`
}

type orderLineDTO struct {
	Index          int    `json:"index"`
	ProductID      string `json:"product_id"`
	Name           string `json:"name"`
	Variant        string `json:"variant,omitempty"`
	Qty            int64  `json:"qty"`
	UnitPriceMinor int64  `json:"unit_price_minor"`
	LineTotalMinor int64  `json:"line_total_minor"`
}

type totalsDTO struct {
	SubtotalMinor        int64 `json:"subtotal_minor"`
	ShippingFeeMinor     int64 `json:"shipping_fee_minor"`
	VoucherDiscountMinor int64 `json:"voucher_discount_minor"`
	PointsDiscountMinor  int64 `json:"points_discount_minor"`
	GrandTotalMinor      int64 `json:"grand_total_minor"`
}

type voucherDTO struct {
	Code          string `json:"code"`
	DiscountMinor int64  `json:"discount_minor"`
}

type historyDTO struct {
	Status string    `json:"status"`
	Note   string    `json:"note,omitempty"`
	At     time.Time `json:"at"`
}

type orderResponse struct {
	ID              string         `json:"id"`
	CustomerID      string         `json:"customer_id"`
	Status          string         `json:"status"`
	PaymentStatus   string         `json:"payment_status"`
	PaymentChannel  string         `json:"payment_channel"`
	Lines           []orderLineDTO `json:"lines"`
	Totals          totalsDTO      `json:"totals"`
	ShippingAddress addressDTO     `json:"shipping_address"`
	PointsSpent     int64          `json:"points_spent,omitempty"`
	Voucher         *voucherDTO    `json:"voucher,omitempty"`
	PendingStatus   string         `json:"pending_status,omitempty"`
	History         []historyDTO   `json:"history"`
	Version         int64          `json:"version"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

func toOrderResponse(o domain.Order) orderResponse {
	resp := orderResponse{
		ID:             o.ID,
		CustomerID:     o.CustomerID,
		Status:         string(o.Status),
		PaymentStatus:  string(o.PaymentStatus),
		PaymentChannel: string(o.PaymentChannel),
		Totals: totalsDTO{
			SubtotalMinor:        o.Totals.SubtotalMinor,
			ShippingFeeMinor:     o.Totals.ShippingFeeMinor,
			VoucherDiscountMinor: o.Totals.VoucherDiscountMinor,
			PointsDiscountMinor:  o.Totals.PointsDiscountMinor,
			GrandTotalMinor:      o.Totals.GrandTotalMinor,
		},
		ShippingAddress: addressDTO{
			Recipient: o.ShippingAddress.Recipient,
			Phone:     o.ShippingAddress.Phone,
			Line1:     o.ShippingAddress.Line1,
			Ward:      o.ShippingAddress.Ward,
			District:  o.ShippingAddress.District,
			City:      o.ShippingAddress.City,
		},
		PointsSpent: o.PointsSpent,
		Version:     o.Version,
		CreatedAt:   o.CreatedAt,
		UpdatedAt:   o.UpdatedAt,
	}
	for _, l := range o.Lines {
		resp.Lines = append(resp.Lines, orderLineDTO{
			Index:          l.Index,
			ProductID:      l.ProductID,
			Name:           l.Name,
			Variant:        l.Variant,
			Qty:            l.Qty,
			UnitPriceMinor: l.UnitPriceMinor,
			LineTotalMinor: l.LineTotalMinor,
		})
	}
	for _, h := range o.History {
		resp.History = append(resp.History, historyDTO{Status: string(h.Status), Note: h.Note, At: h.At})
	}
	if o.Voucher != nil {
		resp.Voucher = &voucherDTO{Code: o.Voucher.Code, DiscountMinor: o.Voucher.DiscountMinor}
	}
	if o.Pending != nil {
		resp.PendingStatus = string(o.Pending.To)
	}
	return resp
}

type pointEntryDTO struct {
	Direction    string    `json:"direction"`
	Amount       int64     `json:"amount"`
	BalanceAfter int64     `json:"balance_after"`
	OrderID      string    `json:"order_id,omitempty"`
	Reason       string    `json:"reason"`
	Description  string    `json:"description,omitempty"`
	At           time.Time `json:"at"`
}

type movementDTO struct {
	OrderID    string    `json:"order_id,omitempty"`
	LineIndex  int       `json:"line_index"`
	Kind       string    `json:"kind"`
	StockDelta int64     `json:"stock_delta"`
	SoldDelta  int64     `json:"sold_delta"`
	StockAfter int64     `json:"stock_after"`
	SoldAfter  int64     `json:"sold_after"`
	At         time.Time `json:"at"`
}

type movementsResponse struct {
	ProductID     string        `json:"product_id"`
	Stock         int64         `json:"stock"`
	SoldCount     int64         `json:"sold_count"`
	ReplayedStock int64         `json:"replayed_stock"`
	ReplayedSold  int64         `json:"replayed_sold"`
	Movements     []movementDTO `json:"movements"`
}

type batchResult struct {
	OrderID string         `json:"order_id"`
	Order   *orderResponse `json:"order,omitempty"`
	Error   *errorBody     `json:"error,omitempty"`
}
