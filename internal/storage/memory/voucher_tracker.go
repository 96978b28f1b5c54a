package memory

import (
	"context"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// VoucherTracker — in-memory счётчики погашения ваучеров.
// Проверка правил и инкремент выполняются под одним мьютексом.
type VoucherTracker struct {
	mu       sync.Mutex
	vouchers map[string]*domain.Voucher
	// holders: код -> клиент -> заказ, под который погашен ваучер.
	holders map[string]map[string]string
}

// NewVoucherTracker создаёт пустой трекер.
func NewVoucherTracker() *VoucherTracker {
	return &VoucherTracker{
		vouchers: make(map[string]*domain.Voucher),
		holders:  make(map[string]map[string]string),
	}
}

// AddVoucher регистрирует ваучер.
func (t *VoucherTracker) AddVoucher(v domain.Voucher) {
	v.Code = domain.NormalizeVoucherCode(v.Code)
	if v.ID == "" {
		v.ID = v.Code
	}
	v.UsedBy = append([]string(nil), v.UsedBy...)

	t.mu.Lock()
	defer t.mu.Unlock()
	t.vouchers[v.Code] = &v
	if _, ok := t.holders[v.Code]; !ok {
		t.holders[v.Code] = make(map[string]string)
	}
}

// CheckAndReserve проверяет правила и погашает ваучер одной операцией.
func (t *VoucherTracker) CheckAndReserve(_ context.Context, code, customerID, orderID string, subtotalMinor int64, now time.Time) (domain.VoucherReservation, error) {
	if orderID == "" {
		return domain.VoucherReservation{}, domain.ErrOrderIDRequired
	}
	t.mu.Lock()
	defer t.mu.Unlock()

	v, ok := t.vouchers[domain.NormalizeVoucherCode(code)]
	if !ok {
		return domain.VoucherReservation{}, domain.ErrVoucherNotFound
	}
	if holder, held := t.holders[v.Code][customerID]; held && holder == orderID {
		return domain.VoucherReservation{VoucherID: v.ID, Code: v.Code, DiscountMinor: v.Discount(subtotalMinor)}, nil
	}
	if err := v.CheckRedeemable(customerID, subtotalMinor, now); err != nil {
		return domain.VoucherReservation{}, err
	}

	v.Used++
	v.UsedBy = append(v.UsedBy, customerID)
	t.holders[v.Code][customerID] = orderID
	return domain.VoucherReservation{
		VoucherID:     v.ID,
		Code:          v.Code,
		DiscountMinor: v.Discount(subtotalMinor),
	}, nil
}

// Release отменяет погашение, сделанное под orderID. Погашение другого
// заказа того же клиента не трогается.
func (t *VoucherTracker) Release(_ context.Context, code, customerID, orderID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	v, ok := t.vouchers[domain.NormalizeVoucherCode(code)]
	if !ok {
		return nil
	}
	if holder, held := t.holders[v.Code][customerID]; !held || holder != orderID {
		return nil
	}
	delete(t.holders[v.Code], customerID)
	for i, id := range v.UsedBy {
		if id == customerID {
			v.UsedBy = append(v.UsedBy[:i], v.UsedBy[i+1:]...)
			v.Used--
			return nil
		}
	}
	return nil
}

// Voucher возвращает копию состояния ваучера.
func (t *VoucherTracker) Voucher(_ context.Context, code string) (domain.Voucher, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	v, ok := t.vouchers[domain.NormalizeVoucherCode(code)]
	if !ok {
		return domain.Voucher{}, domain.ErrVoucherNotFound
	}
	out := *v
	out.UsedBy = append([]string(nil), v.UsedBy...)
	return out, nil
}

var _ domain.VoucherTracker = (*VoucherTracker)(nil)
