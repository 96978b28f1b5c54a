package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsVersionConflict(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "version conflict error",
			err:  ErrOrderVersionConflict,
			want: true,
		},
		{
			name: "wrapped version conflict error",
			err:  errors.Join(ErrOrderVersionConflict, errors.New("additional context")),
			want: true,
		},
		{
			name: "other error",
			err:  ErrOrderNotFound,
			want: false,
		},
		{
			name: "nil error",
			err:  nil,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsVersionConflict(tt.err)
			if got != tt.want {
				t.Errorf("IsVersionConflict() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsIdempotencyConflict(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{
			name: "idempotency already exists",
			err:  ErrIdempotencyKeyAlreadyExists,
			want: true,
		},
		{
			name: "idempotency hash mismatch",
			err:  ErrIdempotencyHashMismatch,
			want: true,
		},
		{
			name: "wrapped idempotency conflict",
			err:  errors.Join(ErrIdempotencyHashMismatch, errors.New("extra context")),
			want: true,
		},
		{
			name: "non idempotency error",
			err:  ErrOrderVersionConflict,
			want: false,
		},
		{
			name: "nil error",
			err:  nil,
			want: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := IsIdempotencyConflict(tt.err)
			if got != tt.want {
				t.Errorf("IsIdempotencyConflict() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsBusinessRejection(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "insufficient stock", err: &InsufficientStockError{ProductID: "p-1", Requested: 3, Available: 1}, want: true},
		{name: "wrapped insufficient balance", err: fmt.Errorf("redeem: %w", &InsufficientBalanceError{Requested: 10, Balance: 2}), want: true},
		{name: "below minimum spend", err: &BelowMinimumSpendError{Code: "SALE10", MinimumMinor: 100, SubtotalMinor: 50}, want: true},
		{name: "cap reached", err: ErrVoucherCapReached, want: true},
		{name: "already used", err: ErrVoucherAlreadyUsed, want: true},
		{name: "illegal transition", err: &IllegalTransitionError{From: OrderStatusDelivered, To: OrderStatusCancelled}, want: false},
		{name: "not found", err: ErrOrderNotFound, want: false},
		{name: "nil", err: nil, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsBusinessRejection(tt.err); got != tt.want {
				t.Errorf("IsBusinessRejection() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestInsufficientStockErrorMessage(t *testing.T) {
	err := &InsufficientStockError{ProductID: "tee-black", Requested: 5, Available: 3}
	if got, want := err.Error(), "only 3 units left of product tee-black (requested 5)"; got != want {
		t.Fatalf("message = %q, want %q", got, want)
	}
}

func TestIllegalTransitionNamesBothStates(t *testing.T) {
	err := fmt.Errorf("transition: %w", &IllegalTransitionError{From: OrderStatusDelivered, To: OrderStatusCancelled})
	if !IsIllegalTransition(err) {
		t.Fatalf("expected illegal transition, got %v", err)
	}
	if got, want := errors.Unwrap(err).Error(), "illegal transition from delivered to cancelled"; got != want {
		t.Fatalf("message = %q, want %q", got, want)
	}
}
