package domain

import (
	"errors"
	"testing"
)

func TestIdempotencyStatusValid(t *testing.T) {
	tests := []struct {
		name   string
		status IdempotencyStatus
		want   bool
	}{
		{name: "processing", status: IdempotencyStatusProcessing, want: true},
		{name: "done", status: IdempotencyStatusDone, want: true},
		{name: "failed", status: IdempotencyStatusFailed, want: true},
		{name: "invalid", status: IdempotencyStatus("broken"), want: false},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.status.Valid(); got != tc.want {
				t.Fatalf("status %q valid=%v, want %v", tc.status, got, tc.want)
			}
		})
	}
}

func TestIdempotencyKeyNormalize(t *testing.T) {
	tests := []struct {
		name    string
		in      IdempotencyKey
		want    IdempotencyKey
		wantErr error
	}{
		{name: "checkout", in: IdempotencyKey{Scope: IdempotencyScopeCheckout, Key: "  k-1 "}, want: IdempotencyKey{Scope: IdempotencyScopeCheckout, Key: "k-1"}},
		{name: "empty key", in: IdempotencyKey{Scope: IdempotencyScopeCancel, Key: " "}, wantErr: ErrIdempotencyKeyRequired},
		{name: "unknown scope", in: IdempotencyKey{Scope: "refund", Key: "k-1"}, wantErr: ErrIdempotencyScopeInvalid},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := tc.in.Normalize()
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("Normalize() error = %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil || got != tc.want {
				t.Fatalf("Normalize() = %+v, %v; want %+v", got, err, tc.want)
			}
		})
	}
}

func TestExpiredIdempotencyKeyAbandoned(t *testing.T) {
	if !(ExpiredIdempotencyKey{Scope: IdempotencyScopeCheckout, Status: IdempotencyStatusProcessing}).Abandoned() {
		t.Fatal("expired processing checkout must be reported as abandoned")
	}
	if (ExpiredIdempotencyKey{Scope: IdempotencyScopeCheckout, Status: IdempotencyStatusDone}).Abandoned() {
		t.Fatal("answered request is not abandoned")
	}
}
