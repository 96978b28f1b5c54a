package domain

import (
	"testing"
	"time"
)

func TestPaymentEvent_Validate(t *testing.T) {
	tests := []struct {
		name     string
		event    PaymentEvent
		errCount int
	}{
		{
			name:     "valid event",
			event:    PaymentEvent{Kind: PaymentEventConfirmed, OrderID: "ORD-1", CorrelationID: "txn-1"},
			errCount: 0,
		},
		{
			name:     "missing order",
			event:    PaymentEvent{Kind: PaymentEventFailed, CorrelationID: "txn-1"},
			errCount: 1,
		},
		{
			name:     "missing correlation",
			event:    PaymentEvent{Kind: PaymentEventRefunded, OrderID: "ORD-1"},
			errCount: 1,
		},
		{
			name:     "everything wrong",
			event:    PaymentEvent{Kind: "chargeback"},
			errCount: 3,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if errs := tt.event.Validate(); len(errs) != tt.errCount {
				t.Errorf("expected %d errors, got %d: %v", tt.errCount, len(errs), errs)
			}
		})
	}
}

func TestGatewayStatus_ToEvent(t *testing.T) {
	order := Order{ID: "ORD-1", GatewayRef: "gw-9", PaymentChannel: PaymentChannelRedirect}
	at := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)

	if _, ok := (GatewayStatus{State: GatewayStatePending}).ToEvent(order, PaymentSourcePoll, at); ok {
		t.Fatal("pending state must not produce an event")
	}

	ev, ok := GatewayStatus{State: GatewayStateSucceeded, TransactionID: "txn-7"}.ToEvent(order, PaymentSourcePoll, at)
	if !ok || ev.Kind != PaymentEventConfirmed || ev.CorrelationID != "txn-7" || ev.Source != PaymentSourcePoll {
		t.Fatalf("unexpected event %+v", ev)
	}

	ev, ok = GatewayStatus{State: GatewayStateFailed}.ToEvent(order, PaymentSourcePoll, at)
	if !ok || ev.CorrelationID != "gw-9:failed" {
		t.Fatalf("fallback correlation id = %q", ev.CorrelationID)
	}
}
