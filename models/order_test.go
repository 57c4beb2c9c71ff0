package models

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to OrderStatus
		want     bool
	}{
		// Forward path
		{OrderStatusPending, OrderStatusConfirmed, true},
		{OrderStatusConfirmed, OrderStatusProcessing, true},
		{OrderStatusProcessing, OrderStatusShipped, true},
		{OrderStatusShipped, OrderStatusDelivered, true},

		// No skipping ahead or moving backwards
		{OrderStatusPending, OrderStatusShipped, false},
		{OrderStatusPending, OrderStatusDelivered, false},
		{OrderStatusShipped, OrderStatusConfirmed, false},
		{OrderStatusDelivered, OrderStatusPending, false},

		// Cancellation and return from any non-terminal state
		{OrderStatusPending, OrderStatusCancelled, true},
		{OrderStatusConfirmed, OrderStatusCancelled, true},
		{OrderStatusProcessing, OrderStatusReturned, true},
		{OrderStatusShipped, OrderStatusCancelled, true},

		// Terminal states stay terminal
		{OrderStatusDelivered, OrderStatusCancelled, false},
		{OrderStatusCancelled, OrderStatusConfirmed, false},
		{OrderStatusCancelled, OrderStatusReturned, false},
		{OrderStatusReturned, OrderStatusPending, false},

		// Writing the current status back is a no-op, always allowed
		{OrderStatusDelivered, OrderStatusDelivered, true},
		{OrderStatusPending, OrderStatusPending, true},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestValidOrderStatus(t *testing.T) {
	for _, s := range []OrderStatus{
		OrderStatusPending, OrderStatusConfirmed, OrderStatusProcessing,
		OrderStatusShipped, OrderStatusDelivered, OrderStatusCancelled, OrderStatusReturned,
	} {
		if !ValidOrderStatus(s) {
			t.Errorf("Expected %s to be a valid order status", s)
		}
	}
	if ValidOrderStatus("archived") {
		t.Error("Unknown status should not be valid")
	}
}

func TestAddressEmpty(t *testing.T) {
	var a *Address
	if !a.Empty() {
		t.Error("nil address should be empty")
	}
	if !(&Address{Phone: "123"}).Empty() {
		t.Error("Address without name, line1 and city should be empty")
	}
	if (&Address{Name: "X", Line1: "1 Road", City: "Dhaka"}).Empty() {
		t.Error("Filled address should not be empty")
	}
}
