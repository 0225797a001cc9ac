package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestOrderStatusTransitionTable(t *testing.T) {
	allowed := map[OrderStatus]map[OrderStatus]bool{
		OrderStatusPending:    {OrderStatusProcessing: true, OrderStatusCancelled: true},
		OrderStatusProcessing: {OrderStatusShipped: true, OrderStatusCancelled: true},
		OrderStatusShipped:    {OrderStatusDelivered: true, OrderStatusCancelled: true},
		OrderStatusDelivered:  {},
		OrderStatusCancelled:  {},
	}

	for _, from := range OrderStatuses {
		for _, to := range OrderStatuses {
			got := from.CanTransitionTo(to)
			want := allowed[from][to]
			assert.Equal(t, want, got, "%s -> %s", from, to)
		}
	}
}

func TestOrderStatusTerminal(t *testing.T) {
	assert.True(t, OrderStatusDelivered.IsTerminal())
	assert.True(t, OrderStatusCancelled.IsTerminal())
	assert.False(t, OrderStatusPending.IsTerminal())
	assert.False(t, OrderStatusProcessing.IsTerminal())
	assert.False(t, OrderStatusShipped.IsTerminal())
}

func TestOrderStatusIsValid(t *testing.T) {
	for _, s := range OrderStatuses {
		assert.True(t, s.IsValid())
	}
	assert.False(t, OrderStatus("refunded").IsValid())
	assert.False(t, OrderStatus("").IsValid())
}

func TestStepIndex(t *testing.T) {
	assert.Equal(t, 0, StepIndex(StepCart))
	assert.Equal(t, 4, StepIndex(StepConfirmation))
	assert.Equal(t, -1, StepIndex(CheckoutStep("unknown")))
}
