package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestOrder() *OrderState {
	return &OrderState{
		IdempotencyKey: "key-1",
		RequestedQty:   10,
		RemainingQty:   10,
		Status:         OrderPending,
	}
}

func TestOrderState_TransitionTo_Filled(t *testing.T) {
	o := newTestOrder()
	require.NoError(t, o.TransitionTo(OrderSubmitted, 0))
	require.NoError(t, o.TransitionTo(OrderFilled, 10))

	assert.Equal(t, OrderFilled, o.Status)
	assert.Equal(t, 10, o.FilledQty)
	assert.Equal(t, 0, o.RemainingQty)
}

func TestOrderState_TransitionTo_Partial(t *testing.T) {
	o := newTestOrder()
	require.NoError(t, o.TransitionTo(OrderSubmitted, 0))
	require.NoError(t, o.TransitionTo(OrderPartial, 3))

	assert.Equal(t, 3, o.FilledQty)
	assert.Equal(t, 7, o.RemainingQty)
}

func TestOrderState_TerminalIsImmutable(t *testing.T) {
	o := newTestOrder()
	require.NoError(t, o.TransitionTo(OrderSubmitted, 0))
	require.NoError(t, o.TransitionTo(OrderFilled, 10))

	err := o.TransitionTo(OrderCancelled, 10)
	assert.Error(t, err)
	assert.Equal(t, OrderFilled, o.Status)
}

func TestOrderState_RejectsUndefinedTransition(t *testing.T) {
	o := newTestOrder()
	err := o.TransitionTo(OrderFilled, 10)
	assert.Error(t, err)
}

func TestOrderState_RejectsOutOfRangeFill(t *testing.T) {
	o := newTestOrder()
	require.NoError(t, o.TransitionTo(OrderSubmitted, 0))
	err := o.TransitionTo(OrderFilled, 11)
	assert.Error(t, err)
}

func TestOrderStatus_IsTerminal(t *testing.T) {
	assert.True(t, OrderFilled.IsTerminal())
	assert.True(t, OrderCancelled.IsTerminal())
	assert.True(t, OrderFailed.IsTerminal())
	assert.False(t, OrderPending.IsTerminal())
	assert.False(t, OrderSubmitted.IsTerminal())
	assert.False(t, OrderPartial.IsTerminal())
}
