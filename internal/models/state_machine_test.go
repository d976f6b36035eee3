package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateMachine_ValidLifecycle(t *testing.T) {
	sm := NewStateMachine()
	assert.Equal(t, StatePending, sm.GetCurrentState())

	require.NoError(t, sm.Transition(StateEntered, "buy_filled"))
	assert.Equal(t, StateEntered, sm.GetCurrentState())
	assert.Equal(t, StatePending, sm.GetPreviousState())

	require.NoError(t, sm.Transition(StateExited, "sell_filled"))
	assert.Equal(t, StateExited, sm.GetCurrentState())
	assert.Equal(t, 1, sm.GetTransitionCount(StateExited))
}

func TestStateMachine_RejectsUndefinedTransition(t *testing.T) {
	sm := NewStateMachine()
	err := sm.Transition(StateExited, "sell_filled")
	assert.Error(t, err)
	assert.Equal(t, StatePending, sm.GetCurrentState())
}

func TestStateMachine_RejectsWrongCondition(t *testing.T) {
	sm := NewStateMachine()
	err := sm.Transition(StateEntered, "wrong_condition")
	assert.Error(t, err)
}

func TestNewStateMachineFromState_SeedsTransitionCount(t *testing.T) {
	sm := NewStateMachineFromState(StateEntered)
	assert.Equal(t, StateEntered, sm.GetCurrentState())
	assert.Equal(t, 1, sm.GetTransitionCount(StateEntered))
}

func TestStateMachine_Copy_IsIndependent(t *testing.T) {
	sm := NewStateMachine()
	require.NoError(t, sm.Transition(StateEntered, "buy_filled"))

	cp := sm.Copy()
	require.NoError(t, cp.Transition(StateExited, "sell_filled"))

	assert.Equal(t, StateEntered, sm.GetCurrentState())
	assert.Equal(t, StateExited, cp.GetCurrentState())
}

func TestStateMachine_NilCopy(t *testing.T) {
	var sm *StateMachine
	assert.Nil(t, sm.Copy())
}
