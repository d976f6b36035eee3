package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewPendingPosition(t *testing.T) {
	p := NewPendingPosition("pos-1", "005930", ModePaper, 10)
	assert.Equal(t, StatePending, p.State)
	assert.False(t, p.IsOpen())
	assert.Equal(t, StatePending, p.StateMachine.GetCurrentState())
}

func TestPosition_ValidateEntryInvariant(t *testing.T) {
	p := &Position{EntryPrice: 100, StopLoss: 90, TakeProfit: 110}
	assert.NoError(t, p.ValidateEntryInvariant())

	p.StopLoss = 105
	assert.ErrorIs(t, p.ValidateEntryInvariant(), ErrInvalidEntryBracket)
}

func TestPosition_AdvanceTrailingStop_Monotonic(t *testing.T) {
	p := &Position{EntryPrice: 100, HighestPrice: 100, TrailingStop: 90}

	p.AdvanceTrailingStop(105, 95)
	assert.Equal(t, 105.0, p.HighestPrice)
	assert.Equal(t, 95.0, p.TrailingStop)

	// A lower recomputed trail must never move the stop backwards.
	p.AdvanceTrailingStop(103, 92)
	assert.Equal(t, 105.0, p.HighestPrice)
	assert.Equal(t, 95.0, p.TrailingStop)
}

func TestPosition_Clone_DeepCopiesStateMachine(t *testing.T) {
	p := NewPendingPosition("pos-1", "005930", ModePaper, 10)
	clone := p.Clone()
	assert.NoError(t, clone.StateMachine.Transition(StateEntered, "buy_filled"))

	assert.Equal(t, StatePending, p.StateMachine.GetCurrentState())
	assert.Equal(t, StateEntered, clone.StateMachine.GetCurrentState())
}

func TestPosition_EnsureStateMachine_SeedsFromPersistedState(t *testing.T) {
	p := &Position{State: StateEntered}
	p.EnsureStateMachine()
	assert.Equal(t, StateEntered, p.StateMachine.GetCurrentState())
}
