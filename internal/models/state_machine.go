package models

import (
	"fmt"
	"time"
)

// Transition defines one valid state change in a lookup-table-driven state
// machine, paired with a named condition so callers assert intent rather
// than just a bare destination state.
type Transition struct {
	From        PositionState
	To          PositionState
	Condition   string
	Description string
}

// ValidTransitions enumerates the allowed Position lifecycle transitions.
var ValidTransitions = []Transition{
	{StatePending, StateEntered, "buy_filled", "Buy order filled, position is live"},
	{StatePending, StateExited, "buy_failed", "Buy order failed or was cancelled before any fill"},
	{StateEntered, StateExited, "sell_filled", "Sell order filled, position closed"},
	{StateEntered, StateExited, "recovered_missing", "Broker no longer shows this holding; reconciler closed it"},
}

// transitionLookup gives O(1) lookup: map[from][to][condition]bool, built
// once from ValidTransitions.
var transitionLookup map[PositionState]map[PositionState]map[string]bool

func init() {
	transitionLookup = make(map[PositionState]map[PositionState]map[string]bool)
	for _, t := range ValidTransitions {
		if transitionLookup[t.From] == nil {
			transitionLookup[t.From] = make(map[PositionState]map[string]bool)
		}
		if transitionLookup[t.From][t.To] == nil {
			transitionLookup[t.From][t.To] = make(map[string]bool)
		}
		transitionLookup[t.From][t.To][t.Condition] = true
	}
}

// StateMachine drives a single Position through its PENDING/ENTERED/EXITED
// lifecycle, rejecting any transition not present in transitionLookup.
type StateMachine struct {
	currentState    PositionState
	previousState   PositionState
	transitionTime  time.Time
	transitionCount map[PositionState]int
}

// NewStateMachine creates a state machine starting in PENDING.
func NewStateMachine() *StateMachine {
	return &StateMachine{
		currentState:    StatePending,
		previousState:   StatePending,
		transitionTime:  time.Now().UTC(),
		transitionCount: make(map[PositionState]int),
	}
}

// NewStateMachineFromState seeds a state machine at an already-persisted
// state, for positions freshly loaded from the store.
func NewStateMachineFromState(state PositionState) *StateMachine {
	sm := NewStateMachine()
	sm.currentState = state
	sm.previousState = state
	sm.transitionCount[state] = 1
	return sm
}

// GetCurrentState returns the current state.
func (sm *StateMachine) GetCurrentState() PositionState { return sm.currentState }

// GetPreviousState returns the state before the last transition.
func (sm *StateMachine) GetPreviousState() PositionState { return sm.previousState }

// IsValidTransition reports whether moving to `to` under `condition` is
// allowed from the current state.
func (sm *StateMachine) IsValidTransition(to PositionState, condition string) error {
	if fromMap, ok := transitionLookup[sm.currentState]; ok {
		if toMap, ok := fromMap[to]; ok {
			if _, ok := toMap[condition]; ok {
				return nil
			}
		}
	}
	return fmt.Errorf("models: invalid transition from %s to %s with condition %q",
		sm.currentState, to, condition)
}

// Transition moves to a new state, recording the previous state and time.
func (sm *StateMachine) Transition(to PositionState, condition string) error {
	if err := sm.IsValidTransition(to, condition); err != nil {
		return err
	}
	sm.previousState = sm.currentState
	sm.currentState = to
	sm.transitionTime = time.Now().UTC()
	sm.transitionCount[to]++
	return nil
}

// GetTransitionCount returns how many times the machine has entered state.
func (sm *StateMachine) GetTransitionCount(state PositionState) int {
	return sm.transitionCount[state]
}

// Copy returns a deep copy safe to mutate independently of sm.
func (sm *StateMachine) Copy() *StateMachine {
	if sm == nil {
		return nil
	}
	cp := &StateMachine{
		currentState:   sm.currentState,
		previousState:  sm.previousState,
		transitionTime: sm.transitionTime,
	}
	cp.transitionCount = make(map[PositionState]int, len(sm.transitionCount))
	for k, v := range sm.transitionCount {
		cp.transitionCount[k] = v
	}
	return cp
}
