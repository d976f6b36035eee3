// Package models provides data structures and state management for trading positions.
package models

import "time"

// PositionState represents the current lifecycle state of a Position.
type PositionState string

const (
	// StatePending indicates a buy order has been submitted but not yet filled.
	StatePending PositionState = "PENDING"
	// StateEntered indicates the buy fill completed and the position is live.
	StateEntered PositionState = "ENTERED"
	// StateExited indicates the position has been closed by a sell fill.
	StateExited PositionState = "EXITED"
)

// Mode isolates test runs from the live account.
type Mode string

const (
	// ModeDryRun makes no broker calls at all.
	ModeDryRun Mode = "DRY_RUN"
	// ModePaper trades against a paper account.
	ModePaper Mode = "PAPER"
	// ModeReal trades against the live account.
	ModeReal Mode = "REAL"
)

// ExitReason enumerates why a position was closed.
type ExitReason string

const (
	ExitReasonATRStop        ExitReason = "ATR_STOP"
	ExitReasonTakeProfit     ExitReason = "TAKE_PROFIT"
	ExitReasonTrailingStop   ExitReason = "TRAILING_STOP"
	ExitReasonTrendBroken    ExitReason = "TREND_BROKEN"
	ExitReasonGapProtection  ExitReason = "GAP_PROTECTION"
	ExitReasonManual         ExitReason = "MANUAL"
	ExitReasonSignalOnly     ExitReason = "SIGNAL_ONLY"
	ExitReasonRecoveredMiss  ExitReason = "RECOVERED_MISSING"
)

// Position is the durable record of a (symbol, mode) holding across its
// whole lifecycle, from the buy submit through to the sell fill. Rows are
// never deleted; history is retained by inserting a fresh row once a
// prior one reaches EXITED. Nothing in the schema or the store enforces
// that at most one row per (symbol, mode) is ENTERED.
type Position struct {
	ID             string     `gorm:"column:position_id;primaryKey" json:"id"`
	Symbol         string     `gorm:"column:symbol;index:idx_position_symbol_mode" json:"symbol"`
	Mode           Mode       `gorm:"column:mode;index:idx_position_symbol_mode" json:"mode"`
	EntryPrice     float64    `gorm:"column:entry_price" json:"entry_price"`
	Quantity       int        `gorm:"column:quantity" json:"quantity"`
	EntryTimestamp time.Time  `gorm:"column:entry_timestamp" json:"entry_timestamp"`
	// AtrAtEntry is frozen for the life of the position: it is never
	// recomputed, including across corporate actions (Open Question
	// decided in DESIGN.md).
	AtrAtEntry      float64    `gorm:"column:atr_at_entry" json:"atr_at_entry"`
	StopLoss        float64    `gorm:"column:stop_loss" json:"stop_loss"`
	TakeProfit      float64    `gorm:"column:take_profit" json:"take_profit"`
	TrailingStop    float64    `gorm:"column:trailing_stop" json:"trailing_stop"`
	HighestPrice    float64    `gorm:"column:highest_price" json:"highest_price"`
	CurrentPnL      float64    `gorm:"column:current_pnl" json:"current_pnl"`
	State           PositionState `gorm:"column:state" json:"state"`
	ExitPrice       float64    `gorm:"column:exit_price" json:"exit_price,omitempty"`
	ExitReason      ExitReason `gorm:"column:exit_reason" json:"exit_reason,omitempty"`
	ExitTimestamp   time.Time  `gorm:"column:exit_timestamp" json:"exit_timestamp,omitempty"`
	RealizedPnL     float64    `gorm:"column:realized_pnl" json:"realized_pnl,omitempty"`
	EntryOrderID    string     `gorm:"column:entry_order_id" json:"entry_order_id,omitempty"`
	ExitOrderID     string     `gorm:"column:exit_order_id" json:"exit_order_id,omitempty"`

	StateMachine *StateMachine `gorm:"-" json:"-"`
}

// TableName pins the gorm table name, since "positions" is named explicitly
// by the persisted-state layout.
func (Position) TableName() string { return "positions" }

// NewPendingPosition creates a position awaiting its buy fill.
func NewPendingPosition(id, symbol string, mode Mode, qty int) *Position {
	return &Position{
		ID:           id,
		Symbol:       symbol,
		Mode:         mode,
		Quantity:     qty,
		State:        StatePending,
		StateMachine: NewStateMachine(),
	}
}

// EnsureStateMachine lazily attaches a state machine seeded from the
// persisted State column, for rows freshly loaded from the store.
func (p *Position) EnsureStateMachine() {
	if p.StateMachine == nil {
		p.StateMachine = NewStateMachineFromState(p.State)
	}
}

// IsOpen reports whether the position currently holds shares.
func (p *Position) IsOpen() bool {
	return p.State == StateEntered
}

// ValidateEntryInvariant checks the long-only ordering invariant
// `stop_loss < entry_price < take_profit` required at entry.
func (p *Position) ValidateEntryInvariant() error {
	if !(p.StopLoss < p.EntryPrice && p.EntryPrice < p.TakeProfit) {
		return ErrInvalidEntryBracket
	}
	return nil
}

// AdvanceTrailingStop raises the trailing stop and highest-price-seen in
// lockstep, enforcing the monotonic-non-decreasing invariant. newTrail
// below the current trailing stop is ignored rather than erroring, since
// callers recompute unconditionally every cycle.
func (p *Position) AdvanceTrailingStop(currentPrice, newTrail float64) {
	if currentPrice > p.HighestPrice {
		p.HighestPrice = currentPrice
	}
	if newTrail > p.TrailingStop {
		p.TrailingStop = newTrail
	}
}

// Clone returns a deep copy safe to mutate independently of p.
func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	cp := *p
	cp.StateMachine = p.StateMachine.Copy()
	return &cp
}
