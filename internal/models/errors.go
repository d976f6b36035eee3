package models

import "errors"

// ErrInvalidEntryBracket is returned when stop_loss/entry_price/take_profit
// do not satisfy the long-only ordering invariant at entry.
var ErrInvalidEntryBracket = errors.New("models: stop_loss < entry_price < take_profit violated")

// ErrNoEnteredPosition is returned when a caller expects a live position for
// a (symbol, mode) pair and none exists.
var ErrNoEnteredPosition = errors.New("models: no ENTERED position for symbol/mode")

// ErrDuplicateEnteredPosition is returned when a second ENTERED position
// would be created for a (symbol, mode) pair that already has one.
var ErrDuplicateEnteredPosition = errors.New("models: an ENTERED position already exists for symbol/mode")
