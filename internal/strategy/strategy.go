// Package strategy defines the pure signal-evaluation contract the
// execution loop consults every cycle, plus a deterministic trend+ATR
// implementation exercised by tests. The indicator math itself is a thin
// reference implementation, not the subject of this package: Strategy is
// a collaborator the loop calls, never a source of I/O or hidden state.
package strategy

import (
	"github.com/eddiefleurent/kistrend/internal/broker"
	"github.com/eddiefleurent/kistrend/internal/models"
)

// Signal is the three-way verdict a Strategy returns each cycle.
type Signal string

const (
	SignalBuy  Signal = "BUY"
	SignalSell Signal = "SELL"
	SignalHold Signal = "HOLD"
)

// Decision is the full signal payload: a bare Signal alone is never
// enough to place or size an order, so reference price and the initial
// bracket travel with it.
type Decision struct {
	Signal             Signal
	Reason             models.ExitReason
	ReferencePrice     float64
	SuggestedStop      float64
	SuggestedTakeProfit float64
	AtrAtEntry         float64
}

// Strategy evaluates one symbol's next action from only the inputs it is
// given: no broker calls, no database reads, no package-level state. The
// same (symbol, position, bars, currentPrice) tuple must always produce
// the same Decision.
type Strategy interface {
	Evaluate(symbol string, position *models.Position, bars []broker.OHLCVBar, currentPrice float64) Decision
}

// Config carries the thresholds a trend+ATR evaluation needs, the same
// struct-of-tunables shape the options strategy configures itself with.
type Config struct {
	ATRPeriod        int
	ATRStopMultiple  float64
	TakeProfitRMultiple float64
	TrendLookback    int
}

// DefaultConfig mirrors common trend-following defaults.
var DefaultConfig = Config{
	ATRPeriod:           14,
	ATRStopMultiple:     2.0,
	TakeProfitRMultiple: 3.0,
	TrendLookback:       20,
}

// TrendATRStrategy is a minimal, deterministic moving-average-trend plus
// ATR-band implementation: BUY when price closes above its trend
// reference with no open position, SELL on a trend break or a stop/target
// touch, HOLD otherwise. It exists to exercise the execution loop and the
// synchronizer end to end; production-grade indicator tuning is out of
// scope for this package.
type TrendATRStrategy struct {
	config Config
}

// New builds a TrendATRStrategy.
func New(config Config) *TrendATRStrategy {
	return &TrendATRStrategy{config: config}
}

// Evaluate implements Strategy.
func (s *TrendATRStrategy) Evaluate(symbol string, position *models.Position, bars []broker.OHLCVBar, currentPrice float64) Decision {
	atr := averageTrueRange(bars, s.config.ATRPeriod)

	if position != nil && position.IsOpen() {
		return s.evaluateExit(position, bars, currentPrice, atr)
	}
	return s.evaluateEntry(bars, currentPrice, atr)
}

func (s *TrendATRStrategy) evaluateEntry(bars []broker.OHLCVBar, currentPrice float64, atr float64) Decision {
	trend := trendReference(bars, s.config.TrendLookback)
	if trend <= 0 || currentPrice <= trend || atr <= 0 {
		return Decision{Signal: SignalHold}
	}
	stop := currentPrice - s.config.ATRStopMultiple*atr
	risk := currentPrice - stop
	return Decision{
		Signal:              SignalBuy,
		ReferencePrice:      currentPrice,
		SuggestedStop:       stop,
		SuggestedTakeProfit: currentPrice + s.config.TakeProfitRMultiple*risk,
		AtrAtEntry:          atr,
	}
}

func (s *TrendATRStrategy) evaluateExit(position *models.Position, bars []broker.OHLCVBar, currentPrice float64, atr float64) Decision {
	if currentPrice <= position.StopLoss {
		return Decision{Signal: SignalSell, Reason: models.ExitReasonATRStop, ReferencePrice: currentPrice}
	}
	if currentPrice >= position.TakeProfit {
		return Decision{Signal: SignalSell, Reason: models.ExitReasonTakeProfit, ReferencePrice: currentPrice}
	}
	if position.TrailingStop > 0 && currentPrice <= position.TrailingStop {
		return Decision{Signal: SignalSell, Reason: models.ExitReasonTrailingStop, ReferencePrice: currentPrice}
	}
	trend := trendReference(bars, s.config.TrendLookback)
	if trend > 0 && currentPrice < trend {
		return Decision{Signal: SignalSell, Reason: models.ExitReasonTrendBroken, ReferencePrice: currentPrice}
	}
	return Decision{Signal: SignalHold}
}

// TrailingStopCandidate is the raw entry-era-ATR trailing stop for the
// given highest price seen. Callers pass it to Position.AdvanceTrailingStop,
// which applies the monotonic-non-decreasing clamp.
func (s *TrendATRStrategy) TrailingStopCandidate(highestPrice, atrAtEntry float64) float64 {
	return highestPrice - s.config.ATRStopMultiple*atrAtEntry
}

// trendReference is a simple moving average over the most recent lookback
// bars (index 0 is most recent), used as the crossover reference both for
// entries and for trend-broken exits.
func trendReference(bars []broker.OHLCVBar, lookback int) float64 {
	n := lookback
	if n > len(bars) {
		n = len(bars)
	}
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < n; i++ {
		sum += bars[i].Close
	}
	return sum / float64(n)
}

// averageTrueRange is the same true-range average used by universe
// selection's ATR-band filter, kept as a private copy here since this
// package must have no dependency on internal/universe.
func averageTrueRange(bars []broker.OHLCVBar, period int) float64 {
	if len(bars) < 2 {
		return 0
	}
	n := period
	if n > len(bars)-1 {
		n = len(bars) - 1
	}
	if n <= 0 {
		return 0
	}
	var total float64
	for i := 0; i < n; i++ {
		curr := bars[i]
		prev := bars[i+1]
		tr := maxFloat(curr.High-curr.Low, maxFloat(absFloat(curr.High-prev.Close), absFloat(curr.Low-prev.Close)))
		total += tr
	}
	return total / float64(n)
}

func maxFloat(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

func absFloat(a float64) float64 {
	if a < 0 {
		return -a
	}
	return a
}
