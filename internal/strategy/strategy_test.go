package strategy

import (
	"testing"
	"time"

	"github.com/eddiefleurent/kistrend/internal/broker"
	"github.com/eddiefleurent/kistrend/internal/models"
	"github.com/stretchr/testify/assert"
)

func descendingBars(closes []float64) []broker.OHLCVBar {
	bars := make([]broker.OHLCVBar, len(closes))
	for i, c := range closes {
		bars[i] = broker.OHLCVBar{
			Date:   time.Now().AddDate(0, 0, -i),
			Open:   c,
			High:   c + 1,
			Low:    c - 1,
			Close:  c,
			Volume: 1_000_000,
		}
	}
	return bars
}

func flatHistory(n int, close float64) []broker.OHLCVBar {
	closes := make([]float64, n)
	for i := range closes {
		closes[i] = close
	}
	return descendingBars(closes)
}

func TestTrendATRStrategy_Evaluate_NoPosition_BuysAboveTrend(t *testing.T) {
	s := New(DefaultConfig)
	bars := flatHistory(25, 100)
	decision := s.Evaluate("005930", nil, bars, 110)

	assert.Equal(t, SignalBuy, decision.Signal)
	assert.Equal(t, 110.0, decision.ReferencePrice)
	assert.Less(t, decision.SuggestedStop, 110.0)
	assert.Greater(t, decision.SuggestedTakeProfit, 110.0)
	assert.Greater(t, decision.AtrAtEntry, 0.0)
}

func TestTrendATRStrategy_Evaluate_NoPosition_HoldsAtOrBelowTrend(t *testing.T) {
	s := New(DefaultConfig)
	bars := flatHistory(25, 100)
	decision := s.Evaluate("005930", nil, bars, 99)

	assert.Equal(t, SignalHold, decision.Signal)
}

func TestTrendATRStrategy_Evaluate_OpenPosition_SellsOnStopLossTouch(t *testing.T) {
	s := New(DefaultConfig)
	pos := &models.Position{
		State:      models.StateEntered,
		EntryPrice: 100,
		StopLoss:   90,
		TakeProfit: 130,
	}
	bars := flatHistory(25, 100)
	decision := s.Evaluate("005930", pos, bars, 89)

	assert.Equal(t, SignalSell, decision.Signal)
	assert.Equal(t, models.ExitReasonATRStop, decision.Reason)
}

func TestTrendATRStrategy_Evaluate_OpenPosition_SellsOnTakeProfitTouch(t *testing.T) {
	s := New(DefaultConfig)
	pos := &models.Position{
		State:      models.StateEntered,
		EntryPrice: 100,
		StopLoss:   90,
		TakeProfit: 130,
	}
	bars := flatHistory(25, 100)
	decision := s.Evaluate("005930", pos, bars, 131)

	assert.Equal(t, SignalSell, decision.Signal)
	assert.Equal(t, models.ExitReasonTakeProfit, decision.Reason)
}

func TestTrendATRStrategy_Evaluate_OpenPosition_SellsOnTrailingStopTouch(t *testing.T) {
	s := New(DefaultConfig)
	pos := &models.Position{
		State:        models.StateEntered,
		EntryPrice:   100,
		StopLoss:     80,
		TakeProfit:   200,
		TrailingStop: 115,
	}
	bars := flatHistory(25, 100)
	decision := s.Evaluate("005930", pos, bars, 114)

	assert.Equal(t, SignalSell, decision.Signal)
	assert.Equal(t, models.ExitReasonTrailingStop, decision.Reason)
}

func TestTrendATRStrategy_Evaluate_OpenPosition_SellsOnTrendBreak(t *testing.T) {
	s := New(DefaultConfig)
	pos := &models.Position{
		State:      models.StateEntered,
		EntryPrice: 100,
		StopLoss:   50,
		TakeProfit: 500,
	}
	bars := flatHistory(25, 100)
	decision := s.Evaluate("005930", pos, bars, 95)

	assert.Equal(t, SignalSell, decision.Signal)
	assert.Equal(t, models.ExitReasonTrendBroken, decision.Reason)
}

func TestTrendATRStrategy_Evaluate_OpenPosition_HoldsWithinBracketAndTrend(t *testing.T) {
	s := New(DefaultConfig)
	pos := &models.Position{
		State:      models.StateEntered,
		EntryPrice: 100,
		StopLoss:   80,
		TakeProfit: 200,
	}
	bars := flatHistory(25, 100)
	decision := s.Evaluate("005930", pos, bars, 101)

	assert.Equal(t, SignalHold, decision.Signal)
}

func TestTrendATRStrategy_TrailingStopCandidate_ReflectsHighestPriceAndATR(t *testing.T) {
	s := New(DefaultConfig)
	candidate := s.TrailingStopCandidate(120, 5)
	assert.Equal(t, 120-DefaultConfig.ATRStopMultiple*5, candidate)
}

func TestPosition_AdvanceTrailingStop_NeverLowersStop(t *testing.T) {
	pos := &models.Position{TrailingStop: 115, HighestPrice: 120}
	s := New(DefaultConfig)

	pos.AdvanceTrailingStop(118, s.TrailingStopCandidate(118, 5))
	assert.Equal(t, 115.0, pos.TrailingStop, "a lower candidate must not lower an existing trailing stop")

	pos.AdvanceTrailingStop(130, s.TrailingStopCandidate(130, 5))
	assert.Equal(t, 125.0, pos.TrailingStop)
}
