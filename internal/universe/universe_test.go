package universe

import (
	"context"
	"testing"
	"time"

	"github.com/eddiefleurent/kistrend/internal/broker"
	"github.com/eddiefleurent/kistrend/internal/models"
	"github.com/eddiefleurent/kistrend/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func barsWithFlatATR(closes []float64) []broker.OHLCVBar {
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

func TestSelector_SelectFixed_TruncatesToMaxStocks(t *testing.T) {
	st := newTestStore(t)
	cfg := DefaultConfig
	cfg.Method = MethodFixed
	cfg.FixedList = []string{"005930", "000660", "035420"}
	cfg.MaxStocks = 2

	sel := New(broker.NewFakeBroker(), st, nil, cfg, models.ModePaper, nil)
	symbols, err := sel.Select(context.Background(), "2026-07-31", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"005930", "000660"}, symbols)
}

func TestSelector_Select_ReusesCacheForSameMethod(t *testing.T) {
	st := newTestStore(t)
	cfg := DefaultConfig
	cfg.Method = MethodFixed
	cfg.FixedList = []string{"005930"}
	cfg.MaxStocks = 5

	sel := New(broker.NewFakeBroker(), st, nil, cfg, models.ModePaper, nil)
	ctx := context.Background()

	first, err := sel.Select(ctx, "2026-07-31", nil)
	require.NoError(t, err)

	// Changing FixedList after the first call must not affect today's
	// cached record.
	sel.config.FixedList = []string{"000660"}
	second, err := sel.Select(ctx, "2026-07-31", nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestSelector_Select_MethodChangeInvalidatesCache(t *testing.T) {
	st := newTestStore(t)
	cfg := DefaultConfig
	cfg.Method = MethodFixed
	cfg.FixedList = []string{"005930"}
	cfg.MaxStocks = 5

	sel := New(broker.NewFakeBroker(), st, nil, cfg, models.ModePaper, nil)
	ctx := context.Background()

	_, err := sel.Select(ctx, "2026-07-31", nil)
	require.NoError(t, err)

	sel.config.Method = MethodVolumeTop
	sel.config.CandidatePool = []string{"000660"}
	fb := sel.broker.(*broker.FakeBroker)
	fb.Bars["000660"] = barsWithFlatATR([]float64{71000, 70500, 70000})

	symbols, err := sel.Select(ctx, "2026-07-31", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"000660"}, symbols)
}

func TestSelector_SelectVolumeTop_ExcludesWideSessionSwing(t *testing.T) {
	st := newTestStore(t)
	fb := broker.NewFakeBroker()
	fb.Bars["005930"] = []broker.OHLCVBar{
		{Close: 71000, Open: 70000, High: 71500, Low: 69500, Volume: 2_000_000},
		{Close: 50000, Open: 50000, High: 50500, Low: 49500, Volume: 1_000_000},
	}
	fb.Bars["000660"] = []broker.OHLCVBar{
		{Close: 130000, Open: 129000, High: 131000, Low: 128000, Volume: 500_000},
		{Close: 129000, Open: 129000, High: 130000, Low: 128500, Volume: 500_000},
	}

	cfg := DefaultConfig
	cfg.Method = MethodVolumeTop
	cfg.CandidatePool = []string{"005930", "000660"}
	cfg.MaxStocks = 5
	cfg.MinVolume = 100_000
	cfg.MaxSessionChangePct = 28

	sel := New(fb, st, nil, cfg, models.ModePaper, nil)
	symbols, err := sel.selectVolumeTop(context.Background(), cfg.MaxStocks)
	require.NoError(t, err)
	assert.Equal(t, []string{"000660"}, symbols, "005930's 42%% session swing must be excluded")
}

func TestSelector_SelectATRFilter_KeepsOnlyInBandAndEnoughBars(t *testing.T) {
	st := newTestStore(t)
	fb := broker.NewFakeBroker()

	closes := make([]float64, 25)
	for i := range closes {
		closes[i] = 100
	}
	fb.Bars["005930"] = barsWithFlatATR(closes)
	fb.Bars["000660"] = barsWithFlatATR([]float64{100, 100})

	cfg := DefaultConfig
	cfg.Method = MethodATRFilter
	cfg.CandidatePool = []string{"005930", "000660"}
	cfg.MinATRPct = 0.1
	cfg.MaxATRPct = 10

	sel := New(fb, st, nil, cfg, models.ModePaper, nil)
	symbols, err := sel.selectATRFilter(context.Background(), cfg.CandidatePool)
	require.NoError(t, err)
	assert.Equal(t, []string{"005930"}, symbols, "000660 has fewer than 20 bars and must be dropped")
}

func TestSelector_Select_FallsBackToFixedListOnFailure(t *testing.T) {
	st := newTestStore(t)
	cfg := DefaultConfig
	cfg.Method = MethodATRFilter
	cfg.CandidatePool = nil
	cfg.FixedList = []string{"005930"}
	cfg.MaxStocks = 5

	sel := New(broker.NewFakeBroker(), st, nil, cfg, models.ModePaper, nil)
	symbols, err := sel.Select(context.Background(), "2026-07-31", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"005930"}, symbols)
}

func TestSelector_Select_HaltsOnFallbackInRealMode(t *testing.T) {
	st := newTestStore(t)
	cfg := DefaultConfig
	cfg.Method = MethodATRFilter
	cfg.CandidatePool = nil
	cfg.FixedList = nil
	cfg.HaltOnFallbackInReal = true

	sel := New(broker.NewFakeBroker(), st, nil, cfg, models.ModeReal, nil)
	_, err := sel.Select(context.Background(), "2026-07-31", nil)
	assert.ErrorIs(t, err, ErrSelectionHalted)
}

func TestDedupeNumeric_DropsNonSixDigitAndDuplicates(t *testing.T) {
	got := dedupeNumeric([]string{"005930", "005930", "ABCDEF", "12345", "000660"})
	assert.Equal(t, []string{"005930", "000660"}, got)
}
