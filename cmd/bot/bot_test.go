package main

import (
	"log"
	"testing"
	"time"

	"github.com/eddiefleurent/kistrend/internal/broker"
	"github.com/eddiefleurent/kistrend/internal/config"
	"github.com/eddiefleurent/kistrend/internal/models"
	"github.com/eddiefleurent/kistrend/internal/notifier"
	"github.com/eddiefleurent/kistrend/internal/orders"
	"github.com/eddiefleurent/kistrend/internal/reconcile"
	"github.com/eddiefleurent/kistrend/internal/retry"
	"github.com/eddiefleurent/kistrend/internal/risk"
	"github.com/eddiefleurent/kistrend/internal/store"
	"github.com/eddiefleurent/kistrend/internal/strategy"
	"github.com/eddiefleurent/kistrend/internal/universe"
	"github.com/stretchr/testify/require"
)

// alwaysOpenRiskConfig keeps the market-hours gate out of the way of tests
// that only care about the loss/trade-count checks below it.
func alwaysOpenRiskConfig() risk.Config {
	cfg := risk.DefaultConfig
	cfg.RegularSessionStart = time.Date(0, 1, 1, 0, 0, 0, 0, time.UTC)
	cfg.RegularSessionEnd = time.Date(0, 1, 1, 23, 0, 0, 0, time.UTC)
	cfg.CallAuctionEnd = time.Date(0, 1, 1, 23, 59, 0, 0, time.UTC)
	cfg.KillSwitchPath = ""
	return cfg
}

// newTestBot wires every collaborator the way newBot does, but against an
// in-memory store and a FakeBroker, skipping config.Load entirely so tests
// never touch the filesystem for a config file.
func newTestBot(t *testing.T, fb *broker.FakeBroker) *Bot {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	logger := log.New(testWriter{t}, "[TEST] ", 0)

	universeCfg := universe.DefaultConfig
	universeCfg.Method = universe.MethodFixed
	universeCfg.FixedList = []string{"005930"}
	universeCfg.MaxStocks = 1

	universeSelector := universe.New(fb, st, nil, universeCfg, models.ModeDryRun, logger)
	riskController := risk.New(alwaysOpenRiskConfig(), logger)
	strat := strategy.New(strategy.DefaultConfig)
	synchronizer := orders.NewSynchronizer(st, fb, logger)
	reconciler := reconcile.New(fb, st, nil, nil, logger, models.ModeDryRun)
	notifyMgr := notifier.New(nil)

	cfg := &config.Config{}
	cfg.Normalize()
	cfg.Risk.MaxPositions = 5
	cfg.Schedule.GapThresholdPct = 3.0
	cfg.Schedule.GapEpsilonPct = 0.2

	return &Bot{
		config:        cfg,
		logger:        logger,
		mode:          models.ModeDryRun,
		orderQty:      1,
		broker:        fb,
		retryClient:   retry.NewClient(logger),
		store:         st,
		risk:          riskController,
		universe:      universeSelector,
		strategy:      strat,
		trendStrategy: strat,
		synchronizer:  synchronizer,
		reconciler:    reconciler,
		notifier:      notifyMgr,
		stop:          make(chan struct{}),
		livePrices:    make(map[string]float64),
	}
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

// flatBars returns n daily bars (most recent first) at a constant price,
// each with a true range of zero, so ATR/gap math is predictable.
func flatBars(n int, price float64) []broker.OHLCVBar {
	bars := make([]broker.OHLCVBar, n)
	for i := range bars {
		bars[i] = broker.OHLCVBar{
			Date:   time.Now().AddDate(0, 0, -i),
			Open:   price,
			High:   price,
			Low:    price,
			Close:  price,
			Volume: 1_000_000,
		}
	}
	return bars
}
