package risk

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/eddiefleurent/kistrend/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) Config {
	t.Helper()
	cfg := DefaultConfig
	cfg.RegularSessionStart = time.Date(2026, 7, 31, 9, 0, 0, 0, time.UTC)
	cfg.RegularSessionEnd = time.Date(2026, 7, 31, 15, 20, 0, 0, time.UTC)
	cfg.CallAuctionEnd = time.Date(2026, 7, 31, 15, 30, 0, 0, time.UTC)
	cfg.KillSwitchPath = filepath.Join(t.TempDir(), "KILL_SWITCH")
	return cfg
}

func atClock(hour, minute int) time.Time {
	return time.Date(2026, 7, 31, hour, minute, 0, 0, time.UTC)
}

func TestController_Check_AllowsBuyInRegularSession(t *testing.T) {
	c := New(testConfig(t), nil)
	v := c.Check(Snapshot{Now: atClock(10, 0), Side: models.SideBuy})
	assert.True(t, v.Allowed)
}

func TestController_Check_DeniesBeforeOpen(t *testing.T) {
	c := New(testConfig(t), nil)
	v := c.Check(Snapshot{Now: atClock(8, 59), Side: models.SideBuy})
	assert.False(t, v.Allowed)
	assert.Equal(t, DenyMarketClosed, v.Denial)
}

func TestController_Check_CallAuctionSellIsPendingExitNotHardDeny(t *testing.T) {
	c := New(testConfig(t), nil)
	v := c.Check(Snapshot{Now: atClock(15, 25), Side: models.SideSell})
	assert.False(t, v.Allowed)
	assert.Equal(t, DenyCallAuction, v.Denial)
	assert.True(t, v.PendingExit)
}

func TestController_Check_CallAuctionBuyIsHardDeny(t *testing.T) {
	c := New(testConfig(t), nil)
	v := c.Check(Snapshot{Now: atClock(15, 25), Side: models.SideBuy})
	assert.False(t, v.Allowed)
	assert.False(t, v.PendingExit)
}

func TestController_Check_KillSwitchBlocksEverything(t *testing.T) {
	cfg := testConfig(t)
	c := New(cfg, nil)
	require.NoError(t, c.EngageKillSwitch("test"))

	v := c.Check(Snapshot{Now: atClock(10, 0), Side: models.SideBuy})
	assert.False(t, v.Allowed)
	assert.Equal(t, DenyKillSwitch, v.Denial)
}

func TestController_Check_PerTradeLossCapBlocksReentry(t *testing.T) {
	c := New(testConfig(t), nil)
	v := c.Check(Snapshot{
		Now:                   atClock(10, 0),
		Side:                  models.SideBuy,
		LastClosedTradePnLPct: -6.0,
	})
	assert.False(t, v.Allowed)
	assert.Equal(t, DenyPerTradeLossCap, v.Denial)
}

func TestController_Check_DailyLossCapBlocksEntriesOnly(t *testing.T) {
	cfg := testConfig(t)
	c := New(cfg, nil)

	buyVerdict := c.Check(Snapshot{
		Now:           atClock(10, 0),
		Side:          models.SideBuy,
		InitialEquity: 10_000_000,
		Daily:         models.DailySummary{RealizedPnLToday: -400_000},
	})
	assert.False(t, buyVerdict.Allowed)
	assert.Equal(t, DenyDailyLossCap, buyVerdict.Denial)

	sellVerdict := c.Check(Snapshot{
		Now:           atClock(10, 0),
		Side:          models.SideSell,
		InitialEquity: 10_000_000,
		Daily:         models.DailySummary{RealizedPnLToday: -400_000},
	})
	assert.True(t, sellVerdict.Allowed, "exits must never be blocked by the daily loss cap")
}

func TestController_Check_ConsecutiveLossesBlocksEntries(t *testing.T) {
	c := New(testConfig(t), nil)
	v := c.Check(Snapshot{
		Now:   atClock(10, 0),
		Side:  models.SideBuy,
		Daily: models.DailySummary{ConsecutiveLosses: 3},
	})
	assert.False(t, v.Allowed)
	assert.Equal(t, DenyConsecutiveLosses, v.Denial)
}

func TestController_Check_DailyTradeCountCapBlocksEntries(t *testing.T) {
	c := New(testConfig(t), nil)
	v := c.Check(Snapshot{
		Now:   atClock(10, 0),
		Side:  models.SideBuy,
		Daily: models.DailySummary{ClosedTradeCount: 10},
	})
	assert.False(t, v.Allowed)
	assert.Equal(t, DenyDailyTradeCount, v.Denial)
}

func TestController_Check_CumulativeDrawdownEngagesKillSwitchAndBlocksExitsToo(t *testing.T) {
	cfg := testConfig(t)
	c := New(cfg, nil)

	v := c.Check(Snapshot{
		Now:           atClock(10, 0),
		Side:          models.SideSell,
		InitialEquity: 10_000_000,
		CurrentEquity: 8_490_000,
	})
	assert.False(t, v.Allowed)
	assert.Equal(t, DenyCumulativeDrawdown, v.Denial)

	_, err := os.Stat(cfg.KillSwitchPath)
	require.NoError(t, err, "drawdown breach must persist the kill-switch file")
}

func TestController_KillSwitchEngaged_ReflectsFileState(t *testing.T) {
	cfg := testConfig(t)
	c := New(cfg, nil)

	assert.False(t, c.KillSwitchEngaged())
	require.NoError(t, c.EngageKillSwitch("test"))
	assert.True(t, c.KillSwitchEngaged())
}

