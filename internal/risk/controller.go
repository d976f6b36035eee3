// Package risk gates every order the engine would otherwise place: a
// kill-switch file, a single-instance lock, the market-hours window, and
// the loss/trade-count caps read from the day's running DailySummary.
package risk

import (
	"fmt"
	"log"
	"os"
	"time"

	"github.com/eddiefleurent/kistrend/internal/models"
)

// Denial identifies why Check refused an order, so callers (the loop,
// the notifier) can react by reason code rather than parsing a message.
type Denial string

const (
	DenyKillSwitch         Denial = "KILL_SWITCH"
	DenyMarketClosed       Denial = "MARKET_CLOSED"
	DenyCallAuction        Denial = "CALL_AUCTION"
	DenyPerTradeLossCap    Denial = "PER_TRADE_LOSS_CAP"
	DenyDailyLossCap       Denial = "DAILY_LOSS_CAP"
	DenyConsecutiveLosses  Denial = "CONSECUTIVE_LOSSES"
	DenyDailyTradeCount    Denial = "DAILY_TRADE_COUNT"
	DenyCumulativeDrawdown Denial = "CUMULATIVE_DRAWDOWN"
)

// Verdict is the outcome of one Check call.
type Verdict struct {
	Allowed   bool
	Denial    Denial
	Reason    string
	// PendingExit marks a SELL denied only by the call-auction window: the
	// synchronizer should retry rather than treat the signal as abandoned.
	PendingExit bool
}

func allow() Verdict { return Verdict{Allowed: true} }

func deny(d Denial, reason string) Verdict {
	return Verdict{Allowed: false, Denial: d, Reason: reason}
}

// Config carries the caps and windows the risk controller gates on,
// independent of how the caller loads them (internal/config, flags, or a
// test literal).
type Config struct {
	RegularSessionStart time.Time // time-of-day only; Hour/Minute read
	RegularSessionEnd   time.Time
	CallAuctionEnd      time.Time

	PerTradeLossCapPct    float64
	DailyMaxLossPct       float64
	MaxConsecutiveLosses  int
	DailyMaxTrades        int
	CumulativeDrawdownPct float64

	LockPath       string
	LockStaleAfter time.Duration
	KillSwitchPath string
}

// DefaultConfig mirrors the KRX regular session and a conservative set of
// cap thresholds. Callers load real values from configuration; this exists
// so tests and cmd/bot's flag-free paths have a sane baseline.
var DefaultConfig = Config{
	PerTradeLossCapPct:    -5.0,
	DailyMaxLossPct:       3.0,
	MaxConsecutiveLosses:  3,
	DailyMaxTrades:        10,
	CumulativeDrawdownPct: 15.0,
	LockStaleAfter:        3600 * time.Second,
	LockPath:              "data/instance.lock",
	KillSwitchPath:        "data/KILL_SWITCH",
}

// Snapshot is the read-only state the controller checks against, taken
// once per cycle: a concurrent fill between this read and the
// synchronizer's submit is absorbed by the idempotency key, not by
// re-reading here.
type Snapshot struct {
	Now                   time.Time
	Side                  models.Side
	LastClosedTradePnLPct float64
	Daily                 models.DailySummary
	InitialEquity         float64
	CurrentEquity         float64
}

// Controller evaluates Snapshot against Config in a fixed order, returning
// the first failing check.
type Controller struct {
	config Config
	logger *log.Logger
}

// New builds a Controller. A nil logger defaults to stderr.
func New(config Config, logger *log.Logger) *Controller {
	if logger == nil {
		logger = log.New(os.Stderr, "risk: ", log.LstdFlags)
	}
	return &Controller{config: config, logger: logger}
}

// Check runs every gate in order, returning the first denial. The
// per-trade, daily-loss, consecutive-loss and trade-count caps gate BUYs
// only; a SELL denied purely by the call-auction window comes back as
// PendingExit rather than a hard deny.
func (c *Controller) Check(snap Snapshot) Verdict {
	if c.killSwitchEngaged() {
		return deny(DenyKillSwitch, "kill-switch file present")
	}

	if v := c.checkMarketHours(snap); !v.Allowed {
		return v
	}

	if snap.Side == models.SideBuy {
		if snap.LastClosedTradePnLPct <= c.config.PerTradeLossCapPct {
			return deny(DenyPerTradeLossCap, fmt.Sprintf("last closed trade %.2f%% breached cap %.2f%%", snap.LastClosedTradePnLPct, c.config.PerTradeLossCapPct))
		}

		if snap.InitialEquity > 0 {
			dailyLossPct := -snap.Daily.RealizedPnLToday / snap.InitialEquity * 100
			if dailyLossPct >= c.config.DailyMaxLossPct {
				return deny(DenyDailyLossCap, fmt.Sprintf("realized loss today %.2f%% of equity breaches cap %.2f%%", dailyLossPct, c.config.DailyMaxLossPct))
			}
		}

		if c.config.MaxConsecutiveLosses > 0 && snap.Daily.ConsecutiveLosses >= c.config.MaxConsecutiveLosses {
			return deny(DenyConsecutiveLosses, fmt.Sprintf("%d consecutive losing trades reached cap %d", snap.Daily.ConsecutiveLosses, c.config.MaxConsecutiveLosses))
		}

		if c.config.DailyMaxTrades > 0 && snap.Daily.ClosedTradeCount >= c.config.DailyMaxTrades {
			return deny(DenyDailyTradeCount, fmt.Sprintf("%d trades today reached cap %d", snap.Daily.ClosedTradeCount, c.config.DailyMaxTrades))
		}
	}

	if snap.InitialEquity > 0 {
		drawdownPct := (snap.InitialEquity - snap.CurrentEquity) / snap.InitialEquity * 100
		if drawdownPct >= c.config.CumulativeDrawdownPct {
			if err := c.EngageKillSwitch(fmt.Sprintf("cumulative drawdown %.2f%% reached cap %.2f%%", drawdownPct, c.config.CumulativeDrawdownPct)); err != nil {
				c.logger.Printf("risk: failed to persist kill-switch after drawdown breach: %v", err)
			}
			return deny(DenyCumulativeDrawdown, fmt.Sprintf("cumulative drawdown %.2f%% reached cap %.2f%%", drawdownPct, c.config.CumulativeDrawdownPct))
		}
	}

	return allow()
}

func (c *Controller) checkMarketHours(snap Snapshot) Verdict {
	clock := timeOfDay(snap.Now)
	start := timeOfDay(c.config.RegularSessionStart)
	regularEnd := timeOfDay(c.config.RegularSessionEnd)
	auctionEnd := timeOfDay(c.config.CallAuctionEnd)

	if clock < start {
		return deny(DenyMarketClosed, "before regular session open")
	}

	if clock < regularEnd {
		return allow()
	}

	if clock < auctionEnd {
		if snap.Side == models.SideSell {
			return Verdict{Allowed: false, Denial: DenyCallAuction, Reason: "call-auction window", PendingExit: true}
		}
		return deny(DenyMarketClosed, "call-auction window closed to entries")
	}

	return deny(DenyMarketClosed, "after call-auction window")
}

// timeOfDay reduces a time.Time to minutes since midnight so callers can
// supply session boundaries as any date with only hour/minute meaningful.
func timeOfDay(t time.Time) int {
	return t.Hour()*60 + t.Minute()
}

func (c *Controller) killSwitchEngaged() bool {
	if c.config.KillSwitchPath == "" {
		return false
	}
	_, err := os.Stat(c.config.KillSwitchPath)
	return err == nil
}

// KillSwitchEngaged reports whether the kill-switch file is currently
// present, for read-only consumers (the dashboard) that need the state
// without running a full Check.
func (c *Controller) KillSwitchEngaged() bool {
	return c.killSwitchEngaged()
}

// EngageKillSwitch writes the kill-switch file, blocking all future orders
// until an operator removes it.
func (c *Controller) EngageKillSwitch(reason string) error {
	if c.config.KillSwitchPath == "" {
		return fmt.Errorf("risk: no kill-switch path configured")
	}
	c.logger.Printf("KILL_SWITCH engaged: %s", reason)
	return os.WriteFile(c.config.KillSwitchPath, []byte(reason+"\n"), 0o600)
}
