package main

import (
	"context"
	"fmt"
	"time"

	"github.com/eddiefleurent/kistrend/internal/broker"
	"github.com/eddiefleurent/kistrend/internal/models"
	"github.com/eddiefleurent/kistrend/internal/orders"
	"github.com/eddiefleurent/kistrend/internal/risk"
	"github.com/eddiefleurent/kistrend/internal/strategy"
	"github.com/eddiefleurent/kistrend/internal/util"
)

// barsLookback is how many daily bars the strategy and universe ATR math
// need; Strategy.Evaluate never sees more than this per symbol per cycle.
const barsLookback = 60

// nearStopBandFraction names the "within 30% of ATR from entry" distance
// that shortens the cycle cadence to the near-stop interval.
const nearStopBandFraction = 0.30

// accountSnapshotMinInterval enforces the at-most-once-per-minute
// persistence named by the execution loop.
const accountSnapshotMinInterval = time.Minute

// runCycle evaluates every held and candidate symbol once, in the order
// named by the execution loop: gap protection, strategy signal, trailing
// stop, risk gate, synchronizer hand-off, then a throttled snapshot.
func (b *Bot) runCycle(ctx context.Context, correlationID string) error {
	if b.broker.IsNetworkOutage() {
		b.logger.Printf("[%s] broker reports a network outage; aborting this cycle without placing orders", correlationID)
		b.outageSeen = true
		return nil
	}
	if b.outageSeen {
		b.logger.Printf("[%s] broker recovered from an outage; reconciling before trading resumes", correlationID)
		if _, err := b.reconciler.Reconcile(ctx); err != nil {
			b.logger.Printf("[%s] post-outage reconciliation failed: %v", correlationID, err)
		}
		b.outageSeen = false
	}

	if err := b.synchronizer.CleanupStale(ctx); err != nil {
		b.logger.Printf("[%s] stale order cleanup: %v", correlationID, err)
	}

	openPositions, err := b.store.GetOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("loading open positions: %w", err)
	}
	holdingsSymbols := make([]string, 0, len(openPositions))
	positionBySymbol := make(map[string]*models.Position, len(openPositions))
	for i := range openPositions {
		holdingsSymbols = append(holdingsSymbols, openPositions[i].Symbol)
		positionBySymbol[openPositions[i].Symbol] = &openPositions[i]
	}

	tradeDate := time.Now().Format("2006-01-02")
	universeSymbols, err := b.universe.Select(ctx, tradeDate, holdingsSymbols)
	if err != nil {
		return fmt.Errorf("selecting universe: %w", err)
	}

	entryCandidates := make(map[string]bool, len(universeSymbols))
	if len(openPositions) < b.config.Risk.MaxPositions {
		held := make(map[string]bool, len(holdingsSymbols))
		for _, s := range holdingsSymbols {
			held[s] = true
		}
		for _, s := range universeSymbols {
			if !held[s] {
				entryCandidates[s] = true
			}
		}
	}

	symbols := make(map[string]bool, len(holdingsSymbols)+len(entryCandidates))
	for _, s := range holdingsSymbols {
		symbols[s] = true
	}
	for s := range entryCandidates {
		symbols[s] = true
	}

	daily, err := b.store.GetDailySummary(ctx, tradeDate, b.mode)
	if err != nil {
		return fmt.Errorf("loading daily summary: %w", err)
	}

	nearStop := false
	for symbol := range symbols {
		isEntryCandidate := entryCandidates[symbol]
		pos := positionBySymbol[symbol]
		symbolNearStop, err := b.evaluateSymbol(ctx, correlationID, symbol, pos, isEntryCandidate, daily)
		if err != nil {
			b.logger.Printf("[%s] %s: %v", correlationID, symbol, err)
			b.notifier.Notify(ctx, "ERROR", "STRATEGY_EXCEPTION", fmt.Sprintf("symbol=%s: %v", symbol, err))
			continue
		}
		if symbolNearStop {
			nearStop = true
		}
	}

	if err := b.maybePersistSnapshot(ctx, false); err != nil {
		b.logger.Printf("[%s] persisting account snapshot: %v", correlationID, err)
	}

	b.nearStopBand = nearStop
	return nil
}

// evaluateSymbol runs one symbol through the per-cycle decision sequence
// and reports whether it is currently inside the near-stop band.
func (b *Bot) evaluateSymbol(ctx context.Context, correlationID, symbol string, pos *models.Position, isEntryCandidate bool, daily *models.DailySummary) (nearStop bool, err error) {
	price, bars, err := b.fetchMarketData(ctx, symbol)
	if err != nil {
		return false, fmt.Errorf("fetching market data: %w", err)
	}

	if pos != nil && pos.IsOpen() {
		if triggered, raw, display := evaluateGapProtection(bars, pos.EntryPrice, b.config.Schedule.GapThresholdPct, b.config.Schedule.GapEpsilonPct); triggered {
			b.logger.Printf("[%s] %s: gap protection triggered raw=%.2f%% display=%.2f%%", correlationID, symbol, raw, display)
			return false, b.executeExit(ctx, pos, models.ExitReasonGapProtection)
		}
	}

	decision := b.strategy.Evaluate(symbol, pos, bars, price)

	if pos != nil && pos.IsOpen() && price > pos.HighestPrice {
		trail := b.trendStrategy.TrailingStopCandidate(price, pos.AtrAtEntry)
		pos.AdvanceTrailingStop(price, trail)
		if err := b.store.UpsertPosition(ctx, pos); err != nil {
			b.logger.Printf("[%s] %s: persisting trailing stop: %v", correlationID, symbol, err)
		}
	}

	if pos != nil && pos.IsOpen() && pos.AtrAtEntry > 0 {
		distanceToStop := price - pos.TrailingStop
		if distanceToStop <= nearStopBandFraction*pos.AtrAtEntry {
			nearStop = true
		}
	}

	switch decision.Signal {
	case strategy.SignalBuy:
		if !isEntryCandidate {
			return nearStop, nil
		}
		return nearStop, b.executeEntry(ctx, symbol, price, decision, daily)
	case strategy.SignalSell:
		if pos == nil || !pos.IsOpen() {
			return nearStop, nil
		}
		return nearStop, b.executeExit(ctx, pos, decision.Reason)
	default:
		return nearStop, nil
	}
}

func (b *Bot) fetchMarketData(ctx context.Context, symbol string) (float64, []broker.OHLCVBar, error) {
	price, fromFeed := b.livePrice(symbol)
	if !fromFeed {
		if err := b.retryClient.Do(ctx, "get_current_price", func(ctx context.Context) error {
			p, err := b.broker.GetCurrentPrice(ctx, symbol)
			price = p
			return err
		}); err != nil {
			return 0, nil, err
		}
	}

	var bars []broker.OHLCVBar
	if err := b.retryClient.Do(ctx, "get_daily_ohlcv", func(ctx context.Context) error {
		rows, err := b.broker.GetDailyOHLCV(ctx, symbol, barsLookback)
		bars = rows
		return err
	}); err != nil {
		return 0, nil, err
	}
	return price, bars, nil
}

// evaluateGapProtection reports whether today's open gapped down past the
// configured threshold against entryReference: the position's persisted
// entry price, not a value recomputed from today's own trading.
func evaluateGapProtection(bars []broker.OHLCVBar, entryReference, thresholdPct, epsilonPct float64) (triggered bool, raw, display float64) {
	if len(bars) < 1 || entryReference <= 0 {
		return false, 0, 0
	}
	openPrice := bars[0].Open
	rawGapPct := (openPrice - entryReference) / entryReference * 100
	if rawGapPct > 0 {
		return false, rawGapPct, rawGapPct
	}
	return rawGapPct <= -(thresholdPct + epsilonPct), rawGapPct, rawGapPct
}

func (b *Bot) executeEntry(ctx context.Context, symbol string, price float64, decision strategy.Decision, daily *models.DailySummary) error {
	initialEquity, currentEquity, err := b.equityBaseline(ctx)
	if err != nil {
		return fmt.Errorf("computing equity baseline: %w", err)
	}
	lastPnLPct, err := b.lastClosedTradePnLPct(ctx)
	if err != nil {
		return fmt.Errorf("loading last closed trade: %w", err)
	}

	verdict := b.risk.Check(risk.Snapshot{
		Now:                   time.Now(),
		Side:                  models.SideBuy,
		Daily:                 *daily,
		InitialEquity:         initialEquity,
		CurrentEquity:         currentEquity,
		LastClosedTradePnLPct: lastPnLPct,
	})
	if !verdict.Allowed {
		b.logger.Printf("%s: entry denied: %s (%s)", symbol, verdict.Denial, verdict.Reason)
		return nil
	}

	qty := b.orderQty
	if qty <= 0 {
		qty = 1
	}
	positionID := fmt.Sprintf("%s-%s-%d", symbol, b.mode, time.Now().Unix())
	pos := models.NewPendingPosition(positionID, symbol, b.mode, qty)
	if err := b.store.UpsertPosition(ctx, pos); err != nil {
		return fmt.Errorf("persisting pending entry: %w", err)
	}

	result, err := b.synchronizer.ExecuteBuy(ctx, orders.Decision{
		Mode:           b.mode,
		Symbol:         symbol,
		Qty:            qty,
		SignalID:       time.Now().Format("2006-01-02"),
		PositionID:     positionID,
		OrderType:      broker.OrderTypeMarket,
		ReferencePrice: price,
		StopLoss:       decision.SuggestedStop,
		TakeProfit:     decision.SuggestedTakeProfit,
		AtrAtEntry:     decision.AtrAtEntry,
	})
	if err != nil {
		b.notifier.Notify(ctx, "ERROR", "ORDER_SUBMIT_FAILED", fmt.Sprintf("symbol=%s mode=%s: %v", symbol, b.mode, err))
		return fmt.Errorf("executing buy: %w", err)
	}
	b.logger.Printf("%s: buy %s id=%s filled=%d avg=%.2f", symbol, result.Status, shortID(positionID), result.FilledQty, result.AvgPrice)
	return nil
}

func (b *Bot) executeExit(ctx context.Context, pos *models.Position, reason models.ExitReason) error {
	waiting, readyToRetry := b.synchronizer.IsPendingExit(pos.Symbol)
	if waiting && !readyToRetry {
		return nil
	}

	initialEquity, currentEquity, err := b.equityBaseline(ctx)
	if err != nil {
		return fmt.Errorf("computing equity baseline: %w", err)
	}

	verdict := b.risk.Check(risk.Snapshot{
		Now:           time.Now(),
		Side:          models.SideSell,
		InitialEquity: initialEquity,
		CurrentEquity: currentEquity,
	})
	if !verdict.Allowed && !verdict.PendingExit {
		b.logger.Printf("%s: exit denied: %s (%s)", pos.Symbol, verdict.Denial, verdict.Reason)
		return nil
	}

	result, err := b.synchronizer.ExecuteSell(ctx, orders.Decision{
		Mode:           pos.Mode,
		Symbol:         pos.Symbol,
		Qty:            pos.Quantity,
		SignalID:       pos.ID + ":" + string(reason),
		PositionID:     pos.ID,
		OrderType:      broker.OrderTypeMarket,
		ReferencePrice: pos.EntryPrice,
		ExitReason:     reason,
	})
	if err != nil {
		b.notifier.Notify(ctx, "ERROR", "ORDER_SUBMIT_FAILED", fmt.Sprintf("symbol=%s mode=%s: %v", pos.Symbol, pos.Mode, err))
		return fmt.Errorf("executing sell: %w", err)
	}
	if result.PendingExit {
		return nil
	}
	b.synchronizer.ClearPendingExit(pos.Symbol)
	b.logger.Printf("%s: sell %s filled=%d avg=%.2f reason=%s", pos.Symbol, result.Status, result.FilledQty, result.AvgPrice, reason)

	return b.recordClosedTrade(ctx, pos, result)
}

// recordClosedTrade updates the day's running summary the risk
// controller's consecutive-loss and trade-count gates read; the
// synchronizer itself only persists the Position/Trade/OrderState triple.
func (b *Bot) recordClosedTrade(ctx context.Context, pos *models.Position, result *orders.SyncResult) error {
	tradeDate := time.Now().Format("2006-01-02")
	summary, err := b.store.GetDailySummary(ctx, tradeDate, pos.Mode)
	if err != nil {
		return fmt.Errorf("loading daily summary: %w", err)
	}
	pnl := util.PnL(pos.EntryPrice, result.AvgPrice, result.FilledQty)
	summary.RealizedPnLToday += pnl
	summary.ClosedTradeCount++
	if pnl >= 0 {
		summary.WinCount++
		summary.ConsecutiveLosses = 0
	} else {
		summary.LossCount++
		summary.ConsecutiveLosses++
	}
	return b.store.UpsertDailySummary(ctx, summary)
}

// equityBaseline returns the starting-equity baseline the drawdown and
// daily-loss gates measure against, and the account's current equity.
// The baseline is the first AccountSnapshot ever persisted for the mode;
// before any snapshot exists, today's own balance seeds it, and the
// snapshot this cycle persists becomes that baseline going forward.
func (b *Bot) equityBaseline(ctx context.Context) (initial, current float64, err error) {
	balance, err := b.broker.GetAccountBalance(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("fetching account balance: %w", err)
	}
	var totalValue float64
	for _, h := range balance.Holdings {
		totalValue += float64(h.Qty) * h.CurrentPrice
	}
	current = balance.Cash + totalValue

	if b.initialEquity == 0 {
		snap, err := b.store.GetEarliestAccountSnapshot(ctx, b.mode)
		if err != nil {
			return 0, 0, fmt.Errorf("loading earliest account snapshot: %w", err)
		}
		if snap != nil && snap.TotalEquity > 0 {
			b.initialEquity = snap.TotalEquity
		} else {
			b.initialEquity = current
		}
	}
	return b.initialEquity, current, nil
}

// lastClosedTradePnLPct returns the most recently closed trade's
// percentage return for the current mode, or 0 if nothing has closed yet.
func (b *Bot) lastClosedTradePnLPct(ctx context.Context) (float64, error) {
	trade, err := b.store.GetLastClosedTrade(ctx, b.mode)
	if err != nil {
		return 0, fmt.Errorf("loading last closed trade: %w", err)
	}
	if trade == nil {
		return 0, nil
	}
	return trade.PnLPct, nil
}

// maybePersistSnapshot writes an AccountSnapshot at most once per
// accountSnapshotMinInterval, unless force bypasses the throttle for a
// final capture on shutdown.
func (b *Bot) maybePersistSnapshot(ctx context.Context, force bool) error {
	if !force && time.Since(b.lastSnapshotAt) < accountSnapshotMinInterval {
		return nil
	}
	balance, err := b.broker.GetAccountBalance(ctx)
	if err != nil {
		return fmt.Errorf("fetching account balance: %w", err)
	}
	positions, err := b.store.GetOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("loading open positions: %w", err)
	}

	var unrealized, totalValue float64
	for _, h := range balance.Holdings {
		unrealized += float64(h.Qty) * (h.CurrentPrice - h.AvgPrice)
		totalValue += float64(h.Qty) * h.CurrentPrice
	}

	tradeDate := time.Now().Format("2006-01-02")
	daily, err := b.store.GetDailySummary(ctx, tradeDate, b.mode)
	if err != nil {
		return fmt.Errorf("loading daily summary: %w", err)
	}

	snap := &models.AccountSnapshot{
		SnapshotTime:  time.Now().UTC(),
		Mode:          b.mode,
		TotalEquity:   balance.Cash + totalValue,
		Cash:          balance.Cash,
		UnrealizedPnL: unrealized,
		RealizedPnL:   daily.RealizedPnLToday,
		PositionCount: len(positions),
	}
	if err := b.store.InsertAccountSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("inserting account snapshot: %w", err)
	}
	b.lastSnapshotAt = snap.SnapshotTime
	return nil
}

// nextInterval picks the dynamic cadence: the fast near-stop interval if
// the prior cycle found any open position close to its stop, else the
// configured baseline, floored at the near-stop interval itself.
func (b *Bot) nextInterval() time.Duration {
	if b.nearStopBand {
		return b.config.NearStopInterval()
	}
	base := b.config.CheckInterval()
	floor := b.config.NearStopInterval()
	if base < floor {
		return floor
	}
	return base
}
