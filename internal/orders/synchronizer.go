// Package orders provides the single entry point for placing or closing a
// position: idempotent submission against the broker, fill polling, and
// the one-transaction write of order_state, trades and positions that
// follows a terminal result.
package orders

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/eddiefleurent/kistrend/internal/broker"
	"github.com/eddiefleurent/kistrend/internal/models"
	"github.com/eddiefleurent/kistrend/internal/store"
	"github.com/eddiefleurent/kistrend/internal/util"
)

// Config controls polling/staleness windows for the synchronizer.
type Config struct {
	// OrderTimeout bounds how long WaitForExecution waits for a fill
	// before the broker cancels the remainder.
	OrderTimeout time.Duration
	// StalePendingAge is how old a no-order-number PENDING row must be
	// before the sweep cancels it.
	StalePendingAge time.Duration
	// StaleNonTerminalAge is how old any non-terminal row must be before
	// the sweep force-cancels it regardless of broker state.
	StaleNonTerminalAge time.Duration
	// PendingExitBackoff is how long a SELL stays in pending_exit after a
	// market-closed/un-orderable rejection before it is retried.
	PendingExitBackoff time.Duration
}

// DefaultConfig matches the order_execution_timeout default named by the
// runtime configuration table.
var DefaultConfig = Config{
	OrderTimeout:        45 * time.Second,
	StalePendingAge:     15 * time.Minute,
	StaleNonTerminalAge: 240 * time.Minute,
	PendingExitBackoff:  5 * time.Minute,
}

// Decision is everything the synchronizer needs to place or close one
// position leg. Callers (the execution loop) fill this in from a
// Strategy signal plus the position's persisted entry bracket.
type Decision struct {
	Mode       models.Mode
	Symbol     string
	Qty        int
	SignalID   string
	PositionID string
	OrderType  broker.OrderType
	// ReferencePrice is the limit reference for a LIMIT order, or the
	// entry price used for realized-P&L on a SELL.
	ReferencePrice float64
	ExitReason     models.ExitReason
	// StopLoss/TakeProfit/AtrAtEntry seed a freshly-filled BUY's entry
	// bracket; unused on SELL.
	StopLoss   float64
	TakeProfit float64
	AtrAtEntry float64
}

// SyncResult is the outcome of ExecuteBuy/ExecuteSell.
type SyncResult struct {
	Status         models.OrderStatus
	FilledQty      int
	AvgPrice       float64
	IdempotencyKey string
	PendingExit    bool
}

// pendingExitEntry backs the SELL backoff named by the synchronizer's
// market-closed/un-orderable handling; it is in-memory only, since a
// process restart re-evaluates the position fresh on the next cycle.
type pendingExitEntry struct {
	reason      models.ExitReason
	nextRetryAt time.Time
}

// Synchronizer is the system's single entry point to place or close a
// position.
type Synchronizer struct {
	store  *store.Store
	broker broker.Broker
	logger *log.Logger
	config Config

	mu          sync.Mutex
	pendingExit map[string]pendingExitEntry
}

// NewSynchronizer builds a Synchronizer. A nil logger defaults to stderr.
func NewSynchronizer(st *store.Store, brk broker.Broker, logger *log.Logger, config ...Config) *Synchronizer {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if logger == nil {
		logger = log.New(os.Stderr, "orders: ", log.LstdFlags)
	}
	return &Synchronizer{
		store:       st,
		broker:      brk,
		logger:      logger,
		config:      cfg,
		pendingExit: make(map[string]pendingExitEntry),
	}
}

// ExecuteBuy submits (or adopts) an entry order and waits for its fill.
func (s *Synchronizer) ExecuteBuy(ctx context.Context, d Decision) (*SyncResult, error) {
	return s.execute(ctx, d, models.SideBuy)
}

// ExecuteSell submits (or adopts) an exit order and waits for its fill.
func (s *Synchronizer) ExecuteSell(ctx context.Context, d Decision) (*SyncResult, error) {
	return s.execute(ctx, d, models.SideSell)
}

// IsPendingExit reports whether symbol is in SELL backoff, and if so
// whether the backoff window has elapsed and a retry may be attempted.
func (s *Synchronizer) IsPendingExit(symbol string) (waiting bool, readyToRetry bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.pendingExit[symbol]
	if !ok {
		return false, false
	}
	return true, !time.Now().Before(entry.nextRetryAt)
}

// ClearPendingExit drops the backoff entry once a retried SELL succeeds.
func (s *Synchronizer) ClearPendingExit(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pendingExit, symbol)
}

func (s *Synchronizer) recordPendingExit(symbol string, reason models.ExitReason) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pendingExit[symbol] = pendingExitEntry{
		reason:      reason,
		nextRetryAt: time.Now().Add(s.config.PendingExitBackoff),
	}
}

func (s *Synchronizer) execute(ctx context.Context, d Decision, side models.Side) (*SyncResult, error) {
	key := util.IdempotencyKey(string(d.Mode), string(side), d.Symbol, d.Qty, d.SignalID)

	existing, err := s.store.GetOrderState(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("orders: lookup order_state: %w", err)
	}

	fresh := existing == nil
	order := existing
	if fresh {
		order = &models.OrderState{
			IdempotencyKey: key,
			SignalID:       d.SignalID,
			Symbol:         d.Symbol,
			Side:           side,
			RequestedQty:   d.Qty,
			RemainingQty:   d.Qty,
			Status:         models.OrderPending,
			Mode:           d.Mode,
			RequestedAt:    time.Now().UTC(),
		}
		if err := s.store.UpsertOrderState(ctx, order); err != nil {
			return nil, fmt.Errorf("orders: insert pending order_state: %w", err)
		}
	} else if order.Status.IsTerminal() {
		return &SyncResult{Status: order.Status, FilledQty: order.FilledQty, IdempotencyKey: key}, nil
	}

	if fresh {
		orderType := d.OrderType
		if orderType == "" {
			orderType = broker.OrderTypeMarket
		}

		var ack *broker.OrderAck
		var submitErr error
		if side == models.SideBuy {
			ack, submitErr = s.broker.PlaceBuy(ctx, d.Symbol, d.Qty, d.ReferencePrice, orderType)
		} else {
			ack, submitErr = s.broker.PlaceSell(ctx, d.Symbol, d.Qty, d.ReferencePrice, orderType)
		}

		if submitErr != nil || ack == nil || !ack.Accepted {
			if tErr := order.TransitionTo(models.OrderFailed, 0); tErr != nil {
				s.logger.Printf("orders: %s %s rejected but could not mark order_state failed: %v", side, d.Symbol, tErr)
			}
			if uErr := s.store.UpsertOrderState(ctx, order); uErr != nil {
				s.logger.Printf("orders: persisting failed order_state for %s: %v", d.Symbol, uErr)
			}

			if side == models.SideSell && isMarketClosedOrUnorderable(submitErr) {
				s.recordPendingExit(d.Symbol, d.ExitReason)
				return &SyncResult{Status: models.OrderFailed, IdempotencyKey: key, PendingExit: true}, nil
			}
			if submitErr != nil {
				return &SyncResult{Status: models.OrderFailed, IdempotencyKey: key}, submitErr
			}
			return &SyncResult{Status: models.OrderFailed, IdempotencyKey: key}, fmt.Errorf("orders: %s %s not accepted", side, d.Symbol)
		}

		order.BrokerOrderNo = ack.OrderNo
		if err := order.TransitionTo(models.OrderSubmitted, 0); err != nil {
			return nil, fmt.Errorf("orders: marking order_state submitted: %w", err)
		}
		if err := s.store.UpsertOrderState(ctx, order); err != nil {
			return nil, fmt.Errorf("orders: persisting submitted order_state: %w", err)
		}
	}

	exec, err := s.broker.WaitForExecution(ctx, order.BrokerOrderNo, order.RequestedQty, s.config.OrderTimeout)
	if err != nil {
		return nil, fmt.Errorf("orders: waiting for %s %s execution: %w", side, d.Symbol, err)
	}

	switch exec.Status {
	case broker.ExecFilled:
		if err := order.TransitionTo(models.OrderFilled, exec.FilledQty); err != nil {
			return nil, fmt.Errorf("orders: marking order_state filled: %w", err)
		}
		if err := s.commitExecution(ctx, d, side, order, exec); err != nil {
			return nil, err
		}
		if side == models.SideSell {
			s.ClearPendingExit(d.Symbol)
		}
		return &SyncResult{Status: models.OrderFilled, FilledQty: exec.FilledQty, AvgPrice: exec.AvgPrice, IdempotencyKey: key}, nil

	case broker.ExecPartial:
		// The broker's own wait loop already cancelled the remainder
		// before reporting PARTIAL, so the row is terminal here too.
		if err := order.TransitionTo(models.OrderPartial, exec.FilledQty); err != nil {
			return nil, fmt.Errorf("orders: marking order_state partial: %w", err)
		}
		if err := order.TransitionTo(models.OrderCancelled, exec.FilledQty); err != nil {
			return nil, fmt.Errorf("orders: closing out partial order_state: %w", err)
		}
		if exec.FilledQty > 0 {
			if err := s.commitExecution(ctx, d, side, order, exec); err != nil {
				return nil, err
			}
		} else if err := s.store.UpsertOrderState(ctx, order); err != nil {
			return nil, fmt.Errorf("orders: persisting cancelled order_state: %w", err)
		}
		return &SyncResult{Status: models.OrderPartial, FilledQty: exec.FilledQty, AvgPrice: exec.AvgPrice, IdempotencyKey: key}, nil

	default: // ExecTimeout, ExecCancelled
		if err := order.TransitionTo(models.OrderCancelled, 0); err != nil {
			return nil, fmt.Errorf("orders: marking order_state cancelled: %w", err)
		}
		if err := s.store.UpsertOrderState(ctx, order); err != nil {
			return nil, fmt.Errorf("orders: persisting cancelled order_state: %w", err)
		}
		return &SyncResult{Status: models.OrderCancelled, IdempotencyKey: key}, nil
	}
}

// commitExecution writes the order_state transition, the resulting trade
// and the position update for one decision in a single transaction.
func (s *Synchronizer) commitExecution(ctx context.Context, d Decision, side models.Side, order *models.OrderState, exec *broker.ExecutionResult) error {
	return s.store.RunInTransaction(ctx, func(tx *store.Store) error {
		if err := tx.UpsertOrderState(ctx, order); err != nil {
			return err
		}

		trade := &models.Trade{
			IdempotencyKey: order.IdempotencyKey,
			Symbol:         d.Symbol,
			Side:           side,
			ExecutedPrice:  exec.AvgPrice,
			Qty:            exec.FilledQty,
			ExecutedAt:     time.Now().UTC(),
			Reason:         d.ExitReason,
			BrokerOrderNo:  order.BrokerOrderNo,
			Mode:           d.Mode,
			PositionID:     d.PositionID,
		}

		pos, err := tx.GetPositionByID(ctx, d.PositionID)
		if err != nil {
			return err
		}
		if pos == nil {
			return fmt.Errorf("orders: position %s not found committing %s fill", d.PositionID, side)
		}
		pos.EnsureStateMachine()

		if side == models.SideBuy {
			if err := pos.StateMachine.Transition(models.StateEntered, "buy_filled"); err != nil {
				return fmt.Errorf("orders: position state transition: %w", err)
			}
			pos.State = models.StateEntered
			pos.EntryPrice = exec.AvgPrice
			pos.EntryTimestamp = trade.ExecutedAt
			pos.Quantity = exec.FilledQty
			pos.HighestPrice = exec.AvgPrice
			pos.StopLoss = d.StopLoss
			pos.TakeProfit = d.TakeProfit
			pos.AtrAtEntry = d.AtrAtEntry
			pos.TrailingStop = d.StopLoss
			pos.EntryOrderID = order.BrokerOrderNo
			if err := pos.ValidateEntryInvariant(); err != nil {
				return fmt.Errorf("orders: %w", err)
			}
		} else {
			trade.EntryReference = d.ReferencePrice
			if d.ReferencePrice > 0 {
				trade.PnL = util.PnL(d.ReferencePrice, exec.AvgPrice, exec.FilledQty)
				trade.PnLPct = util.PnLPercent(d.ReferencePrice, exec.AvgPrice)
			}
			if err := pos.StateMachine.Transition(models.StateExited, "sell_filled"); err != nil {
				return fmt.Errorf("orders: position state transition: %w", err)
			}
			pos.State = models.StateExited
			pos.ExitPrice = exec.AvgPrice
			pos.ExitTimestamp = trade.ExecutedAt
			pos.ExitReason = d.ExitReason
			pos.RealizedPnL = trade.PnL
			pos.ExitOrderID = order.BrokerOrderNo
		}

		if err := tx.InsertTrade(ctx, trade); err != nil {
			return err
		}
		return tx.UpsertPosition(ctx, pos)
	})
}

// isMarketClosedOrUnorderable classifies the broker rejection reasons the
// pending-exit backoff reacts to; every other rejection is a hard FAILED.
func isMarketClosedOrUnorderable(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "market closed") ||
		strings.Contains(msg, "market is closed") ||
		strings.Contains(msg, "not orderable") ||
		strings.Contains(msg, "trading halt")
}

// CleanupStale cancels order_state rows the execution loop's periodic
// sweep finds stuck: PENDING rows never submitted past 15 minutes, and
// any non-terminal row at all past 240 minutes.
func (s *Synchronizer) CleanupStale(ctx context.Context) error {
	orders, err := s.store.GetNonTerminalOrders(ctx)
	if err != nil {
		return fmt.Errorf("orders: listing non-terminal orders: %w", err)
	}

	now := time.Now().UTC()
	var errs []error
	for i := range orders {
		o := &orders[i]
		age := now.Sub(o.RequestedAt)

		stalePending := o.Status == models.OrderPending && o.BrokerOrderNo == "" && age > s.config.StalePendingAge
		staleAny := age > s.config.StaleNonTerminalAge
		if !stalePending && !staleAny {
			continue
		}

		if o.BrokerOrderNo != "" {
			if err := s.broker.CancelOrder(ctx, o.BrokerOrderNo); err != nil {
				s.logger.Printf("orders: best-effort cancel of stale order %s failed: %v", o.BrokerOrderNo, err)
			}
		}
		if err := o.TransitionTo(models.OrderCancelled, o.FilledQty); err != nil {
			errs = append(errs, fmt.Errorf("orders: stale cleanup transition for %s: %w", o.IdempotencyKey, err))
			continue
		}
		if err := s.store.UpsertOrderState(ctx, o); err != nil {
			errs = append(errs, fmt.Errorf("orders: persisting stale cleanup for %s: %w", o.IdempotencyKey, err))
		}
	}

	return errors.Join(errs...)
}
