// Package reconcile implements the three-way comparison between broker
// holdings, the file-cached position snapshot, and the durable store that
// runs on startup and whenever a cleared network-outage flag demands a
// fresh read of the world before trading resumes.
package reconcile

import (
	"context"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/eddiefleurent/kistrend/internal/broker"
	"github.com/eddiefleurent/kistrend/internal/models"
	"github.com/eddiefleurent/kistrend/internal/store"
	"github.com/google/uuid"
)

// Notifier is the minimal alerting surface the reconciler needs. It is
// satisfied structurally by internal/notifier's implementations without
// either package importing the other.
type Notifier interface {
	Notify(ctx context.Context, severity, kind, message string)
}

type noopNotifier struct{}

func (noopNotifier) Notify(context.Context, string, string, string) {}

// fetchTimeout bounds the broker holdings call so a slow broker never
// stalls the startup reconciliation pass indefinitely.
const fetchTimeout = 8 * time.Second

// Report summarizes one reconciliation pass for the caller (the startup
// log line, or cmd/reconcile's human-readable diff).
type Report struct {
	OK                []string
	UntrackedHoldings []string
	RecoveredMissing  []string
	Adopted           []string
	CriticalMismatch  []string
	SoftErrors        []error
}

// Reconciler compares broker, file and store state for one mode.
type Reconciler struct {
	broker    broker.Broker
	store     *store.Store
	fileCache *store.FileCache
	notifier  Notifier
	logger    *log.Logger
	mode      models.Mode

	coldStartOnce sync.Once
}

// New builds a Reconciler for one mode. A nil notifier uses a no-op; a
// nil logger defaults to stderr.
func New(brk broker.Broker, st *store.Store, fileCache *store.FileCache, notifier Notifier, logger *log.Logger, mode models.Mode) *Reconciler {
	if notifier == nil {
		notifier = noopNotifier{}
	}
	if logger == nil {
		logger = log.New(os.Stderr, "reconcile: ", log.LstdFlags)
	}
	return &Reconciler{
		broker:    brk,
		store:     st,
		fileCache: fileCache,
		notifier:  notifier,
		logger:    logger,
		mode:      mode,
	}
}

// Reconcile runs the full three-way comparison and returns a Report.
// Individual store-upsert failures are soft: logged and accumulated in
// SoftErrors, never surfaced as a notification or a returned error.
func (r *Reconciler) Reconcile(ctx context.Context) (*Report, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	balance, err := r.broker.GetAccountBalance(fetchCtx)
	if err != nil {
		return nil, fmt.Errorf("reconcile: loading broker holdings: %w", err)
	}
	brokerBySymbol := make(map[string]broker.Holding, len(balance.Holdings))
	for _, h := range balance.Holdings {
		brokerBySymbol[h.Symbol] = h
	}

	var filePositions []models.Position
	if err := r.fileCache.Load(&filePositions); err != nil {
		r.logger.Printf("reconcile: loading file cache failed, treating as empty: %v", err)
		filePositions = nil
	}
	fileBySymbol := make(map[string]models.Position, len(filePositions))
	for _, p := range filePositions {
		fileBySymbol[p.Symbol] = p
	}

	storePositions, err := r.store.GetOpenPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("reconcile: loading store positions: %w", err)
	}
	storeBySymbol := make(map[string]models.Position, len(storePositions))
	for _, p := range storePositions {
		if p.Mode == r.mode {
			storeBySymbol[p.Symbol] = p
		}
	}

	if len(fileBySymbol) == 0 && len(brokerBySymbol) > 0 {
		r.coldStartOnce.Do(func() {
			r.logger.Printf("cold start: no cached positions but broker holds %d symbols", len(brokerBySymbol))
		})
	}

	symbols := make(map[string]struct{}, len(fileBySymbol)+len(brokerBySymbol))
	for s := range fileBySymbol {
		symbols[s] = struct{}{}
	}
	for s := range brokerBySymbol {
		symbols[s] = struct{}{}
	}

	report := &Report{}
	var finalPositions []models.Position

	for symbol := range symbols {
		filePos, inFile := fileBySymbol[symbol]
		brokerHolding, inBroker := brokerBySymbol[symbol]

		switch {
		case !inFile && inBroker:
			r.logger.Printf("UNTRACKED_HOLDING: %s present in broker (%d @ %.2f) with no local record", symbol, brokerHolding.Qty, brokerHolding.AvgPrice)
			recovered := r.recoverHolding(symbol, brokerHolding)
			if err := r.store.UpsertPosition(ctx, recovered); err != nil {
				report.SoftErrors = append(report.SoftErrors, fmt.Errorf("upserting recovered position %s: %w", symbol, err))
				r.logger.Printf("reconcile: soft failure upserting recovered position %s: %v", symbol, err)
			}
			finalPositions = append(finalPositions, *recovered)
			report.UntrackedHoldings = append(report.UntrackedHoldings, symbol)
			r.notifier.Notify(ctx, "WARNING", "UNTRACKED_HOLDING", fmt.Sprintf("%s: broker holds %d shares with no local record, adopted as recovered position", symbol, brokerHolding.Qty))

		case inFile && !inBroker:
			r.logger.Printf("RECOVERED_MISSING: %s present locally but absent from broker, broker is truth", symbol)
			if stored, ok := storeBySymbol[symbol]; ok {
				stored.EnsureStateMachine()
				if err := stored.StateMachine.Transition(models.StateExited, "recovered_missing"); err != nil {
					report.SoftErrors = append(report.SoftErrors, fmt.Errorf("transitioning %s to exited: %w", symbol, err))
					r.logger.Printf("reconcile: soft failure transitioning %s: %v", symbol, err)
					continue
				}
				stored.State = models.StateExited
				stored.ExitReason = models.ExitReasonRecoveredMiss
				stored.ExitTimestamp = time.Now().UTC()
				if err := r.store.UpsertPosition(ctx, &stored); err != nil {
					report.SoftErrors = append(report.SoftErrors, fmt.Errorf("upserting exited position %s: %w", symbol, err))
					r.logger.Printf("reconcile: soft failure upserting %s: %v", symbol, err)
				}
			}
			// The file entry is dropped by omission from finalPositions.
			report.RecoveredMissing = append(report.RecoveredMissing, symbol)

		default:
			stored, haveStore := storeBySymbol[symbol]
			if !haveStore {
				stored = filePos
			}
			qtyMatches := stored.Quantity == brokerHolding.Qty

			stored.EntryPrice = brokerHolding.AvgPrice
			if qtyMatches {
				stored.CurrentPnL = float64(stored.Quantity) * (brokerHolding.CurrentPrice - brokerHolding.AvgPrice)
				report.Adopted = append(report.Adopted, symbol)
			} else {
				r.logger.Printf("CRITICAL_MISMATCH: %s store qty %d != broker qty %d, taking broker qty", symbol, stored.Quantity, brokerHolding.Qty)
				stored.Quantity = brokerHolding.Qty
				report.CriticalMismatch = append(report.CriticalMismatch, symbol)
				r.notifier.Notify(ctx, "ERROR", "CRITICAL_MISMATCH", fmt.Sprintf("%s: store/broker quantity mismatch, adopted broker qty %d", symbol, brokerHolding.Qty))
			}
			stored.State = models.StateEntered
			stored.EnsureStateMachine()

			if err := r.store.UpsertPosition(ctx, &stored); err != nil {
				report.SoftErrors = append(report.SoftErrors, fmt.Errorf("upserting reconciled position %s: %w", symbol, err))
				r.logger.Printf("reconcile: soft failure upserting %s: %v", symbol, err)
			}
			finalPositions = append(finalPositions, stored)
			if qtyMatches {
				report.OK = append(report.OK, symbol)
			}
		}
	}

	if err := r.fileCache.Save(finalPositions); err != nil {
		r.logger.Printf("reconcile: saving file cache failed: %v", err)
	}

	return report, nil
}

// recoverHolding builds a fresh Position for a broker holding with no
// local record. The entry bracket is unknown, so stop/take-profit are
// left at zero and are not re-derived later; the position is recorded as
// ENTERED immediately so it is never silently untracked again.
func (r *Reconciler) recoverHolding(symbol string, h broker.Holding) *models.Position {
	pos := models.NewPendingPosition(uuid.New().String(), symbol, r.mode, h.Qty)
	pos.State = models.StateEntered
	pos.EntryPrice = h.AvgPrice
	pos.EntryTimestamp = time.Now().UTC()
	pos.HighestPrice = h.CurrentPrice
	pos.CurrentPnL = float64(h.Qty) * (h.CurrentPrice - h.AvgPrice)
	pos.StateMachine = models.NewStateMachineFromState(models.StatePending)
	if err := pos.StateMachine.Transition(models.StateEntered, "buy_filled"); err != nil {
		r.logger.Printf("reconcile: unexpected state transition failure recovering %s: %v", symbol, err)
	}
	return pos
}
