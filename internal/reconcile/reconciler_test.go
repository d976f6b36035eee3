package reconcile

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/eddiefleurent/kistrend/internal/broker"
	"github.com/eddiefleurent/kistrend/internal/models"
	"github.com/eddiefleurent/kistrend/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestReconciler(t *testing.T) (*Reconciler, *store.Store, *store.FileCache, *broker.FakeBroker) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	fc, err := store.NewFileCache(filepath.Join(t.TempDir(), "positions.json"))
	require.NoError(t, err)

	fb := broker.NewFakeBroker()
	r := New(fb, st, fc, nil, nil, models.ModePaper)
	return r, st, fc, fb
}

func TestReconciler_UntrackedHolding_AdoptsAsRecovered(t *testing.T) {
	r, st, _, fb := newTestReconciler(t)
	ctx := context.Background()

	fb.Balance = broker.AccountBalance{
		Holdings: []broker.Holding{{Symbol: "005930", Qty: 10, AvgPrice: 71000, CurrentPrice: 72000}},
	}

	report, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"005930"}, report.UntrackedHoldings)

	pos, err := st.GetOpenPositionBySymbol(ctx, "005930", models.ModePaper)
	require.NoError(t, err)
	require.NotNil(t, pos)
	assert.Equal(t, 10, pos.Quantity)
	assert.Equal(t, 71000.0, pos.EntryPrice)
}

func TestReconciler_PresentInFileAbsentInBroker_MarksRecoveredMissing(t *testing.T) {
	r, st, fc, _ := newTestReconciler(t)
	ctx := context.Background()

	pos := models.NewPendingPosition("pos-1", "000660", models.ModePaper, 5)
	pos.State = models.StateEntered
	require.NoError(t, st.UpsertPosition(ctx, pos))
	require.NoError(t, fc.Save([]models.Position{*pos}))

	report, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"000660"}, report.RecoveredMissing)

	got, err := st.GetPositionByID(ctx, "pos-1")
	require.NoError(t, err)
	assert.Equal(t, models.StateExited, got.State)
	assert.Equal(t, models.ExitReasonRecoveredMiss, got.ExitReason)
}

func TestReconciler_QtyMatch_AdoptsAvgPriceAndPnL(t *testing.T) {
	r, st, fc, fb := newTestReconciler(t)
	ctx := context.Background()

	pos := models.NewPendingPosition("pos-2", "005930", models.ModePaper, 10)
	pos.State = models.StateEntered
	pos.EntryPrice = 70000
	pos.AtrAtEntry = 900
	require.NoError(t, st.UpsertPosition(ctx, pos))
	require.NoError(t, fc.Save([]models.Position{*pos}))

	fb.Balance = broker.AccountBalance{
		Holdings: []broker.Holding{{Symbol: "005930", Qty: 10, AvgPrice: 71000, CurrentPrice: 73000}},
	}

	report, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"005930"}, report.Adopted)
	assert.Equal(t, []string{"005930"}, report.OK)

	got, err := st.GetPositionByID(ctx, "pos-2")
	require.NoError(t, err)
	assert.Equal(t, 71000.0, got.EntryPrice)
	assert.Equal(t, 20000.0, got.CurrentPnL)
	assert.Equal(t, 900.0, got.AtrAtEntry, "ATR-at-entry must never be recomputed during reconciliation")
}

func TestReconciler_QtyMismatch_TakesBrokerQtyAndFlagsCritical(t *testing.T) {
	r, st, fc, fb := newTestReconciler(t)
	ctx := context.Background()

	pos := models.NewPendingPosition("pos-3", "005930", models.ModePaper, 10)
	pos.State = models.StateEntered
	pos.EntryPrice = 70000
	pos.StopLoss = 68000
	pos.TakeProfit = 74000
	require.NoError(t, st.UpsertPosition(ctx, pos))
	require.NoError(t, fc.Save([]models.Position{*pos}))

	fb.Balance = broker.AccountBalance{
		Holdings: []broker.Holding{{Symbol: "005930", Qty: 7, AvgPrice: 71000, CurrentPrice: 73000}},
	}

	report, err := r.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"005930"}, report.CriticalMismatch)

	got, err := st.GetPositionByID(ctx, "pos-3")
	require.NoError(t, err)
	assert.Equal(t, 7, got.Quantity)
	assert.Equal(t, 68000.0, got.StopLoss, "stop-loss must be kept, not recomputed, on a qty mismatch")
	assert.Equal(t, 74000.0, got.TakeProfit)
}
