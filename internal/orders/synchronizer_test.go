package orders

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/eddiefleurent/kistrend/internal/broker"
	"github.com/eddiefleurent/kistrend/internal/models"
	"github.com/eddiefleurent/kistrend/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pastTime() time.Time {
	return time.Now().UTC().Add(-20 * time.Minute)
}

func newTestSynchronizer(t *testing.T) (*Synchronizer, *store.Store, *broker.FakeBroker) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	fb := broker.NewFakeBroker()
	sync := NewSynchronizer(st, fb, nil)
	return sync, st, fb
}

// fillOnPlace wires a FakeBroker hook that accepts the order and marks it
// filled at price before the synchronizer's WaitForExecution call, since
// FakeBroker checks fill state once rather than polling over time.
func fillOnPlace(fb *broker.FakeBroker, price float64) func(string, int, float64, broker.OrderType) (*broker.OrderAck, error) {
	return func(symbol string, qty int, _ float64, _ broker.OrderType) (*broker.OrderAck, error) {
		ack, err := fb.Place(symbol, qty)
		if err == nil {
			fb.Fill(ack.OrderNo, qty, price)
		}
		return ack, err
	}
}

func TestSynchronizer_ExecuteBuy_Fills(t *testing.T) {
	sync, st, fb := newTestSynchronizer(t)
	ctx := context.Background()

	pos := models.NewPendingPosition("pos-1", "005930", models.ModePaper, 10)
	require.NoError(t, st.UpsertPosition(ctx, pos))
	fb.PlaceBuyFunc = fillOnPlace(fb, 71500)

	result, err := sync.ExecuteBuy(ctx, Decision{
		Mode:           models.ModePaper,
		Symbol:         "005930",
		Qty:            10,
		SignalID:       "sig-1",
		PositionID:     "pos-1",
		ReferencePrice: 71000,
		StopLoss:       69000,
		TakeProfit:     75000,
		AtrAtEntry:     800,
	})
	require.NoError(t, err)
	assert.Equal(t, models.OrderFilled, result.Status)
	assert.Equal(t, 10, result.FilledQty)

	got, err := st.GetPositionByID(ctx, "pos-1")
	require.NoError(t, err)
	assert.Equal(t, models.StateEntered, got.State)
	assert.Equal(t, 71500.0, got.EntryPrice)
	assert.Equal(t, 69000.0, got.StopLoss)
}

func TestSynchronizer_ExecuteBuy_IsIdempotentOnRetry(t *testing.T) {
	sync, st, fb := newTestSynchronizer(t)
	ctx := context.Background()

	pos := models.NewPendingPosition("pos-2", "000660", models.ModePaper, 5)
	require.NoError(t, st.UpsertPosition(ctx, pos))

	decision := Decision{
		Mode:           models.ModePaper,
		Symbol:         "000660",
		Qty:            5,
		SignalID:       "sig-2",
		PositionID:     "pos-2",
		ReferencePrice: 50000,
		StopLoss:       48000,
		TakeProfit:     53000,
	}

	// Never filled: the fake times out without a fill, so the order ends
	// up CANCELLED.
	first, err := sync.ExecuteBuy(ctx, decision)
	require.NoError(t, err)
	assert.Equal(t, models.OrderCancelled, first.Status)
	assert.Len(t, fb.Orders, 1)

	second, err := sync.ExecuteBuy(ctx, decision)
	require.NoError(t, err)
	assert.Equal(t, first.IdempotencyKey, second.IdempotencyKey)
	assert.Equal(t, models.OrderCancelled, second.Status)
	assert.Len(t, fb.Orders, 1, "a retried decision must not submit a second broker order")
}

func TestSynchronizer_ExecuteSell_RejectionRecordsPendingExit(t *testing.T) {
	sync, st, fb := newTestSynchronizer(t)
	ctx := context.Background()

	pos := models.NewPendingPosition("pos-3", "005930", models.ModePaper, 10)
	pos.State = models.StateEntered
	pos.EntryPrice = 71000
	require.NoError(t, st.UpsertPosition(ctx, pos))

	fb.PlaceSellFunc = func(symbol string, qty int, price float64, orderType broker.OrderType) (*broker.OrderAck, error) {
		return nil, errors.New("market closed")
	}

	result, err := sync.ExecuteSell(ctx, Decision{
		Mode:           models.ModePaper,
		Symbol:         "005930",
		Qty:            10,
		SignalID:       "sig-3",
		PositionID:     "pos-3",
		ReferencePrice: 71000,
		ExitReason:     models.ExitReasonATRStop,
	})
	require.NoError(t, err)
	assert.True(t, result.PendingExit)
	assert.Equal(t, models.OrderFailed, result.Status)

	waiting, readyToRetry := sync.IsPendingExit("005930")
	assert.True(t, waiting)
	assert.False(t, readyToRetry)
}

func TestSynchronizer_ExecuteSell_ComputesRealizedPnL(t *testing.T) {
	sync, st, fb := newTestSynchronizer(t)
	ctx := context.Background()

	pos := models.NewPendingPosition("pos-4", "005930", models.ModePaper, 10)
	pos.State = models.StateEntered
	pos.EntryPrice = 71000
	require.NoError(t, st.UpsertPosition(ctx, pos))
	fb.PlaceSellFunc = func(symbol string, qty int, price float64, orderType broker.OrderType) (*broker.OrderAck, error) {
		ack, err := fb.Place(symbol, qty)
		if err == nil {
			fb.Fill(ack.OrderNo, qty, 73500)
		}
		return ack, err
	}

	result, err := sync.ExecuteSell(ctx, Decision{
		Mode:           models.ModePaper,
		Symbol:         "005930",
		Qty:            10,
		SignalID:       "sig-4",
		PositionID:     "pos-4",
		ReferencePrice: 71000,
		ExitReason:     models.ExitReasonTakeProfit,
	})
	require.NoError(t, err)
	assert.Equal(t, models.OrderFilled, result.Status)

	got, err := st.GetPositionByID(ctx, "pos-4")
	require.NoError(t, err)
	assert.Equal(t, models.StateExited, got.State)
	assert.Equal(t, 25000.0, got.RealizedPnL)
}

func TestSynchronizer_CleanupStale_CancelsStuckPending(t *testing.T) {
	sync, st, _ := newTestSynchronizer(t)
	ctx := context.Background()

	stuck := &models.OrderState{
		IdempotencyKey: "stuck-key",
		Symbol:         "005930",
		Side:           models.SideBuy,
		RequestedQty:   10,
		RemainingQty:   10,
		Status:         models.OrderPending,
		Mode:           models.ModePaper,
		RequestedAt:    pastTime(),
	}
	require.NoError(t, st.UpsertOrderState(ctx, stuck))

	require.NoError(t, sync.CleanupStale(ctx))

	got, err := st.GetOrderState(ctx, "stuck-key")
	require.NoError(t, err)
	assert.Equal(t, models.OrderCancelled, got.Status)
}
