package broker

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// FakeBroker is a deterministic in-memory Broker used by tests across
// packages (orders, reconcile, risk), mirroring the teacher's
// internal/mock fake-collaborator idiom.
type FakeBroker struct {
	mu sync.Mutex

	Prices   map[string]float64
	Bars     map[string][]OHLCVBar
	Balance  AccountBalance
	Outage   bool

	NextOrderNo int
	Orders      map[string]*fakeOrder

	PlaceBuyFunc  func(symbol string, qty int, price float64, orderType OrderType) (*OrderAck, error)
	PlaceSellFunc func(symbol string, qty int, price float64, orderType OrderType) (*OrderAck, error)
}

type fakeOrder struct {
	symbol    string
	qty       int
	filledQty int
	avgPrice  float64
	cancelled bool
}

// NewFakeBroker returns a FakeBroker with empty maps ready for use.
func NewFakeBroker() *FakeBroker {
	return &FakeBroker{
		Prices: make(map[string]float64),
		Bars:   make(map[string][]OHLCVBar),
		Orders: make(map[string]*fakeOrder),
	}
}

func (f *FakeBroker) GetAccessToken(ctx context.Context) (string, error) {
	return "fake-token", nil
}

func (f *FakeBroker) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Prices[symbol], nil
}

func (f *FakeBroker) GetDailyOHLCV(ctx context.Context, symbol string, n int) ([]OHLCVBar, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bars := f.Bars[symbol]
	if len(bars) > n {
		bars = bars[:n]
	}
	return bars, nil
}

func (f *FakeBroker) GetAccountBalance(ctx context.Context) (*AccountBalance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bal := f.Balance
	return &bal, nil
}

func (f *FakeBroker) PlaceBuy(ctx context.Context, symbol string, qty int, price float64, orderType OrderType) (*OrderAck, error) {
	if f.PlaceBuyFunc != nil {
		return f.PlaceBuyFunc(symbol, qty, price, orderType)
	}
	return f.place(symbol, qty)
}

func (f *FakeBroker) PlaceSell(ctx context.Context, symbol string, qty int, price float64, orderType OrderType) (*OrderAck, error) {
	if f.PlaceSellFunc != nil {
		return f.PlaceSellFunc(symbol, qty, price, orderType)
	}
	return f.place(symbol, qty)
}

// Place exposes the default order-acceptance behavior to tests that need
// to place-then-immediately-fill inside a PlaceBuyFunc/PlaceSellFunc hook.
func (f *FakeBroker) Place(symbol string, qty int) (*OrderAck, error) {
	return f.place(symbol, qty)
}

func (f *FakeBroker) place(symbol string, qty int) (*OrderAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.NextOrderNo++
	orderNo := strconv.Itoa(f.NextOrderNo)
	f.Orders[orderNo] = &fakeOrder{symbol: symbol, qty: qty}
	return &OrderAck{Accepted: true, OrderNo: orderNo}, nil
}

// Fill marks qty shares filled against orderNo at price, for tests to
// drive WaitForExecution outcomes.
func (f *FakeBroker) Fill(orderNo string, qty int, price float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.Orders[orderNo]; ok {
		o.filledQty = qty
		o.avgPrice = price
	}
}

func (f *FakeBroker) WaitForExecution(ctx context.Context, orderNo string, expectedQty int, timeout time.Duration) (*ExecutionResult, error) {
	f.mu.Lock()
	o, ok := f.Orders[orderNo]
	f.mu.Unlock()
	if !ok {
		return &ExecutionResult{Status: ExecTimeout}, nil
	}
	if o.filledQty >= expectedQty {
		return &ExecutionResult{Status: ExecFilled, FilledQty: o.filledQty, AvgPrice: o.avgPrice}, nil
	}
	if o.filledQty > 0 {
		return &ExecutionResult{Status: ExecPartial, FilledQty: o.filledQty, AvgPrice: o.avgPrice}, nil
	}
	return &ExecutionResult{Status: ExecTimeout, FilledQty: 0}, nil
}

func (f *FakeBroker) CancelOrder(ctx context.Context, orderNo string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if o, ok := f.Orders[orderNo]; ok {
		o.cancelled = true
	}
	return nil
}

func (f *FakeBroker) IsNetworkOutage() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Outage
}
