package broker

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
)

// CircuitBreakerBroker wraps a Broker so cascading failures (five
// consecutive failed calls) trip a breaker instead of hammering a broker
// that is already down.
type CircuitBreakerBroker struct {
	Broker
	cb *gobreaker.CircuitBreaker
}

// NewCircuitBreakerBroker wraps inner with a breaker that opens after five
// consecutive failures, independently of the client's own time-based
// network-outage flag, and probes again after a cooldown.
func NewCircuitBreakerBroker(inner Broker, name string) *CircuitBreakerBroker {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return &CircuitBreakerBroker{Broker: inner, cb: gobreaker.NewCircuitBreaker(settings)}
}

func (c *CircuitBreakerBroker) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	v, err := c.cb.Execute(func() (interface{}, error) {
		return c.Broker.GetCurrentPrice(ctx, symbol)
	})
	if err != nil {
		return 0, err
	}
	return v.(float64), nil
}

func (c *CircuitBreakerBroker) GetDailyOHLCV(ctx context.Context, symbol string, n int) ([]OHLCVBar, error) {
	v, err := c.cb.Execute(func() (interface{}, error) {
		return c.Broker.GetDailyOHLCV(ctx, symbol, n)
	})
	if err != nil {
		return nil, err
	}
	return v.([]OHLCVBar), nil
}

func (c *CircuitBreakerBroker) GetAccountBalance(ctx context.Context) (*AccountBalance, error) {
	v, err := c.cb.Execute(func() (interface{}, error) {
		return c.Broker.GetAccountBalance(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*AccountBalance), nil
}

// State exposes the breaker's current state for dashboard reporting.
func (c *CircuitBreakerBroker) State() gobreaker.State {
	return c.cb.State()
}

// Order submission and WaitForExecution deliberately bypass the breaker:
// the synchronizer's idempotency guarantee, not breaker-level retries, is
// what keeps order-submit calls safe (see internal/retry for the
// non-order backoff policy, which the breaker sits alongside).
