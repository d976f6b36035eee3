package broker

import (
	"context"
	"errors"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
)

func TestCircuitBreakerBroker_PassesThroughOnSuccess(t *testing.T) {
	fake := NewFakeBroker()
	fake.Prices["005930"] = 71000
	cb := NewCircuitBreakerBroker(fake, "test")

	price, err := cb.GetCurrentPrice(context.Background(), "005930")
	assert.NoError(t, err)
	assert.Equal(t, 71000.0, price)
	assert.Equal(t, gobreaker.StateClosed, cb.State())
}

type failingBroker struct {
	*FakeBroker
}

func (f *failingBroker) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	return 0, errors.New("boom")
}

func TestCircuitBreakerBroker_TripsAfterConsecutiveFailures(t *testing.T) {
	cb := NewCircuitBreakerBroker(&failingBroker{FakeBroker: NewFakeBroker()}, "test")

	for i := 0; i < 5; i++ {
		_, _ = cb.GetCurrentPrice(context.Background(), "005930")
	}
	assert.Equal(t, gobreaker.StateOpen, cb.State())
}
