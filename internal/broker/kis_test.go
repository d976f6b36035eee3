package broker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestToken_ValidFor(t *testing.T) {
	now := time.Date(2026, 7, 31, 10, 0, 0, 0, time.UTC)

	fresh := token{
		accessToken: "abc",
		expiresAt:   now.Add(1 * time.Hour),
		issuedDay:   now.Format("2006-01-02"),
	}
	assert.True(t, fresh.validFor(now))

	nearExpiry := token{
		accessToken: "abc",
		expiresAt:   now.Add(5 * time.Minute),
		issuedDay:   now.Format("2006-01-02"),
	}
	assert.False(t, nearExpiry.validFor(now))

	staleDay := token{
		accessToken: "abc",
		expiresAt:   now.Add(1 * time.Hour),
		issuedDay:   now.Add(-24 * time.Hour).Format("2006-01-02"),
	}
	assert.False(t, staleDay.validFor(now))

	empty := token{}
	assert.False(t, empty.validFor(now))
}

func TestKISClient_IsNetworkOutage_TripsAfterThreshold(t *testing.T) {
	k := NewKISClient("http://example.invalid", "key", "secret", "acct", 10, nil)

	k.recordResult(assert.AnError)
	assert.False(t, k.IsNetworkOutage(), "should not trip immediately on first failure")

	k.failMu.Lock()
	k.firstFailedAt = time.Now().Add(-61 * time.Second)
	k.failMu.Unlock()
	k.recordResult(assert.AnError)
	assert.True(t, k.IsNetworkOutage())

	k.recordResult(nil)
	assert.False(t, k.IsNetworkOutage(), "a success clears the outage flag")
}

func TestParseTick_IgnoresJSONControlFrames(t *testing.T) {
	_, ok := parseTick([]byte(`{"header":{"tr_id":"PINGPONG"}}`))
	assert.False(t, ok)
}

func TestParseTick_ParsesPipeDelimitedQuote(t *testing.T) {
	msg := "0|H0STCNT0|001|005930^093000^71000^..."
	tick, ok := parseTick([]byte(msg))
	assert.True(t, ok)
	assert.Equal(t, "005930", tick.Symbol)
	assert.Equal(t, 71000.0, tick.Price)
}
