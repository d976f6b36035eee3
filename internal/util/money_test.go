package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPnL(t *testing.T) {
	assert.Equal(t, 25000.0, PnL(71000, 73500, 10))
	assert.Equal(t, -25000.0, PnL(73500, 71000, 10))
}

func TestPnLPercent(t *testing.T) {
	assert.InDelta(t, 3.52, PnLPercent(71000, 73500), 0.01)
	assert.Equal(t, 0.0, PnLPercent(0, 100))
}

func TestNotionalValue(t *testing.T) {
	assert.Equal(t, 710000.0, NotionalValue(71000, 10))
}
