package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIdempotencyKey_DeterministicAndUnique(t *testing.T) {
	a := IdempotencyKey("PAPER", "BUY", "005930", 10, "sig-1")
	b := IdempotencyKey("PAPER", "BUY", "005930", 10, "sig-1")
	c := IdempotencyKey("PAPER", "BUY", "005930", 11, "sig-1")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Len(t, a, 64)
}
