package retry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Do_SucceedsFirstTry(t *testing.T) {
	c := NewClient(nil, Config{MaxRetries: 2})
	calls := 0
	err := c.Do(context.Background(), "quote", func(ctx context.Context) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestClient_Do_RetriesTransientThenSucceeds(t *testing.T) {
	c := NewClient(nil, Config{MaxRetries: 2, InitialBackoff: 1, MaxBackoff: 2})
	calls := 0
	err := c.Do(context.Background(), "quote", func(ctx context.Context) error {
		calls++
		if calls < 2 {
			return errors.New("connection reset")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestClient_Do_DoesNotRetryNonTransient(t *testing.T) {
	c := NewClient(nil, Config{MaxRetries: 2})
	calls := 0
	err := c.Do(context.Background(), "quote", func(ctx context.Context) error {
		calls++
		return errors.New("invalid symbol")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestClient_Do_ExhaustsRetries(t *testing.T) {
	c := NewClient(nil, Config{MaxRetries: 2, InitialBackoff: 1, MaxBackoff: 2})
	calls := 0
	err := c.Do(context.Background(), "quote", func(ctx context.Context) error {
		calls++
		return errors.New("503 service unavailable")
	})
	assert.Error(t, err)
	assert.Equal(t, 3, calls)
}

func TestIsTransientError(t *testing.T) {
	assert.True(t, IsTransientError(errors.New("dial tcp: connection refused")))
	assert.True(t, IsTransientError(errors.New("429 too many requests")))
	assert.False(t, IsTransientError(errors.New("invalid quantity")))
	assert.False(t, IsTransientError(nil))
}
