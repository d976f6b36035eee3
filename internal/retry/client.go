// Package retry provides exponential-backoff-with-jitter retry logic for
// non-order broker operations. Order-submit calls must never pass
// through this package: a retried submit risks a duplicate fill, so
// retries on those happen only via the order synchronizer's idempotency
// lookup after a confirmed terminal state.
package retry

import (
	"context"
	"crypto/rand"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"
)

// Config contains retry configuration parameters.
type Config struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Timeout        time.Duration
}

// DefaultConfig provides sensible defaults for non-order broker calls,
// matching the three-retry (four-attempt) exponential-backoff policy.
var DefaultConfig = Config{
	MaxRetries:     3,
	InitialBackoff: 1 * time.Second,
	MaxBackoff:     30 * time.Second,
	Timeout:        45 * time.Second,
}

// Client wraps arbitrary non-order broker calls with retry logic.
type Client struct {
	logger *log.Logger
	config Config
}

// NewClient creates a new retry client with the given optional config.
func NewClient(logger *log.Logger, config ...Config) *Client {
	cfg := DefaultConfig
	if len(config) > 0 {
		cfg = config[0]
	}
	if logger == nil {
		logger = log.Default()
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = DefaultConfig.MaxRetries
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultConfig.InitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultConfig.MaxBackoff
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig.Timeout
	}
	if cfg.MaxBackoff < cfg.InitialBackoff {
		cfg.MaxBackoff = cfg.InitialBackoff
	}
	return &Client{logger: logger, config: cfg}
}

// Do retries fn up to MaxRetries times with exponential backoff and
// jitter, but only while isTransient(err) holds; the context passed to
// fn carries the per-call deadline derived from config.Timeout.
func (c *Client) Do(ctx context.Context, label string, fn func(context.Context) error) error {
	callCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	var lastErr error
	backoff := c.config.InitialBackoff

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		select {
		case <-callCtx.Done():
			return fmt.Errorf("retry: %s timed out after %v: %w", label, c.config.Timeout, callCtx.Err())
		default:
		}

		err := fn(callCtx)
		if err == nil {
			return nil
		}
		lastErr = err
		c.logger.Printf("retry: %s attempt %d/%d failed: %v", label, attempt+1, c.config.MaxRetries+1, err)

		if IsTransientError(err) && attempt < c.config.MaxRetries {
			c.logger.Printf("retry: %s transient error, retrying in %v", label, backoff)
			select {
			case <-time.After(backoff):
				backoff = c.calculateNextBackoff(backoff)
			case <-callCtx.Done():
				return fmt.Errorf("retry: %s timed out during backoff: %w", label, callCtx.Err())
			}
		} else {
			break
		}
	}

	return fmt.Errorf("retry: %s failed after %d attempts: %w", label, c.config.MaxRetries+1, lastErr)
}

func (c *Client) calculateNextBackoff(currentBackoff time.Duration) time.Duration {
	backoff := time.Duration(float64(currentBackoff) * 2)
	if backoff > c.config.MaxBackoff {
		backoff = c.config.MaxBackoff
	}

	maxJitter := int64(backoff / 4)
	if maxJitter > 0 {
		jitterVal, err := rand.Int(rand.Reader, big.NewInt(maxJitter))
		if err != nil {
			c.logger.Printf("retry: failed to generate jitter: %v", err)
		} else {
			backoff += time.Duration(jitterVal.Int64())
		}
	}
	return backoff
}

// IsTransientError classifies an error as safe to retry: network/timeout
// conditions and common 5xx/429 responses.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())

	transientPatterns := []string{
		"timeout",
		"i/o timeout",
		"connection refused",
		"connection reset",
		"temporary failure",
		"temporarily unavailable",
		"server error",
		"rate limit",
		"429",
		"502",
		"503",
		"504",
		"network",
		"dns",
		"tcp",
		"no such host",
		"deadline exceeded",
		"tls handshake",
		"broken pipe",
		"eof",
	}
	for _, pattern := range transientPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
