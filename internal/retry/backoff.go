package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"dmserver/internal/models"
)

// BackoffConfig contains configuration for exponential backoff. It doubles as
// the retry policy handed to the transcription queue.
type BackoffConfig struct {
	InitialDelay time.Duration `json:"initial_delay"`
	MaxDelay     time.Duration `json:"max_delay"`
	Multiplier   float64       `json:"multiplier"`
	MaxAttempts  int           `json:"max_attempts"`
	Jitter       bool          `json:"jitter"`
}

// DefaultBackoffConfig returns a sensible default configuration
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     30 * time.Second,
		Multiplier:   2.0,
		MaxAttempts:  5,
		Jitter:       true,
	}
}

// FromConfig builds a backoff policy from the retry section of the config file,
// falling back to the defaults for unset values.
func FromConfig(cfg models.RetryConfig) BackoffConfig {
	out := DefaultBackoffConfig()
	if cfg.InitialBackoffMs > 0 {
		out.InitialDelay = time.Duration(cfg.InitialBackoffMs) * time.Millisecond
	}
	if cfg.MaxBackoffMs > 0 {
		out.MaxDelay = time.Duration(cfg.MaxBackoffMs) * time.Millisecond
	}
	if cfg.MaxAttempts > 0 {
		out.MaxAttempts = cfg.MaxAttempts
	}
	return out
}

// Validate checks the config is usable
func (c BackoffConfig) Validate() error {
	switch {
	case c.MaxAttempts < 1:
		return fmt.Errorf("max attempts must be at least 1")
	case c.InitialDelay < 0 || c.MaxDelay < 0:
		return fmt.Errorf("delays must not be negative")
	case c.MaxDelay < c.InitialDelay:
		return fmt.Errorf("max delay must not be below initial delay")
	case c.Multiplier < 1:
		return fmt.Errorf("multiplier must be at least 1")
	}
	return nil
}

// Backoff implements exponential backoff with optional jitter
type Backoff struct {
	config BackoffConfig
}

func NewBackoff(config BackoffConfig) *Backoff {
	return &Backoff{config: config}
}

// Retry executes the operation until it succeeds or attempts run out
func (b *Backoff) Retry(ctx context.Context, operation func() error) error {
	return b.RetryWithPredicate(ctx, operation, func(error) bool { return true })
}

// RetryWithPredicate retries only errors isRetryable accepts
func (b *Backoff) RetryWithPredicate(ctx context.Context, operation func() error, isRetryable func(error) bool) error {
	var lastErr error

	for attempt := 1; attempt <= b.config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := operation()
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryable(err) {
			return err
		}
		if attempt == b.config.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.calculateDelay(attempt)):
		}
	}

	return lastErr
}

func (b *Backoff) calculateDelay(attempt int) time.Duration {
	delay := float64(b.config.InitialDelay) * math.Pow(b.config.Multiplier, float64(attempt-1))
	if delay > float64(b.config.MaxDelay) {
		delay = float64(b.config.MaxDelay)
	}

	// +-25%
	if b.config.Jitter {
		delay += (secureFloat64() - 0.5) * 0.5 * delay
		if delay < 0 {
			delay = float64(b.config.InitialDelay)
		}
		if delay > float64(b.config.MaxDelay) {
			delay = float64(b.config.MaxDelay)
		}
	}

	return time.Duration(delay)
}

// GetNextDelay returns the delay that would be used for the given attempt
func (b *Backoff) GetNextDelay(attempt int) time.Duration {
	return b.calculateDelay(attempt)
}

// secureFloat64 returns a value in [0, 1) from crypto/rand
func secureFloat64() float64 {
	var buf [8]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return float64(time.Now().UnixNano()%1000000) / 1000000.0
	}
	return float64(binary.BigEndian.Uint64(buf[:])>>11) / float64(1<<53)
}
