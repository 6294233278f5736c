package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"dmserver/internal/models"

	"github.com/stretchr/testify/assert"
)

func fastConfig(attempts int) BackoffConfig {
	return BackoffConfig{
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
		MaxAttempts:  attempts,
	}
}

func TestBackoff_Retry(t *testing.T) {
	tests := []struct {
		name          string
		attempts      int
		failures      int
		expectErr     bool
		expectedCalls int
	}{
		{"first attempt succeeds", 3, 0, false, 1},
		{"succeeds on last attempt", 3, 2, false, 3},
		{"exhausts attempts", 3, 5, true, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			err := NewBackoff(fastConfig(tt.attempts)).Retry(context.Background(), func() error {
				calls++
				if calls <= tt.failures {
					return errors.New("kafka unavailable")
				}
				return nil
			})

			assert.Equal(t, tt.expectErr, err != nil)
			assert.Equal(t, tt.expectedCalls, calls)
		})
	}
}

func TestBackoff_RetryWithPredicate_StopsOnPermanentError(t *testing.T) {
	permanent := errors.New("message too large")
	calls := 0

	err := NewBackoff(fastConfig(5)).RetryWithPredicate(context.Background(), func() error {
		calls++
		return permanent
	}, func(err error) bool { return !errors.Is(err, permanent) })

	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestBackoff_RetryHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := fastConfig(10)
	cfg.InitialDelay = time.Hour
	cfg.MaxDelay = time.Hour

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	err := NewBackoff(cfg).Retry(ctx, func() error { return errors.New("fail") })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestBackoff_CalculateDelay(t *testing.T) {
	b := NewBackoff(BackoffConfig{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2, MaxAttempts: 5})

	assert.Equal(t, 100*time.Millisecond, b.GetNextDelay(1))
	assert.Equal(t, 200*time.Millisecond, b.GetNextDelay(2))
	assert.Equal(t, 400*time.Millisecond, b.GetNextDelay(3))
	assert.Equal(t, time.Second, b.GetNextDelay(10))
}

func TestBackoff_JitterStaysInBounds(t *testing.T) {
	b := NewBackoff(BackoffConfig{InitialDelay: 100 * time.Millisecond, MaxDelay: time.Second, Multiplier: 2, MaxAttempts: 5, Jitter: true})

	for i := 0; i < 100; i++ {
		d := b.GetNextDelay(2)
		assert.GreaterOrEqual(t, d, 150*time.Millisecond)
		assert.LessOrEqual(t, d, 250*time.Millisecond)
	}
}

func TestFromConfig(t *testing.T) {
	cfg := FromConfig(models.RetryConfig{InitialBackoffMs: 200, MaxBackoffMs: 5000, MaxAttempts: 4})
	assert.Equal(t, 200*time.Millisecond, cfg.InitialDelay)
	assert.Equal(t, 5*time.Second, cfg.MaxDelay)
	assert.Equal(t, 4, cfg.MaxAttempts)
	assert.NoError(t, cfg.Validate())

	defaults := FromConfig(models.RetryConfig{})
	assert.Equal(t, DefaultBackoffConfig(), defaults)
}

func TestBackoffConfig_Validate(t *testing.T) {
	assert.Error(t, BackoffConfig{MaxAttempts: 0, Multiplier: 2}.Validate())
	assert.Error(t, BackoffConfig{MaxAttempts: 1, Multiplier: 0.5}.Validate())
	assert.Error(t, BackoffConfig{MaxAttempts: 1, Multiplier: 2, InitialDelay: time.Second, MaxDelay: time.Millisecond}.Validate())
}
