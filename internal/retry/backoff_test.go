package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWithRetry_Success_FirstAttempt(t *testing.T) {
	cfg := Config{
		MaxAttempts: 3,
		Delays:      []time.Duration{10 * time.Millisecond},
	}

	attempts := 0
	err := WithRetry(context.Background(), cfg, func(context.Context) error {
		attempts++
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestWithRetry_Success_AfterRetries(t *testing.T) {
	cfg := Config{
		MaxAttempts: 3,
		Delays:      []time.Duration{10 * time.Millisecond, 20 * time.Millisecond},
	}

	attempts := 0
	err := WithRetry(context.Background(), cfg, func(context.Context) error {
		attempts++
		if attempts < 3 {
			return errors.New("transient error")
		}
		return nil
	})

	assert.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestWithRetry_ExhaustedAttempts(t *testing.T) {
	cfg := Config{
		MaxAttempts: 3,
		Delays:      []time.Duration{5 * time.Millisecond, 5 * time.Millisecond},
	}

	attempts := 0
	err := WithRetry(context.Background(), cfg, func(context.Context) error {
		attempts++
		return errors.New("persistent error")
	})

	assert.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Contains(t, err.Error(), "failed after 3 attempts")
	assert.Contains(t, err.Error(), "persistent error")
}

func TestWithRetry_PermanentErrorStopsImmediately(t *testing.T) {
	cfg := Config{
		MaxAttempts: 5,
		Delays:      []time.Duration{5 * time.Millisecond},
	}

	sentinel := errors.New("bad request")
	attempts := 0
	err := WithRetry(context.Background(), cfg, func(context.Context) error {
		attempts++
		return Permanent(sentinel)
	})

	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 1, attempts)
	assert.NotContains(t, err.Error(), "failed after")
}

func TestWithRetry_ContextCancellation(t *testing.T) {
	cfg := Config{
		MaxAttempts: 10,
		Delays:      []time.Duration{50 * time.Millisecond, 50 * time.Millisecond},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	startTime := time.Now()
	err := WithRetry(ctx, cfg, func(context.Context) error {
		return errors.New("transient error")
	})

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "retry cancelled")
	assert.Less(t, time.Since(startTime), 200*time.Millisecond)
}

func TestWithRetry_ContextDeadline(t *testing.T) {
	cfg := Config{
		MaxAttempts: 10,
		Delays:      []time.Duration{50 * time.Millisecond, 50 * time.Millisecond},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	attempts := 0
	err := WithRetry(ctx, cfg, func(context.Context) error {
		attempts++
		return errors.New("transient error")
	})

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "retry cancelled")
	assert.Equal(t, 1, attempts)
}

func TestWithRetry_DelayArray_ReuseLastDelay(t *testing.T) {
	cfg := Config{
		MaxAttempts: 5,
		Delays:      []time.Duration{5 * time.Millisecond, 5 * time.Millisecond},
	}

	attempts := 0
	err := WithRetry(context.Background(), cfg, func(context.Context) error {
		attempts++
		return errors.New("error")
	})

	assert.Error(t, err)
	assert.Equal(t, 5, attempts)
}

func TestWithRetry_NoDelaysConfigured(t *testing.T) {
	cfg := Config{MaxAttempts: 3}

	attempts := 0
	err := WithRetry(context.Background(), cfg, func(context.Context) error {
		attempts++
		return errors.New("error")
	})

	assert.Error(t, err)
	assert.Equal(t, 3, attempts)
}

func TestWithRetry_EmptyMaxAttempts_DefaultsToOne(t *testing.T) {
	attempts := 0
	err := WithRetry(context.Background(), Config{}, func(context.Context) error {
		attempts++
		return errors.New("error")
	})

	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestConfigDelay_Jitter(t *testing.T) {
	cfg := Config{
		Delays: []time.Duration{100 * time.Millisecond},
		Jitter: 0.5,
	}

	for i := 0; i < 20; i++ {
		d := cfg.delay(1)
		assert.GreaterOrEqual(t, d, 100*time.Millisecond)
		assert.LessOrEqual(t, d, 150*time.Millisecond)
	}
}

func TestWithRetry_MeasureBackoffTiming(t *testing.T) {
	cfg := Config{
		MaxAttempts: 3,
		Delays:      []time.Duration{10 * time.Millisecond, 20 * time.Millisecond},
	}

	startTime := time.Now()
	err := WithRetry(context.Background(), cfg, func(context.Context) error {
		return errors.New("error")
	})

	// attempt 1 -> 10ms -> attempt 2 -> 20ms -> attempt 3
	assert.Error(t, err)
	assert.GreaterOrEqual(t, time.Since(startTime), 25*time.Millisecond)
}
