package transport

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

const (
	DefaultMaxRetries     = 3
	DefaultBaseDelay      = time.Second
	DefaultMaxDelay       = 30 * time.Second
	DefaultMultiplier     = 2.0
	DefaultJitterFraction = 0.25
)

// RetryPolicy describes exponential backoff with symmetric jitter.
// MaxRetries counts retries after the first attempt.
type RetryPolicy struct {
	MaxRetries     int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	JitterFraction float64

	// Rand returns a value in [0, 1). Defaults to math/rand/v2.
	Rand func() float64
}

// DefaultRetryPolicy returns 3 retries at 1s, 2s, 4s ±25%.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:     DefaultMaxRetries,
		BaseDelay:      DefaultBaseDelay,
		MaxDelay:       DefaultMaxDelay,
		Multiplier:     DefaultMultiplier,
		JitterFraction: DefaultJitterFraction,
	}
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.MaxRetries < 0 {
		p.MaxRetries = 0
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = DefaultBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = DefaultMaxDelay
	}
	if p.Multiplier <= 0 {
		p.Multiplier = DefaultMultiplier
	}
	if p.JitterFraction < 0 {
		p.JitterFraction = 0
	}
	if p.Rand == nil {
		p.Rand = rand.Float64
	}
	return p
}

// Attempts is the total number of tries including the first.
func (p RetryPolicy) Attempts() int {
	return p.withDefaults().MaxRetries + 1
}

// Delay returns the sleep before retry number retry (0-based).
func (p RetryPolicy) Delay(retry int) time.Duration {
	p = p.withDefaults()

	delay := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(retry))
	if delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if p.JitterFraction > 0 {
		delay *= 1 + p.JitterFraction*(p.Rand()*2-1)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}

// sleepContext waits for d or until ctx is done.
func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
