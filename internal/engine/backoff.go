package engine

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// Backoff computes retry delays: base * factor^attempt, capped, with
// ±jitter applied multiplicatively. The random source is injected so
// fixed seeds give reproducible runs.
type Backoff struct {
	Base   time.Duration
	Factor float64
	Cap    time.Duration
	Jitter float64 // 0.2 means ±20%

	rng *rand.Rand
}

// NewBackoff returns the engine's default policy: 1s base, doubling,
// 16s cap, ±20% jitter.
func NewBackoff(seed int64) *Backoff {
	return &Backoff{
		Base:   time.Second,
		Factor: 2,
		Cap:    16 * time.Second,
		Jitter: 0.2,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// Delay returns the wait before retry number attempt (0-based).
func (b *Backoff) Delay(attempt int) time.Duration {
	d := float64(b.Base) * math.Pow(b.Factor, float64(attempt))
	if capped := float64(b.Cap); d > capped {
		d = capped
	}
	if b.Jitter > 0 && b.rng != nil {
		// Uniform in [1-jitter, 1+jitter).
		factor := 1 + b.Jitter*(2*b.rng.Float64()-1)
		d *= factor
	}
	return time.Duration(d)
}

// Sleeper waits for a delay or until the context ends. Tests swap in a
// recording no-op.
type Sleeper func(ctx context.Context, d time.Duration) error

// RealSleeper blocks on a timer, honoring cancellation.
func RealSleeper(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
