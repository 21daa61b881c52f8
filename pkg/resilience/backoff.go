package resilience

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes exponential retry delays.
type Backoff struct {
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	JitterFraction float64
	// Rand returns a value in [0,1); nil uses math/rand.
	Rand func() float64
}

// Delay returns the wait before retry number attempt (1-based), scaled by
// factor and capped at MaxDelay.
func (b Backoff) Delay(attempt int, factor float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if factor <= 0 {
		factor = 1
	}
	multiplier := b.Multiplier
	if multiplier < 1 {
		multiplier = 1
	}

	delay := float64(b.InitialDelay) * math.Pow(multiplier, float64(attempt-1)) * factor
	if b.JitterFraction > 0 {
		random := b.Rand
		if random == nil {
			random = rand.Float64
		}
		delay += delay * b.JitterFraction * (2*random() - 1)
	}
	if b.MaxDelay > 0 && delay > float64(b.MaxDelay) {
		delay = float64(b.MaxDelay)
	}
	if delay < 0 {
		delay = 0
	}
	return time.Duration(delay)
}
