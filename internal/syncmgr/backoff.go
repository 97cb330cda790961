package syncmgr

import (
	"math"
	"math/rand"
	"time"
)

// BackoffPolicy schedules retries of failed ops.
type BackoffPolicy struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
	// Jitter is the ± fraction of the delay randomized per retry.
	Jitter float64
}

// DefaultBackoff returns the default retry schedule.
func DefaultBackoff() BackoffPolicy {
	return BackoffPolicy{
		Initial:    500 * time.Millisecond,
		Max:        5 * time.Minute,
		Multiplier: 2.0,
		Jitter:     0.2,
	}
}

// Delay computes the wait before retry number attempt (1-based):
// initial * multiplier^(attempt-1), capped at Max, then jittered.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	multiplier := p.Multiplier
	if multiplier <= 0 {
		multiplier = 2.0
	}

	raw := float64(p.Initial) * math.Pow(multiplier, float64(attempt-1))
	delay := p.Max
	if raw < float64(p.Max) {
		delay = time.Duration(raw)
	}
	return addJitter(delay, p.Jitter)
}

// addJitter applies ±jitter of the delay, never going below 1ms.
func addJitter(delay time.Duration, jitter float64) time.Duration {
	if jitter <= 0 {
		return delay
	}
	offset := (rand.Float64()*2 - 1) * float64(delay) * jitter
	jittered := time.Duration(float64(delay) + offset)
	if jittered < time.Millisecond {
		return time.Millisecond
	}
	return jittered
}
