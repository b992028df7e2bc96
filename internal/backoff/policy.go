// Package backoff provides exponential backoff utilities with jitter for
// upstream retry logic.
package backoff

import (
	"math"
	"math/rand"
	"time"
)

// Policy defines the parameters for exponential backoff calculation.
type Policy struct {
	// InitialMs is the initial backoff duration in milliseconds.
	InitialMs float64
	// MaxMs is the maximum backoff duration in milliseconds.
	MaxMs float64
	// Multiplier is the exponential factor applied to each attempt.
	Multiplier float64
	// Jitter is the symmetric randomization factor (0.0 to 1.0) applied to
	// the backoff: the delay varies by up to ±Jitter·base.
	Jitter float64
}

// Compute calculates the backoff duration for a given attempt number.
// The formula is base = initialMs * multiplier^(attempt-1), randomized by
// ±jitter·base and clamped to maxMs. Attempt numbers start at 1.
func Compute(policy Policy, attempt int) time.Duration {
	return ComputeWithRand(policy, attempt, rand.Float64()) // #nosec G404 -- jitter does not require cryptographic randomness
}

// ComputeWithRand calculates the backoff duration using a provided random
// value in [0.0, 1.0). Useful for deterministic tests.
func ComputeWithRand(policy Policy, attempt int, randomValue float64) time.Duration {
	exp := math.Max(float64(attempt-1), 0)

	base := policy.InitialMs * math.Pow(policy.Multiplier, exp)

	// Symmetric jitter: randomValue 0.5 means no adjustment.
	jitterAmount := base * policy.Jitter * (2*randomValue - 1)

	total := math.Min(policy.MaxMs, math.Max(0, base+jitterAmount))

	return time.Duration(math.Round(total)) * time.Millisecond
}

// DefaultPolicy returns the default upstream retry policy.
// Initial: 1s, Max: 60s, Multiplier: 2, Jitter: 10%.
func DefaultPolicy() Policy {
	return Policy{
		InitialMs:  1000,
		MaxMs:      60000,
		Multiplier: 2,
		Jitter:     0.1,
	}
}
