package rendezvous

import (
	"math"
	"math/rand"
	"time"
)

// RandomSource provides random values for jitter calculation. Allows
// injection of deterministic sources for testing.
type RandomSource interface {
	// Float64 returns a random float64 in [0.0, 1.0).
	Float64() float64
}

type defaultRandomSource struct{}

func (defaultRandomSource) Float64() float64 {
	return rand.Float64()
}

// DefaultRandomSource is the default random source using math/rand.
var DefaultRandomSource RandomSource = defaultRandomSource{}

// Resubscribe backoff parameters.
const (
	// backoffBase is the exponential growth factor between attempts.
	backoffBase = 2.0
	// backoffJitter is the maximum fractional jitter added to a delay.
	backoffJitter = 0.25

	// DefaultBackoffFloor is the delay before the first resubscribe.
	DefaultBackoffFloor = 1 * time.Second
	// DefaultBackoffCeiling caps the delay between resubscribes.
	DefaultBackoffCeiling = 2 * time.Minute
)

// BackoffCalculator computes resubscribe delays for a broken rendezvous
// stream: exponential growth from the floor, jittered, capped at the
// ceiling. Jitter spreads reconnect storms when the rendezvous service
// itself was the failure.
type BackoffCalculator struct {
	floor   time.Duration
	ceiling time.Duration
	random  RandomSource
}

// NewBackoffCalculator creates a backoff calculator. Non-positive floor or
// ceiling select the defaults; a nil random source selects
// DefaultRandomSource.
func NewBackoffCalculator(floor, ceiling time.Duration, random RandomSource) *BackoffCalculator {
	if floor <= 0 {
		floor = DefaultBackoffFloor
	}
	if ceiling <= 0 {
		ceiling = DefaultBackoffCeiling
	}
	if random == nil {
		random = DefaultRandomSource
	}
	return &BackoffCalculator{floor: floor, ceiling: ceiling, random: random}
}

// Calculate returns the delay before resubscribe attempt number attempt,
// where 0 is the first retry after a break.
func (b *BackoffCalculator) Calculate(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := float64(b.floor) * math.Pow(backoffBase, float64(attempt))
	delay *= 1.0 + b.random.Float64()*backoffJitter
	if delay > float64(b.ceiling) {
		return b.ceiling
	}
	return time.Duration(delay)
}
