package rendezvous

import (
	"testing"
	"time"
)

// fixedRandom always returns the same jitter fraction.
type fixedRandom struct{ v float64 }

func (f fixedRandom) Float64() float64 { return f.v }

func TestBackoffGrowth(t *testing.T) {
	b := NewBackoffCalculator(time.Second, time.Minute, fixedRandom{0})

	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
	}
	for attempt, expected := range want {
		if got := b.Calculate(attempt); got != expected {
			t.Errorf("Calculate(%d) = %s, want %s", attempt, got, expected)
		}
	}
}

func TestBackoffCeiling(t *testing.T) {
	b := NewBackoffCalculator(time.Second, 10*time.Second, fixedRandom{1})

	if got := b.Calculate(20); got != 10*time.Second {
		t.Errorf("Calculate(20) = %s, want ceiling 10s", got)
	}
	// Jitter never pushes a delay past the ceiling.
	if got := b.Calculate(3); got > 10*time.Second {
		t.Errorf("Calculate(3) = %s exceeds ceiling", got)
	}
}

func TestBackoffJitterRange(t *testing.T) {
	min := NewBackoffCalculator(time.Second, time.Hour, fixedRandom{0}).Calculate(2)
	max := NewBackoffCalculator(time.Second, time.Hour, fixedRandom{0.999}).Calculate(2)

	if min != 4*time.Second {
		t.Errorf("unjittered Calculate(2) = %s, want 4s", min)
	}
	if max <= min || max > 5*time.Second {
		t.Errorf("jittered Calculate(2) = %s, want in (4s, 5s]", max)
	}
}

func TestBackoffDefaults(t *testing.T) {
	b := NewBackoffCalculator(0, 0, nil)
	if b.floor != DefaultBackoffFloor || b.ceiling != DefaultBackoffCeiling {
		t.Errorf("defaults = %s/%s, want %s/%s", b.floor, b.ceiling, DefaultBackoffFloor, DefaultBackoffCeiling)
	}
	if got := b.Calculate(-5); got < DefaultBackoffFloor {
		t.Errorf("Calculate(-5) = %s, want at least the floor", got)
	}
}
