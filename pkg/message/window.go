package message

import "sync"

// DefaultWindowSize is the default replay window width in sequence numbers.
const DefaultWindowSize = 1000

// ReplayWindow tracks accepted sequence numbers for replay detection.
// It keeps the highest sequence seen and a set of recently accepted
// sequences; anything below highest−window is rejected outright, anything
// inside the window is rejected only if already seen. Out-of-order arrival
// within the window is accepted.
//
// It is safe for concurrent use.
type ReplayWindow struct {
	size    uint64
	highest uint64
	seen    map[uint64]struct{}
	mu      sync.Mutex
}

// NewReplayWindow creates a replay window of the given width. A non-positive
// width selects DefaultWindowSize.
func NewReplayWindow(size int) *ReplayWindow {
	if size <= 0 {
		size = DefaultWindowSize
	}
	return &ReplayWindow{
		size: uint64(size),
		seen: make(map[uint64]struct{}),
	}
}

// Check validates a sequence number and records it when accepted.
// Returns ErrTooOld for sequences below the window floor, ErrDuplicate for
// sequences already accepted, and nil for fresh sequences. A sequence equal
// to the floor is accepted on its first sighting only.
func (w *ReplayWindow) Check(seq uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if seq < w.floor() {
		return ErrTooOld
	}
	if _, dup := w.seen[seq]; dup {
		return ErrDuplicate
	}

	w.seen[seq] = struct{}{}
	if seq > w.highest {
		w.highest = seq
	}

	// Drop entries that fell below the advanced floor.
	floor := w.floor()
	for s := range w.seen {
		if s < floor {
			delete(w.seen, s)
		}
	}
	return nil
}

// floor returns the lowest sequence still inside the window.
// Callers must hold the mutex.
func (w *ReplayWindow) floor() uint64 {
	if w.highest < w.size {
		return 0
	}
	return w.highest - w.size
}

// Highest returns the highest sequence accepted so far. It is monotonically
// non-decreasing for the lifetime of the window.
func (w *ReplayWindow) Highest() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.highest
}
