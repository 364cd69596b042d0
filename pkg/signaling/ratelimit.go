package signaling

import (
	"sync"
	"time"
)

// attemptWindow counts signing attempts per key over a rolling period.
// Every call to allow records one attempt; once the limit is reached within
// the period, further attempts are refused until old ones age out.
type attemptWindow struct {
	limit  int
	period time.Duration

	mu       sync.Mutex
	attempts map[string][]time.Time
}

func newAttemptWindow(limit int, period time.Duration) *attemptWindow {
	return &attemptWindow{
		limit:    limit,
		period:   period,
		attempts: make(map[string][]time.Time),
	}
}

func (w *attemptWindow) allow(key string) bool {
	now := time.Now()
	cutoff := now.Add(-w.period)

	w.mu.Lock()
	defer w.mu.Unlock()

	kept := w.attempts[key][:0]
	for _, t := range w.attempts[key] {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	if len(kept) >= w.limit {
		w.attempts[key] = kept
		return false
	}
	w.attempts[key] = append(kept, now)
	return true
}

// forget drops a key's history, releasing its memory once a session or
// device goes away.
func (w *attemptWindow) forget(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	delete(w.attempts, key)
}
