package server

import (
	"sync"
	"time"
)

// failureRate counts FAILED sessions over a sliding window and fires once
// per window when the threshold is reached.
type failureRate struct {
	mu        sync.Mutex
	threshold int
	window    time.Duration
	times     []time.Time
	firedAt   time.Time
}

func newFailureRate(threshold int, window time.Duration) *failureRate {
	return &failureRate{threshold: threshold, window: window}
}

// record registers one failure and reports whether the caller should emit
// the rate warning.
func (r *failureRate) record(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.times = append(r.times, now)
	cutoff := now.Add(-r.window)
	keep := r.times[:0]
	for _, t := range r.times {
		if t.After(cutoff) {
			keep = append(keep, t)
		}
	}
	r.times = keep

	if len(r.times) < r.threshold {
		return false
	}
	if !r.firedAt.IsZero() && now.Sub(r.firedAt) < r.window {
		return false
	}
	r.firedAt = now
	return true
}
