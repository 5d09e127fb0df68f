package event

import (
	"sync"
)

// defaultRingCapacity holds a comfortable margin over one busy bench run.
const defaultRingCapacity = 1024

// Ring retains the most recent events for the REST facade's catch-up
// endpoint. It is a fixed-size overwrite buffer; readers page through it by
// sequence number.
type Ring struct {
	mu   sync.Mutex
	buf  []Event
	next int
	full bool
}

// NewRing creates a ring holding up to capacity events. capacity <= 0 uses
// the default.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = defaultRingCapacity
	}
	return &Ring{buf: make([]Event, capacity)}
}

// Append records an event, overwriting the oldest when full.
func (r *Ring) Append(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.buf[r.next] = ev
	r.next++
	if r.next == len(r.buf) {
		r.next = 0
		r.full = true
	}
}

// Sink returns a bus sink that feeds the ring.
func (r *Ring) Sink() Sink {
	return func(ev Event) error {
		r.Append(ev)
		return nil
	}
}

// Since returns all retained events with a sequence number greater than seq,
// oldest first. Pass 0 for everything retained.
func (r *Ring) Since(seq uint64) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Event
	appendMatch := func(ev Event) {
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}

	if r.full {
		for _, ev := range r.buf[r.next:] {
			appendMatch(ev)
		}
	}
	for _, ev := range r.buf[:r.next] {
		appendMatch(ev)
	}
	return out
}

// Len returns how many events are currently retained.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return len(r.buf)
	}
	return r.next
}
