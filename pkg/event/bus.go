package event

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cardbench/scp81/internal/logger"
	"github.com/cardbench/scp81/pkg/metrics"
)

const (
	// defaultBuffer is the per-subscriber queue depth.
	defaultBuffer = 256

	// flushTimeout bounds how long Close waits for subscribers to drain.
	flushTimeout = 2 * time.Second
)

// ErrFlushTimeout is returned by Close when a subscriber failed to drain its
// queue within the flush deadline.
var ErrFlushTimeout = errors.New("event: flush deadline exceeded")

// Predicate selects which events a subscriber receives. A nil predicate
// matches everything.
type Predicate func(Event) bool

// Sink consumes events on the subscriber's delivery goroutine. Returning an
// error unsubscribes the sink.
type Sink func(Event) error

// Subscription is a live registration on the bus.
type Subscription struct {
	bus     *Bus
	id      uint64
	pred    Predicate
	sink    Sink
	ch      chan Event
	dropped atomic.Uint64
}

// Dropped returns how many events were dropped for this subscriber because
// its queue was full.
func (s *Subscription) Dropped() uint64 {
	if s == nil {
		return 0
	}
	return s.dropped.Load()
}

// Unsubscribe removes the subscription. Safe to call more than once and
// after bus shutdown.
func (s *Subscription) Unsubscribe() {
	if s == nil || s.bus == nil {
		return
	}
	s.bus.remove(s.id)
}

// Bus is a best-effort fan-out publisher. Each subscriber gets its own
// bounded queue and delivery goroutine: a slow subscriber drops events rather
// than blocking the publisher or its peers. Delivery order per subscriber
// follows publish order, so sequence numbers are monotonic per subscriber.
//
// Sinks may publish from inside a delivery callback; the publication lands on
// the bounded queues without recursing into delivery.
type Bus struct {
	mu     sync.Mutex
	subs   map[uint64]*Subscription
	seq    uint64
	nextID uint64
	closed bool

	buffer  int
	metrics metrics.BusMetrics
	dropped atomic.Uint64

	wg sync.WaitGroup
}

// NewBus creates a bus. busMetrics may be nil.
func NewBus(busMetrics metrics.BusMetrics) *Bus {
	return &Bus{
		subs:    make(map[uint64]*Subscription),
		buffer:  defaultBuffer,
		metrics: busMetrics,
	}
}

// Publish stamps the event with the next sequence number and fans it out.
// Never blocks: subscribers with a full queue drop this event. Publishing on
// a closed bus is a no-op.
func (b *Bus) Publish(typ Type, payload any) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.seq++
	ev := Event{
		Seq:     b.seq,
		Time:    time.Now().UTC(),
		Type:    typ,
		Payload: payload,
	}

	if b.metrics != nil {
		b.metrics.RecordPublished(string(typ))
	}

	for _, sub := range b.subs {
		if sub.pred != nil && !sub.pred(ev) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
			b.dropped.Add(1)
			if b.metrics != nil {
				b.metrics.RecordDropped()
			}
		}
	}
}

// Subscribe registers a sink. pred may be nil to receive every event. The
// sink runs on its own goroutine; events beyond its queue depth are dropped.
// Subscribing on a closed bus returns an inert subscription.
func (b *Bus) Subscribe(pred Predicate, sink Sink) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return &Subscription{}
	}

	b.nextID++
	sub := &Subscription{
		bus:  b,
		id:   b.nextID,
		pred: pred,
		sink: sink,
		ch:   make(chan Event, b.buffer),
	}
	b.subs[sub.id] = sub

	b.wg.Add(1)
	go b.deliver(sub)

	return sub
}

// Dropped returns the total number of dropped deliveries across all
// subscribers.
func (b *Bus) Dropped() uint64 {
	return b.dropped.Load()
}

// LastSeq returns the sequence number of the most recently published event.
func (b *Bus) LastSeq() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}

// Close stops accepting publications and waits for subscribers to drain
// their queues. Returns ErrFlushTimeout if draining exceeds the flush
// deadline.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(flushTimeout):
		return ErrFlushTimeout
	}
}

// remove detaches a subscription; its delivery goroutine exits after
// draining whatever is already queued.
func (b *Bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	close(sub.ch)
}

func (b *Bus) deliver(sub *Subscription) {
	defer b.wg.Done()

	for ev := range sub.ch {
		if err := callSink(sub.sink, ev); err != nil {
			logger.Warn("Event subscriber removed",
				"subscriber", sub.id,
				"event_type", string(ev.Type),
				"error", err,
			)
			b.remove(sub.id)
			for range sub.ch {
				// drain whatever was queued before removal
			}
			return
		}
	}
}

// callSink shields the delivery goroutine from a panicking subscriber.
func callSink(sink Sink, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panic: %v", r)
		}
	}()
	return sink(ev)
}
