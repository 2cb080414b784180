// Package eventbus implements the sequenced broadcast described in
// §4.6: a single monotonic seq assigned to every published event, a
// bounded in-memory retention ring for replay, and per-subscriber
// delivery queues with backpressure. It generalizes FluxForge's
// timeline.Store (a flat, un-sequenced event log) and its ws_hub.go
// per-tenant broadcast hub into the full subscribe/ack/replay
// protocol the spec requires.
package eventbus

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/orchestra-run/orchestrator/internal/clock"
	"github.com/orchestra-run/orchestrator/internal/observability"
	"github.com/orchestra-run/orchestrator/internal/store"
)

const (
	defaultRetentionCount = 1000
	defaultRetentionAge   = time.Hour
	defaultSubscriberCap  = 10000
	defaultBatchWindow    = 500 * time.Millisecond
)

// ErrGapTooLarge is returned by Subscribe when the requested
// lastReceivedSeq has already rotated out of the retention window.
type ErrGapTooLarge struct{}

func (ErrGapTooLarge) Error() string { return "gap-too-large" }

// Subscriber is a single live consumer of the bus. Callers read Ch
// for delivered events and must call Ack as they consume to let the
// bus trim its per-subscriber backlog.
type Subscriber struct {
	ID   string
	Ch   chan store.Event
	bus  *Bus
	mu   sync.Mutex
	last int64 // lastAckedSeq
}

// Ack records that the subscriber has durably processed up to seq;
// per §4.6 older entries in the subscriber's own queue may now be
// dropped (the channel itself is the queue, so this is bookkeeping
// for resync decisions only).
func (s *Subscriber) Ack(seq int64) {
	s.mu.Lock()
	if seq > s.last {
		s.last = seq
	}
	s.mu.Unlock()
}

func (s *Subscriber) LastAcked() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Bus is the process-wide singleton (per workspace) fan-out. Clock,
// Event Bus, Audit and Cost Governor are the process-wide singletons
// named in §9; this type is constructed once in main.go and injected
// everywhere an event needs publishing.
type Bus struct {
	mu     sync.Mutex
	seq    int64
	ring   []store.Event
	subs   map[string]*Subscriber

	store  store.Store
	clock  clock.Clock
	logger *zap.SugaredLogger

	workspaceID     string
	retentionCount  int
	retentionAge    time.Duration
	subscriberCap   int
}

// New constructs a Bus. retentionCount is R from §4.6 (0 means the
// 1000 default); the ring additionally always keeps the last
// retentionAge worth of events (0 means the 1h default).
func New(s store.Store, clk clock.Clock, logger *zap.SugaredLogger, workspaceID string, retentionCount int, retentionAge time.Duration) *Bus {
	if retentionCount <= 0 {
		retentionCount = defaultRetentionCount
	}
	if retentionAge <= 0 {
		retentionAge = defaultRetentionAge
	}
	return &Bus{
		subs:           make(map[string]*Subscriber),
		store:          s,
		clock:          clk,
		logger:         logger,
		workspaceID:    workspaceID,
		retentionCount: retentionCount,
		retentionAge:   retentionAge,
		subscriberCap:  defaultSubscriberCap,
	}
}

// Publish assigns the next seq, fans the event out to live
// subscribers, records it into the retention ring and the durable
// store, and returns the assigned event. It never blocks on a slow
// subscriber beyond the subscriber's own queue cap (§5 backpressure).
func (b *Bus) Publish(eventType string, payload map[string]any) store.Event {
	b.mu.Lock()
	b.seq++
	ev := store.Event{Seq: b.seq, Type: eventType, Payload: payload, At: b.clock.Now()}
	b.ring = append(b.ring, ev)
	b.trimRing()
	subsSnapshot := make([]*Subscriber, 0, len(b.subs))
	for _, sub := range b.subs {
		subsSnapshot = append(subsSnapshot, sub)
	}
	b.mu.Unlock()

	observability.EventBusSeq.Set(float64(ev.Seq))

	// Persistence write is a suspension point; it must not happen
	// while holding the fan-out lock (§5: no lock held across a
	// suspension point).
	go func() {
		_ = b.store.AppendEvent(context.Background(), b.workspaceID, &ev)
	}()

	for _, sub := range subsSnapshot {
		select {
		case sub.Ch <- ev:
		default:
			b.dropSubscriber(sub)
		}
	}
	return ev
}

func (b *Bus) trimRing() {
	cutoff := b.clock.Now().Add(-b.retentionAge)
	keepFrom := 0
	for i, e := range b.ring {
		ageOK := e.At.After(cutoff)
		countOK := len(b.ring)-i <= b.retentionCount
		if ageOK || countOK {
			keepFrom = i
			break
		}
		keepFrom = i + 1
	}
	if keepFrom > 0 {
		b.ring = b.ring[keepFrom:]
	}
}

// Subscribe registers a new subscriber and returns it along with the
// replay tail from lastReceivedSeq+1. ErrGapTooLarge is returned when
// the requested seq has already rotated past the retention window;
// the caller must resync from the Persistence Store instead.
func (b *Bus) Subscribe(id string, lastReceivedSeq int64) (*Subscriber, []store.Event, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.ring) > 0 && lastReceivedSeq > 0 && lastReceivedSeq < b.ring[0].Seq-1 {
		observability.EventBusGapTooLarge.Inc()
		return nil, nil, ErrGapTooLarge{}
	}

	var tail []store.Event
	for _, e := range b.ring {
		if e.Seq > lastReceivedSeq {
			tail = append(tail, e)
		}
	}

	sub := &Subscriber{ID: id, Ch: make(chan store.Event, b.subscriberCap), bus: b, last: lastReceivedSeq}
	b.subs[id] = sub
	observability.EventBusSubscribers.Set(float64(len(b.subs)))
	return sub, tail, nil
}

// Unsubscribe removes a subscriber, e.g. on WS disconnect.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, id)
	observability.EventBusSubscribers.Set(float64(len(b.subs)))
}

// dropSubscriber removes sub and closes its channel exactly once, even
// when two concurrent Publish calls both observe its queue as full:
// only the goroutine that actually finds (and deletes) the entry in
// b.subs proceeds to close it, so a second racing call sees it already
// gone and is a no-op rather than a double close.
func (b *Bus) dropSubscriber(sub *Subscriber) {
	b.mu.Lock()
	_, present := b.subs[sub.ID]
	if present {
		delete(b.subs, sub.ID)
		observability.EventBusSubscribers.Set(float64(len(b.subs)))
	}
	b.mu.Unlock()
	if !present {
		return
	}
	observability.EventBusBackpressureDrops.Inc()
	b.logger.Warnw("subscriber queue overflowed, dropping with gap-too-large", "subscriber", sub.ID)
	close(sub.Ch)
}

// ReplaySince returns events strictly after since from the durable
// store — used when a subscriber's gap exceeds the in-memory ring and
// must resync from the Persistence Store per §4.6.
func (b *Bus) ReplaySince(since int64, limit int) ([]*store.Event, error) {
	return b.store.ListEventsSince(context.Background(), b.workspaceID, since, limit)
}

// BatchWindow is the default coalescing window subscribers may
// request (§4.6); intra-window order is preserved because the ring
// and channel are both FIFO.
func (b *Bus) BatchWindow() time.Duration { return defaultBatchWindow }
