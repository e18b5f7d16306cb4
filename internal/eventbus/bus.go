package eventbus

import (
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/puzpuzpuz/xsync/v3"
)

// Event is an in-memory notification used to decouple the moderation core
// from its observers (mod-log, metrics, tests).
//
// Publish never blocks. Subscribers get a buffered channel; a slow
// subscriber loses events instead of stalling moderation.
type Event struct {
	Type string
	Time time.Time
	Data any
}

// Topic reports the prefix of Type up to the first dot ("sanction" for
// "sanction.lifted").
func (e Event) Topic() string {
	if i := strings.IndexByte(e.Type, '.'); i >= 0 {
		return e.Type[:i]
	}
	return e.Type
}

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int, types ...string) (ch <-chan Event, unsubscribe func())
}

var dropped = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "modguard_eventbus_dropped_total",
	Help: "Events dropped because a subscriber buffer was full.",
}, []string{"type"})

// New returns an in-memory fan-out bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: xsync.NewMapOf[uint64, *subscriber]()}
}

type subscriber struct {
	ch     chan Event
	filter map[string]struct{} // empty means all
}

func (s *subscriber) wants(e Event) bool {
	if len(s.filter) == 0 {
		return true
	}
	if _, ok := s.filter[e.Type]; ok {
		return true
	}
	_, ok := s.filter[e.Topic()+".*"]
	return ok
}

type memBus struct {
	subs *xsync.MapOf[uint64, *subscriber]
	seq  atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.subs.Range(func(_ uint64, s *subscriber) bool {
		if s.wants(e) {
			deliver(s.ch, e)
		}
		return true
	})
}

func deliver(ch chan Event, e Event) {
	// The channel may be closed by a concurrent unsubscribe.
	defer func() { _ = recover() }()
	select {
	case ch <- e:
	default:
		dropped.WithLabelValues(e.Type).Inc()
	}
}

// Subscribe registers a subscriber. types filters by exact event type or by
// "topic.*"; no types means every event.
func (b *memBus) Subscribe(buffer int, types ...string) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer)}
	if len(types) > 0 {
		s.filter = make(map[string]struct{}, len(types))
		for _, t := range types {
			s.filter[t] = struct{}{}
		}
	}
	id := b.seq.Add(1)
	b.subs.Store(id, s)

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.subs.Delete(id)
			close(s.ch)
		})
	}
}

// Nop is a Bus that discards everything.
type Nop struct{}

func (Nop) Publish(Event) {}

func (Nop) Subscribe(int, ...string) (<-chan Event, func()) {
	ch := make(chan Event)
	close(ch)
	return ch, func() {}
}
