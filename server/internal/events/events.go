package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Type names an update event.
type Type string

// Event types.
const (
	PipelineUpdate Type = "pipeline_update"
	BuildUpdate    Type = "build_update"
)

// DefaultBuffer is the per-subscriber channel depth used when Subscribe is
// called with a non-positive buffer.
const DefaultBuffer = 64

// Event tells subscribers that stored state changed. It carries keys only;
// subscribers re-read the state they care about.
type Event struct {
	Type        Type      `json:"type"`
	Pipeline    string    `json:"pipeline"`
	BuildNumber int64     `json:"build_number,omitempty"`
	At          time.Time `json:"at"`
}

// Publisher is the write side of a Broadcaster.
type Publisher interface {
	Publish(Event)
}

// Subscription is a handle returned by Subscribe. Events arrive on C until
// Unsubscribe is called, after which C is closed.
type Subscription struct {
	ID string
	C  <-chan Event

	ch      chan Event
	dropped atomic.Int64
}

// Dropped returns how many events were discarded because C was full.
func (s *Subscription) Dropped() int64 { return s.dropped.Load() }

// Broadcaster fans events out to every current subscriber. Publish never
// blocks: a subscriber whose buffer is full misses the event.
//
// Broadcaster is safe for concurrent use.
type Broadcaster struct {
	mu   sync.RWMutex
	subs map[string]*Subscription

	dropped atomic.Int64
	onDrop  func()
}

// New creates an empty Broadcaster.
func New() *Broadcaster {
	return &Broadcaster{subs: make(map[string]*Subscription)}
}

// OnDrop registers f to be called once per dropped delivery. It must be set
// before the first Publish.
func (b *Broadcaster) OnDrop(f func()) { b.onDrop = f }

// Subscribe registers a new subscriber with the given channel depth.
func (b *Broadcaster) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan Event, buffer)
	s := &Subscription{ID: uuid.NewString(), C: ch, ch: ch}

	b.mu.Lock()
	b.subs[s.ID] = s
	b.mu.Unlock()
	return s
}

// Unsubscribe removes s and closes its channel. Calling it twice is harmless.
func (b *Broadcaster) Unsubscribe(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s.ID]; ok {
		delete(b.subs, s.ID)
		close(s.ch)
	}
}

// Publish delivers e to every subscriber that has room for it.
func (b *Broadcaster) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	// The read lock is held across sends so Unsubscribe cannot close a channel
	// mid-send; sends never block.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.subs {
		select {
		case s.ch <- e:
		default:
			s.dropped.Add(1)
			b.dropped.Add(1)
			if b.onDrop != nil {
				b.onDrop()
			}
		}
	}
}

// Count returns the number of current subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns the total number of dropped deliveries.
func (b *Broadcaster) Dropped() int64 { return b.dropped.Load() }

// Close unsubscribes everyone.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, s := range b.subs {
		delete(b.subs, id)
		close(s.ch)
	}
}
