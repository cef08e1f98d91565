package node

import (
	"sync"

	"github.com/cert-ee/cuckoonode/pkg/metrics"
	"github.com/cert-ee/cuckoonode/pkg/storage"
	"github.com/cert-ee/cuckoonode/pkg/types"
)

// DefaultRingBufferSize is the number of recent events the stream keeps
// available for Last-Event-Id replay.
const DefaultRingBufferSize = 100

// Subscriber is a channel a live consumer reads events from, adapted
// from the teacher's events.Broker subscriber channel shape.
type Subscriber chan types.Event

// EventStream is the Node Controller's monotonic event stream: a
// publish/subscribe broker extended with a bounded ring buffer so a
// subscriber presenting Last-Event-Id can replay missed history before
// switching to live delivery.
type EventStream struct {
	mu          sync.Mutex
	nextID      uint64
	ring        []types.Event
	ringSize    int
	subscribers map[Subscriber]bool
	store       *storage.EventStore
}

// NewEventStream builds a stream with the given ring buffer size
// (DefaultRingBufferSize if <= 0), optionally restoring its last-known
// id and ring contents from store.
func NewEventStream(ringSize int, store *storage.EventStore) *EventStream {
	if ringSize <= 0 {
		ringSize = DefaultRingBufferSize
	}
	s := &EventStream{
		ringSize:    ringSize,
		subscribers: make(map[Subscriber]bool),
		store:       store,
	}
	if store != nil {
		if id, err := store.LoadLastID(); err == nil {
			s.nextID = id
		}
		if events, err := store.LoadCheckpoint(); err == nil {
			s.ring = events
		}
	}
	return s
}

// Subscribe registers a new live subscriber.
func (s *EventStream) Subscribe() Subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := make(Subscriber, 64)
	s.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscriber and closes its channel.
func (s *EventStream) Unsubscribe(sub Subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscribers[sub] {
		delete(s.subscribers, sub)
		close(sub)
	}
}

// Publish assigns the next monotonic id to payload, appends it to the
// ring buffer, checkpoints it, and fans it out to every live subscriber.
func (s *EventStream) Publish(payload types.EventPayload) types.Event {
	s.mu.Lock()
	s.nextID++
	evt := types.Event{ID: s.nextID, Payload: payload}

	s.ring = append(s.ring, evt)
	if len(s.ring) > s.ringSize {
		s.ring = s.ring[len(s.ring)-s.ringSize:]
	}
	ringCopy := append([]types.Event(nil), s.ring...)
	nextID := s.nextID

	subs := make([]Subscriber, 0, len(s.subscribers))
	for sub := range s.subscribers {
		subs = append(subs, sub)
	}
	s.mu.Unlock()
	metrics.EventsEmittedTotal.Inc()

	if s.store != nil {
		_ = s.store.SaveLastID(nextID)
		_ = s.store.SaveCheckpoint(ringCopy)
	}

	for _, sub := range subs {
		select {
		case sub <- evt:
		default: // a slow subscriber drops events rather than stalling publish
		}
	}
	return evt
}

// ReplayFrom returns every buffered event with id > lastEventID, or the
// whole buffer if lastEventID is 0. ok is false if lastEventID predates
// what the ring buffer still retains, meaning the caller missed events
// this stream can no longer replay.
func (s *EventStream) ReplayFrom(lastEventID uint64) (events []types.Event, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lastEventID == 0 {
		return append([]types.Event(nil), s.ring...), true
	}
	if len(s.ring) > 0 && s.ring[0].ID > lastEventID+1 {
		return nil, false
	}

	out := make([]types.Event, 0, len(s.ring))
	for _, e := range s.ring {
		if e.ID > lastEventID {
			out = append(out, e)
		}
	}
	return out, true
}
