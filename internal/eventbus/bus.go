// Package eventbus is the decoupled notification channel between the
// transport/discovery layer and UI or logging collaborators. One bus per
// process, explicitly constructed and injected.
package eventbus

import (
	"sync"

	logging "github.com/ipfs/go-log/v2"

	"github.com/meshlink/meshlink/internal/util"
)

var log = logging.Logger("meshlink/eventbus")

// DefaultHistory is the bounded event history capacity. Oldest entries
// are overwritten once the cap is reached.
const DefaultHistory = 1000

const subscriberBuffer = 64

type subscriber struct {
	ch    chan Event
	match func(Event) bool // nil matches everything
}

// Bus broadcasts events to any number of subscribers and keeps a bounded
// trim-oldest history for diagnostics. Publish order is preserved per
// subscriber; a slow subscriber drops events rather than blocking the
// publisher.
type Bus struct {
	mu      sync.RWMutex
	closed  bool
	subs    map[int]*subscriber
	nextSub int
	counts  map[EventType]uint64
	history *util.RingBuffer[Event]
}

// New creates a bus with the default history capacity.
func New() *Bus {
	return NewWithHistory(DefaultHistory)
}

// NewWithHistory creates a bus keeping at most cap events of history.
func NewWithHistory(cap int) *Bus {
	if cap <= 0 {
		cap = DefaultHistory
	}
	return &Bus{
		subs:    make(map[int]*subscriber),
		counts:  make(map[EventType]uint64),
		history: util.NewRingBuffer[Event](cap),
	}
}

// Publish appends the event to history and delivers it to every matching
// subscriber. Publishing on a closed bus is a silent no-op; Publish never
// fails back to the caller.
func (b *Bus) Publish(evt Event) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.counts[evt.Type]++
	b.history.Push(evt)
	b.mu.Unlock()

	b.mu.RLock()
	for _, sub := range b.subs {
		if sub.match != nil && !sub.match(evt) {
			continue
		}
		select {
		case sub.ch <- evt:
		default:
			log.Debugw("subscriber full, dropping event", "type", evt.Type)
		}
	}
	b.mu.RUnlock()
}

// Subscribe returns a feed of events of the given type, from this moment
// onward (no backlog replay), and a cancel function.
func (b *Bus) Subscribe(t EventType) (<-chan Event, func()) {
	return b.subscribe(func(e Event) bool { return e.Type == t })
}

// SubscribeAll mirrors every published event.
func (b *Bus) SubscribeAll() (<-chan Event, func()) {
	return b.subscribe(nil)
}

// EventsForDevice returns a feed of all events concerning one device.
func (b *Bus) EventsForDevice(deviceID string) (<-chan Event, func()) {
	return b.subscribe(func(e Event) bool { return e.DeviceID == deviceID })
}

// EventsForOperation returns a feed of all events tagged with one
// operation kind (discovery, ping, handshake, ...).
func (b *Bus) EventsForOperation(op string) (<-chan Event, func()) {
	return b.subscribe(func(e Event) bool { return e.Operation == op })
}

func (b *Bus) subscribe(match func(Event) bool) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	id := b.nextSub
	b.nextSub++
	b.subs[id] = &subscriber{ch: ch, match: match}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if sub, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(sub.ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// History returns the most recent limit events (oldest first); limit <= 0
// returns everything retained.
func (b *Bus) History(limit int) []Event {
	return b.history.Last(limit)
}

// Stats returns publish counts grouped by event type name.
func (b *Bus) Stats() map[string]uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]uint64, len(b.counts))
	for t, n := range b.counts {
		out[string(t)] = n
	}
	return out
}

// Close closes every subscriber channel and clears the history. Later
// publishes are no-ops.
func (b *Bus) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
	b.mu.Unlock()

	b.history.Clear()
}
