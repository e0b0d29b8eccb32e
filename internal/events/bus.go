// Package events fans lifecycle events out to in-process subscribers
// (WebSocket feeds, webhook workers, the NATS publisher).
//
// Publish never blocks. Each subscription owns a buffered channel; when it is
// full the event is dropped for that subscriber only and counted.
package events

import (
	"sync"
	"sync/atomic"

	"github.com/snehjoshi/foodrelay/internal/types"
)

// Filter selects the events a subscription receives. A nil Filter accepts all.
type Filter func(*types.Event) bool

// ForDonation accepts events about one donation.
func ForDonation(donationID string) Filter {
	return func(e *types.Event) bool { return e.DonationID == donationID }
}

// ForParty accepts events whose donation involves userID.
func ForParty(userID string) Filter {
	return func(e *types.Event) bool { return e.Involves(userID) }
}

// ForKinds accepts events of the listed entity kinds. No kinds accepts all.
func ForKinds(kinds ...types.EntityKind) Filter {
	if len(kinds) == 0 {
		return nil
	}
	return func(e *types.Event) bool {
		for _, k := range kinds {
			if e.Kind == k {
				return true
			}
		}
		return false
	}
}

// Subscription is one consumer's view of the bus.
type Subscription struct {
	id     uint64
	ch     chan types.Event
	filter Filter
	bus    *Bus
	once   sync.Once
}

// Events returns the receive channel. It is closed by Close or Bus.Close.
func (s *Subscription) Events() <-chan types.Event { return s.ch }

// Close detaches the subscription from the bus and closes its channel.
func (s *Subscription) Close() {
	s.bus.remove(s)
}

// Bus is an in-process publish/subscribe hub. Safe for concurrent use.
type Bus struct {
	mu      sync.RWMutex
	subs    map[uint64]*Subscription
	nextID  uint64
	closed  bool
	dropped atomic.Uint64
	onDrop  func()
}

// Option configures a Bus.
type Option func(*Bus)

// WithDropHook runs fn every time an event is dropped for a slow subscriber.
func WithDropHook(fn func()) Option {
	return func(b *Bus) { b.onDrop = fn }
}

// NewBus returns an empty bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{subs: make(map[uint64]*Subscription)}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Subscribe registers a new subscription with the given channel buffer.
// Subscribing to a closed bus returns a subscription whose channel is
// already closed.
func (b *Bus) Subscribe(filter Filter, buffer int) *Subscription {
	if buffer < 1 {
		buffer = 1
	}
	s := &Subscription{ch: make(chan types.Event, buffer), filter: filter, bus: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		s.once.Do(func() { close(s.ch) })
		return s
	}
	b.nextID++
	s.id = b.nextID
	b.subs[s.id] = s
	return s
}

// Publish delivers each event to every matching subscription.
func (b *Bus) Publish(evts ...types.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	for i := range evts {
		e := &evts[i]
		for _, s := range b.subs {
			if s.filter != nil && !s.filter(e) {
				continue
			}
			select {
			case s.ch <- *e:
			default:
				b.dropped.Add(1)
				if b.onDrop != nil {
					b.onDrop()
				}
			}
		}
	}
}

// Dropped returns how many deliveries were dropped for slow subscribers.
func (b *Bus) Dropped() uint64 { return b.dropped.Load() }

// Len returns the number of live subscriptions.
func (b *Bus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscription. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		delete(b.subs, id)
		s.once.Do(func() { close(s.ch) })
	}
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, s.id)
	s.once.Do(func() { close(s.ch) })
}
