// Package sweeper expires donations whose expiry time has passed.
//
// Pending expiries live in a min-heap keyed by expiry time. One goroutine
// sleeps until the root is due, pops it and hands the donation ID to the
// expire callback. Schedule wakes the goroutine through a 1-buffered notify
// channel whenever the new entry might be due sooner than the current timer.
//
// The sweeper only knows IDs and times. Whether a donation is still eligible
// to expire is decided by the callback (the coordinator re-reads the record
// inside a transaction), so a stale entry is harmless.
package sweeper

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"
)

// ExpireFunc is called from the sweeper goroutine for each due donation.
type ExpireFunc func(ctx context.Context, donationID string) error

// Sweeper schedules donation expiries. All methods are safe for concurrent use.
type Sweeper struct {
	mu   sync.Mutex
	h    expiryHeap
	byID map[string]*entry

	notify chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
	log    *slog.Logger
}

// Option configures a Sweeper.
type Option func(*Sweeper)

// WithLogger sets the logger used for callback failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sweeper) { s.log = l }
}

// New creates an idle Sweeper. Call Start to begin expiring.
func New(opts ...Option) *Sweeper {
	h := make(expiryHeap, 0, 64)
	heap.Init(&h)
	s := &Sweeper{
		h:      h,
		byID:   make(map[string]*entry),
		notify: make(chan struct{}, 1),
		done:   make(chan struct{}),
		log:    slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Schedule registers (or moves) the expiry of donationID. Scheduling an ID
// that is already pending replaces the old entry.
func (s *Sweeper) Schedule(donationID string, at time.Time) {
	s.mu.Lock()
	if prev, ok := s.byID[donationID]; ok {
		s.h.remove(prev.idx)
	}
	e := &entry{donationID: donationID, expiresAt: at.UnixMilli()}
	heap.Push(&s.h, e)
	s.byID[donationID] = e
	s.mu.Unlock()

	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Cancel drops the pending expiry of donationID. No-op if none is pending.
func (s *Sweeper) Cancel(donationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.byID[donationID]
	if !ok {
		return
	}
	s.h.remove(e.idx)
	delete(s.byID, donationID)
}

// Len returns the number of pending expiries.
func (s *Sweeper) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byID)
}

// Next returns the earliest pending expiry. ok is false when none is pending.
func (s *Sweeper) Next() (donationID string, at time.Time, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.h.Len() == 0 {
		return "", time.Time{}, false
	}
	root := s.h[0]
	return root.donationID, time.UnixMilli(root.expiresAt), true
}

// Start launches the sweeper goroutine. Start must be called exactly once.
func (s *Sweeper) Start(ctx context.Context, fn ExpireFunc) {
	s.wg.Add(1)
	go s.run(ctx, fn)
}

// Stop shuts the goroutine down and waits for it. Pending entries are abandoned.
func (s *Sweeper) Stop() {
	select {
	case <-s.done:
	default:
		close(s.done)
	}
	s.wg.Wait()
}

func (s *Sweeper) run(ctx context.Context, fn ExpireFunc) {
	defer s.wg.Done()

	var t *time.Timer
	defer func() {
		if t != nil {
			t.Stop()
		}
	}()

	for {
		s.mu.Lock()
		var root *entry
		if s.h.Len() > 0 {
			root = s.h[0]
		}
		s.mu.Unlock()

		if root == nil {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case <-s.notify:
			}
			continue
		}

		delay := time.Until(time.UnixMilli(root.expiresAt))
		if delay <= 0 {
			s.fire(ctx, fn)
			continue
		}

		if t == nil {
			t = time.NewTimer(delay)
		} else {
			t.Reset(delay)
		}

		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case <-s.notify:
			if !t.Stop() {
				select {
				case <-t.C:
				default:
				}
			}
		case <-t.C:
			s.fire(ctx, fn)
		}
	}
}

// fire pops every due entry and runs fn for each, outside the lock.
func (s *Sweeper) fire(ctx context.Context, fn ExpireFunc) {
	now := time.Now().UnixMilli()
	var due []string
	s.mu.Lock()
	for s.h.Len() > 0 && s.h[0].expiresAt <= now {
		e := heap.Pop(&s.h).(*entry)
		delete(s.byID, e.donationID)
		due = append(due, e.donationID)
	}
	s.mu.Unlock()

	for _, id := range due {
		if err := fn(ctx, id); err != nil {
			s.log.Warn("sweeper: expire failed", "donation", id, "error", err)
		}
	}
}
