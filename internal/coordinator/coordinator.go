// Package coordinator is the single façade over foodrelay's state.
//
// HTTP handlers, the WebSocket feed, the CLI (through HTTP) and the expiry
// sweeper all call the Coordinator, never storage directly. Every mutation
// runs in one storage transaction:
//
//	load actor → lifecycle check → write records → append events → notify
//
// and only after the transaction commits are events published on the bus,
// metrics bumped and the expiry sweeper updated. A failed step anywhere
// rolls the whole operation back.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/snehjoshi/foodrelay/internal/config"
	"github.com/snehjoshi/foodrelay/internal/events"
	"github.com/snehjoshi/foodrelay/internal/lifecycle"
	"github.com/snehjoshi/foodrelay/internal/metrics"
	"github.com/snehjoshi/foodrelay/internal/node"
	"github.com/snehjoshi/foodrelay/internal/storage"
	"github.com/snehjoshi/foodrelay/internal/types"
)

// ─── Error sentinels ──────────────────────────────────────────────────────────

var (
	ErrInvalidInput    = errors.New("coordinator: invalid input")
	ErrUnauthenticated = errors.New("coordinator: unknown user")
	ErrInactive        = errors.New("coordinator: account is deactivated")
	ErrNotVerified     = errors.New("coordinator: account is not verified")
	ErrExpired         = errors.New("coordinator: donation has expired")
	ErrPartnerBusy     = errors.New("coordinator: delivery partner is busy")
	ErrNoPartner       = errors.New("coordinator: no delivery partner available")
	ErrExists          = errors.New("coordinator: already exists")

	// ErrForbidden is lifecycle's sentinel so callers need a single errors.Is
	// for both role and ownership refusals.
	ErrForbidden = lifecycle.ErrForbidden
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}

func forbidden(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrForbidden, fmt.Sprintf(format, args...))
}

// ExpiryScheduler is the part of the sweeper the coordinator drives.
type ExpiryScheduler interface {
	Schedule(donationID string, at time.Time)
	Cancel(donationID string)
}

// ─── Options ──────────────────────────────────────────────────────────────────

// Option is a functional option for the Coordinator.
type Option func(*Coordinator)

// WithBus publishes committed events on bus.
func WithBus(bus *events.Bus) Option {
	return func(c *Coordinator) { c.bus = bus }
}

// WithMetrics attaches a metrics registry.
func WithMetrics(reg *metrics.Registry) Option {
	return func(c *Coordinator) { c.metrics = reg }
}

// WithExpiryScheduler keeps s in step with every donation's expiry.
func WithExpiryScheduler(s ExpiryScheduler) Option {
	return func(c *Coordinator) { c.expiry = s }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.log = l }
}

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// ─── Coordinator ──────────────────────────────────────────────────────────────

// Coordinator owns the donation/delivery lifecycle. Safe for concurrent use;
// bbolt serialises the writers.
type Coordinator struct {
	store storage.Engine
	cfg   *config.Config

	// emitMu is taken before a write transaction commits and released once
	// its side effects are emitted, so subscribers see commit order.
	emitMu sync.Mutex

	bus     *events.Bus
	metrics *metrics.Registry
	expiry  ExpiryScheduler
	log     *slog.Logger
	now     func() time.Time
}

// New builds a Coordinator over store.
func New(store storage.Engine, cfg *config.Config, opts ...Option) *Coordinator {
	c := &Coordinator{
		store: store,
		cfg:   cfg,
		log:   slog.Default(),
		now:   time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Coordinator) clock() time.Time { return c.now().UTC() }

// ─── transaction plumbing ─────────────────────────────────────────────────────

// change collects the side effects of one transaction so they can be
// released only after commit.
type change struct {
	tx    storage.Tx
	actor types.Actor
	now   time.Time

	events     []types.Event
	schedule   map[string]time.Time
	unschedule map[string]struct{}
	dispatch   []string
	expired    int
}

// update runs fn in a write transaction and then emits what it collected.
func (c *Coordinator) update(ctx context.Context, actor types.Actor, fn func(*change) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var (
		ch     *change
		locked bool
	)
	err := c.store.Update(func(tx storage.Tx) error {
		ch = &change{
			tx:         tx,
			actor:      actor,
			now:        c.clock(),
			schedule:   make(map[string]time.Time),
			unschedule: make(map[string]struct{}),
		}
		if err := fn(ch); err != nil {
			return err
		}
		c.emitMu.Lock()
		locked = true
		return nil
	})
	if locked {
		defer c.emitMu.Unlock()
	}
	if err != nil {
		if errors.Is(err, storage.ErrConflict) {
			c.metrics.ObserveConflict()
		}
		return err
	}
	c.emit(ch)
	return nil
}

func (c *Coordinator) view(ctx context.Context, fn func(storage.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return c.store.View(fn)
}

func (c *Coordinator) emit(ch *change) {
	for i := range ch.events {
		e := &ch.events[i]
		c.metrics.ObserveTransition(e.Kind, e.From, e.To)
		c.log.Info("transition",
			"entity", e.Kind,
			"id", e.EntityID,
			"from", e.From,
			"to", e.To,
			"actor", e.ActorID,
		)
	}
	for _, outcome := range ch.dispatch {
		c.metrics.ObserveDispatch(outcome)
	}
	for i := 0; i < ch.expired; i++ {
		c.metrics.ObserveExpired()
	}
	if c.expiry != nil {
		for id := range ch.unschedule {
			c.expiry.Cancel(id)
		}
		for id, at := range ch.schedule {
			c.expiry.Schedule(id, at)
		}
	}
	if c.bus != nil && len(ch.events) > 0 {
		c.bus.Publish(ch.events...)
	}
}

// record appends an audit event for a transition and stages it for publishing.
func (ch *change) record(kind types.EntityKind, entityID string, d *types.Donation, from, to, reason string, by types.Actor, extra ...string) error {
	id, err := node.NewID()
	if err != nil {
		return fmt.Errorf("coordinator: event id: %w", err)
	}
	e := types.Event{
		ID:         id,
		Kind:       kind,
		EntityID:   entityID,
		DonationID: d.ID,
		From:       from,
		To:         to,
		ActorID:    by.ID,
		ActorRole:  by.Role,
		Reason:     reason,
		Parties:    parties(d, extra...),
		At:         ch.now,
	}
	if err := ch.tx.AppendEvent(&e); err != nil {
		return fmt.Errorf("coordinator: append event: %w", err)
	}
	ch.events = append(ch.events, e)
	return nil
}

// moveDonation validates and applies a donation transition, then writes d.
func (ch *change) moveDonation(d *types.Donation, to types.DonationStatus, by types.Actor, reason string, extra ...string) error {
	from := d.Status
	if err := lifecycle.CheckDonation(from, to, by.Role); err != nil {
		return err
	}
	d.Status = to
	d.UpdatedAt = ch.now
	if !lifecycle.IsPrePickup(to) {
		ch.unschedule[d.ID] = struct{}{}
	}
	if err := ch.tx.PutDonation(d); err != nil {
		return fmt.Errorf("coordinator: write donation %s: %w", d.ID, err)
	}
	return ch.record(types.EntityDonation, d.ID, d, string(from), string(to), reason, by, extra...)
}

// moveDelivery validates and applies a delivery transition, then writes del.
func (ch *change) moveDelivery(del *types.Delivery, d *types.Donation, to types.DeliveryStatus, by types.Actor, reason string, extra ...string) error {
	from := del.Status
	if err := lifecycle.CheckDelivery(from, to, by.Role); err != nil {
		return err
	}
	del.Status = to
	del.UpdatedAt = ch.now
	if err := ch.tx.PutDelivery(del); err != nil {
		return fmt.Errorf("coordinator: write delivery %s: %w", del.ID, err)
	}
	return ch.record(types.EntityDelivery, del.ID, d, string(from), string(to), reason, by, extra...)
}

// insertDelivery writes a new delivery and records its creation.
func (ch *change) insertDelivery(del *types.Delivery, d *types.Donation, by types.Actor) error {
	if err := ch.tx.PutDelivery(del); err != nil {
		return fmt.Errorf("coordinator: insert delivery: %w", err)
	}
	return ch.record(types.EntityDelivery, del.ID, d, "", string(del.Status), "", by)
}

// notify stores a notification for userID.
func (ch *change) notify(userID string, typ types.NotificationType, relatedID, title, format string, args ...any) error {
	if userID == "" || userID == ch.actor.ID {
		return nil
	}
	id, err := node.NewID()
	if err != nil {
		return fmt.Errorf("coordinator: notification id: %w", err)
	}
	n := &types.Notification{
		ID:        id,
		UserID:    userID,
		Title:     title,
		Message:   strings.TrimSpace(fmt.Sprintf(format, args...)),
		Type:      typ,
		RelatedID: relatedID,
		CreatedAt: ch.now,
	}
	if err := ch.tx.PutNotification(n); err != nil {
		return fmt.Errorf("coordinator: write notification: %w", err)
	}
	return nil
}

// parties lists everyone involved in d, plus extra, without duplicates.
func parties(d *types.Donation, extra ...string) []string {
	out := make([]string, 0, 3+len(extra))
	seen := make(map[string]bool, 3+len(extra))
	for _, id := range append([]string{d.DonorID, d.ClaimedBy, d.AssignedTo}, extra...) {
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// ─── actor resolution ─────────────────────────────────────────────────────────

// loadActor returns the active profile behind userID.
func loadActor(tx storage.Tx, userID string) (*types.Profile, error) {
	if userID == "" {
		return nil, ErrUnauthenticated
	}
	p, err := tx.Profile(userID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrUnauthenticated, userID)
	}
	if err != nil {
		return nil, err
	}
	if !p.IsActive {
		return nil, fmt.Errorf("%w: %s", ErrInactive, userID)
	}
	return p, nil
}

func requireRole(p *types.Profile, roles ...types.Role) error {
	for _, r := range roles {
		if p.Role == r {
			return nil
		}
	}
	return forbidden("role %q may not perform this operation", p.Role)
}

// loadDonation wraps storage.ErrNotFound with the donation id.
func loadDonation(tx storage.Tx, id string) (*types.Donation, error) {
	d, err := tx.Donation(id)
	if err != nil {
		return nil, fmt.Errorf("coordinator: donation %s: %w", id, err)
	}
	return d, nil
}

func loadDelivery(tx storage.Tx, id string) (*types.Delivery, error) {
	del, err := tx.Delivery(id)
	if err != nil {
		return nil, fmt.Errorf("coordinator: delivery %s: %w", id, err)
	}
	return del, nil
}

func timePtr(t time.Time) *time.Time { return &t }
