// Package webhook pushes lifecycle events to HTTP endpoints registered by an
// administrator.
//
// Each subscription owns one goroutine fed by its own bus subscription, so a
// slow endpoint only ever delays (or, once its buffer is full, drops) its own
// events.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/snehjoshi/foodrelay/internal/config"
	"github.com/snehjoshi/foodrelay/internal/events"
	"github.com/snehjoshi/foodrelay/internal/metrics"
	"github.com/snehjoshi/foodrelay/internal/node"
	"github.com/snehjoshi/foodrelay/internal/types"
)

var (
	ErrSubscriptionNotFound = errors.New("webhook: subscription not found")
	ErrInvalidURL           = errors.New("webhook: url must be absolute http or https")
)

// Subscription is one registered endpoint.
type Subscription struct {
	ID        string             `json:"id"`
	URL       string             `json:"url"`
	Kinds     []types.EntityKind `json:"kinds,omitempty"`
	CreatedAt time.Time          `json:"created_at"`

	secret string
	cancel context.CancelFunc
	feed   *events.Subscription
}

// Option configures a Manager.
type Option func(*Manager)

// WithHTTPClient replaces the client used for deliveries.
func WithHTTPClient(c *http.Client) Option {
	return func(m *Manager) { m.client = c }
}

// WithMetrics counts delivery outcomes.
func WithMetrics(reg *metrics.Registry) Option {
	return func(m *Manager) { m.metrics = reg }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.log = l }
}

// Manager owns the webhook subscriptions.
type Manager struct {
	bus     *events.Bus
	cfg     config.WebhookConfig
	client  *http.Client
	metrics *metrics.Registry
	log     *slog.Logger

	mu   sync.RWMutex
	subs map[string]*Subscription
	wg   sync.WaitGroup
}

// NewManager creates a Manager that reads events from bus.
func NewManager(bus *events.Bus, cfg config.WebhookConfig, opts ...Option) *Manager {
	m := &Manager{
		bus:  bus,
		cfg:  cfg,
		log:  slog.Default(),
		subs: make(map[string]*Subscription),
	}
	for _, o := range opts {
		o(m)
	}
	if m.client == nil {
		timeout := time.Duration(cfg.TimeoutMs) * time.Millisecond
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		m.client = &http.Client{Timeout: timeout}
	}
	return m
}

// Register starts pushing events to rawURL. With kinds set only events about
// those entities are sent. A non-empty secret signs every body.
func (m *Manager) Register(rawURL, secret string, kinds []types.EntityKind) (*Subscription, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrInvalidURL, rawURL)
	}
	for _, k := range kinds {
		if k != types.EntityDonation && k != types.EntityDelivery {
			return nil, fmt.Errorf("webhook: unknown event kind %q", k)
		}
	}
	id, err := node.NewID()
	if err != nil {
		return nil, fmt.Errorf("webhook: generate subscription ID: %w", err)
	}

	var filter events.Filter
	if len(kinds) > 0 {
		filter = events.ForKinds(kinds...)
	}
	buffer := m.cfg.BufferSize
	if buffer < 1 {
		buffer = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	sub := &Subscription{
		ID:        id,
		URL:       u.String(),
		Kinds:     kinds,
		CreatedAt: time.Now().UTC(),
		secret:    secret,
		cancel:    cancel,
		feed:      m.bus.Subscribe(filter, buffer),
	}

	m.mu.Lock()
	m.subs[id] = sub
	m.mu.Unlock()

	m.wg.Add(1)
	go m.deliveryLoop(ctx, sub)
	m.log.Info("webhook registered", "id", id, "url", sub.URL, "kinds", kinds)
	return sub, nil
}

// List returns every subscription, oldest first.
func (m *Manager) List() []*Subscription {
	m.mu.RLock()
	out := make([]*Subscription, 0, len(m.subs))
	for _, s := range m.subs {
		out = append(out, s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Deregister stops and removes a subscription.
func (m *Manager) Deregister(id string) error {
	m.mu.Lock()
	sub, ok := m.subs[id]
	if ok {
		delete(m.subs, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSubscriptionNotFound, id)
	}
	sub.stop()
	m.log.Info("webhook deregistered", "id", id)
	return nil
}

// Close stops every subscription and waits for in-flight deliveries to end.
func (m *Manager) Close() {
	m.mu.Lock()
	for _, sub := range m.subs {
		sub.stop()
	}
	m.subs = make(map[string]*Subscription)
	m.mu.Unlock()
	m.wg.Wait()
}

func (s *Subscription) stop() {
	s.cancel()
	s.feed.Close()
}

func (m *Manager) deliveryLoop(ctx context.Context, sub *Subscription) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.feed.Events():
			if !ok {
				return
			}
			m.deliverWithRetry(ctx, sub, &e)
		}
	}
}

// deliverWithRetry tries once, then once more after each configured delay.
func (m *Manager) deliverWithRetry(ctx context.Context, sub *Subscription, e *types.Event) {
	err := deliver(ctx, m.client, sub, e)
	for _, ms := range m.cfg.RetryDelaysMs {
		if err == nil {
			break
		}
		m.metrics.ObserveWebhook("retry")
		m.log.Debug("webhook delivery failed, retrying", "sub", sub.ID, "event", e.ID, "err", err)

		t := time.NewTimer(time.Duration(ms) * time.Millisecond)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
		err = deliver(ctx, m.client, sub, e)
	}
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.metrics.ObserveWebhook("dropped")
		m.log.Warn("webhook delivery dropped", "sub", sub.ID, "url", sub.URL, "event", e.ID, "err", err)
		return
	}
	m.metrics.ObserveWebhook("delivered")
}
