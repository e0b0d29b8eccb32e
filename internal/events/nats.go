package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/snehjoshi/foodrelay/internal/config"
	"github.com/snehjoshi/foodrelay/internal/types"
)

// Conn is the part of *nats.Conn the publisher uses.
type Conn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// NATSPublisher forwards bus events to NATS subjects
// "<prefix>.<kind>.<to_status>", e.g. "foodrelay.events.donation.claimed".
type NATSPublisher struct {
	conn   Conn
	prefix string
	log    *slog.Logger
}

// DialNATS connects to the server in cfg and returns a publisher.
func DialNATS(cfg config.NATSConfig, logger *slog.Logger) (*NATSPublisher, error) {
	nc, err := nats.Connect(cfg.URL,
		nats.Name("foodrelay"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(time.Duration(cfg.ReconnectWaitMs)*time.Millisecond),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats: disconnected", "error", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Info("nats: reconnected", "url", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("events: connect nats %s: %w", cfg.URL, err)
	}
	return NewNATSPublisher(nc, cfg.SubjectPrefix, logger), nil
}

// NewNATSPublisher wraps an existing connection.
func NewNATSPublisher(conn Conn, prefix string, logger *slog.Logger) *NATSPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &NATSPublisher{conn: conn, prefix: strings.TrimSuffix(prefix, "."), log: logger}
}

// Subject returns the subject e is published on.
func (p *NATSPublisher) Subject(e *types.Event) string {
	return p.prefix + "." + string(e.Kind) + "." + e.To
}

// Publish sends one event.
func (p *NATSPublisher) Publish(e *types.Event) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("events: encode %s: %w", e.ID, err)
	}
	if err := p.conn.Publish(p.Subject(e), data); err != nil {
		return fmt.Errorf("events: publish %s: %w", e.ID, err)
	}
	return nil
}

// Run publishes everything arriving on sub until ctx is done or sub closes.
func (p *NATSPublisher) Run(ctx context.Context, sub *Subscription) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.Events():
			if !ok {
				return
			}
			if err := p.Publish(&e); err != nil {
				p.log.Warn("nats: publish failed", "event", e.ID, "error", err)
			}
		}
	}
}

// Close flushes pending messages and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}
