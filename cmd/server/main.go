// Command foodrelay-server is the food rescue coordination server process.
// It loads configuration, initialises node identity, and starts the server.
//
// Usage:
//
//	foodrelay-server [--config path/to/config.yaml]
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/snehjoshi/foodrelay/internal/config"
	"github.com/snehjoshi/foodrelay/internal/coordinator"
	"github.com/snehjoshi/foodrelay/internal/events"
	"github.com/snehjoshi/foodrelay/internal/metrics"
	"github.com/snehjoshi/foodrelay/internal/node"
	"github.com/snehjoshi/foodrelay/internal/storage/bolt"
	"github.com/snehjoshi/foodrelay/internal/sweeper"
	transphttp "github.com/snehjoshi/foodrelay/internal/transport/http"
	"github.com/snehjoshi/foodrelay/internal/webhook"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "foodrelay: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "config.yaml", "path to config file")
	flag.Parse()

	// ── 1. Load configuration ────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	// ── 2. Set up structured logger ──────────────────────────────────────────
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	// ── 3. Initialise node identity ──────────────────────────────────────────
	n, err := node.New(cfg.Node.DataDir, cfg.Node.ID)
	if err != nil {
		return fmt.Errorf("init node: %w", err)
	}
	logger = logger.With("node_id", n.ID().String())

	logger.Info("foodrelay starting",
		"host", cfg.Node.Host,
		"port", cfg.Node.Port,
		"data_dir", n.DataDir(),
		"dispatch_mode", cfg.Dispatch.Mode,
		"nats_enabled", cfg.Events.NATS.Enabled,
	)

	// ── 4. Open storage ──────────────────────────────────────────────────────
	dbPath := filepath.Join(cfg.Node.DataDir, cfg.Storage.File)
	store, err := bolt.Open(dbPath, time.Duration(cfg.Storage.OpenTimeoutMs)*time.Millisecond)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warn("storage close error", "err", err)
		}
	}()

	// ── 5. Metrics and event bus ─────────────────────────────────────────────
	var reg *metrics.Registry
	if cfg.Metrics.Enabled {
		reg = metrics.New()
	}
	bus := events.NewBus(events.WithDropHook(reg.ObserveEventDrop))
	defer bus.Close()
	reg.WatchGauge("event_subscribers", "Live event bus subscriptions.", func() float64 {
		return float64(bus.Len())
	})

	// ── 6. Coordinator and expiry sweeper ────────────────────────────────────
	opts := []coordinator.Option{
		coordinator.WithBus(bus),
		coordinator.WithMetrics(reg),
		coordinator.WithLogger(logger),
	}
	var sw *sweeper.Sweeper
	if cfg.Expiry.Enabled {
		sw = sweeper.New(sweeper.WithLogger(logger))
		opts = append(opts, coordinator.WithExpiryScheduler(sw))
		reg.WatchGauge("expiry_pending", "Donations waiting in the expiry sweeper.", func() float64 {
			return float64(sw.Len())
		})
	}
	coord := coordinator.New(store, cfg, opts...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if sw != nil {
		loaded, err := coord.LoadExpiries(ctx)
		if err != nil {
			return fmt.Errorf("load expiries: %w", err)
		}
		logger.Info("expiry sweeper primed", "donations", loaded)
		sw.Start(ctx, coord.ExpireDonation)
		defer sw.Stop()
	}

	// ── 7. Webhooks and NATS fan-out ─────────────────────────────────────────
	hooks := webhook.NewManager(bus, cfg.Webhook,
		webhook.WithMetrics(reg),
		webhook.WithLogger(logger),
	)
	defer hooks.Close()

	g, gctx := errgroup.WithContext(ctx)

	if cfg.Events.NATS.Enabled {
		pub, err := events.DialNATS(cfg.Events.NATS, logger)
		if err != nil {
			return err
		}
		defer func() {
			if err := pub.Close(); err != nil {
				logger.Warn("nats drain error", "err", err)
			}
		}()
		feed := bus.Subscribe(nil, cfg.Events.SubscriberBuffer)
		g.Go(func() error {
			defer feed.Close()
			pub.Run(gctx, feed)
			return nil
		})
	}

	// ── 8. Start HTTP / WebSocket transport ──────────────────────────────────
	srv := transphttp.New(coord, bus, hooks, cfg, reg, n.ID().String())
	addr := fmt.Sprintf("%s:%d", cfg.Node.Host, cfg.Node.Port)
	g.Go(func() error {
		logger.Info("foodrelay ready", "addr", addr)
		if err := srv.ListenAndServe(addr); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	// ── 9. Start dedicated Prometheus metrics listener ───────────────────────
	var metricsSrv *http.Server
	if reg != nil {
		metricsSrv = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Metrics.Port),
			Handler:           reg.Handler(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			logger.Info("metrics server listening", "addr", metricsSrv.Addr)
			if err := metricsSrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	// ── 10. Graceful shutdown on SIGINT / SIGTERM ─────────────────────────────
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		// Give in-flight requests 5 seconds to complete.
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			logger.Warn("server shutdown error", "err", err)
		}
		if metricsSrv != nil {
			if err := metricsSrv.Shutdown(shutCtx); err != nil {
				logger.Warn("metrics shutdown error", "err", err)
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("foodrelay stopped")
	return nil
}

// newLogger builds the process logger from the log section of the config.
func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "text" {
		return slog.New(slog.NewTextHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, opts))
}
