// Package config holds all configuration types and loading logic for foodrelay.
// Config structure never shrinks: fields are only added, never renamed or removed.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for a foodrelay server instance.
type Config struct {
	Node     NodeConfig     `yaml:"node"`
	Storage  StorageConfig  `yaml:"storage"`
	Auth     AuthConfig     `yaml:"auth"`
	HTTP     HTTPConfig     `yaml:"http"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	Dispatch DispatchConfig `yaml:"dispatch"`
	Expiry   ExpiryConfig   `yaml:"expiry"`
	Events   EventsConfig   `yaml:"events"`
	Log      LogConfig      `yaml:"log"`
}

// NodeConfig holds identity and network settings for this server node.
type NodeConfig struct {
	// ID is a ULID string. Use "auto" to generate and persist one on first start.
	ID      string `yaml:"id"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
	DataDir string `yaml:"data_dir"`
}

// StorageConfig controls the bbolt database.
type StorageConfig struct {
	// File is the database file name inside node.data_dir.
	File string `yaml:"file"`
	// OpenTimeoutMs bounds how long Open waits for the file lock.
	OpenTimeoutMs int `yaml:"open_timeout_ms"`
}

// AuthConfig controls API key authentication and admin bootstrap.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	APIKey  string `yaml:"api_key"`
	// AdminIDs lists identity-provider user IDs allowed to register as admin.
	AdminIDs []string `yaml:"admin_ids"`
}

// HTTPConfig holds transport limits.
type HTTPConfig struct {
	RateLimitRPS   float64 `yaml:"rate_limit_rps"`
	RateLimitBurst int     `yaml:"rate_limit_burst"`
	// WSQueryIdentity lets /ws read the caller from ?user= when X-User-Id is
	// absent. Enable it only when the gateway sets or strips that parameter.
	WSQueryIdentity bool `yaml:"ws_query_identity"`
}

// MetricsConfig controls the Prometheus metrics endpoint.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// WebhookConfig controls behaviour when pushing lifecycle events to webhook subscribers.
type WebhookConfig struct {
	// RetryDelaysMs is the list of delays between successive retry attempts.
	RetryDelaysMs []int `yaml:"retry_delays_ms"`
	TimeoutMs     int   `yaml:"timeout_ms"`
	BufferSize    int   `yaml:"buffer_size"`
}

// DispatchMode selects how a claimed donation gets a courier.
type DispatchMode string

const (
	DispatchAuto DispatchMode = "auto" // pick a free partner at claim time
	DispatchPool DispatchMode = "pool" // publish an open job; partners accept it
)

// DispatchConfig controls courier assignment.
type DispatchConfig struct {
	Mode                   DispatchMode `yaml:"mode"`
	PickupETAMinutes       int          `yaml:"pickup_eta_minutes"`
	DeliveryETAMinutes     int          `yaml:"delivery_eta_minutes"`
	RequireVerifiedNGO     bool         `yaml:"require_verified_ngo"`
	RequireVerifiedPartner bool         `yaml:"require_verified_partner"`
}

// PickupETA returns the pickup estimate offset as a duration.
func (d DispatchConfig) PickupETA() time.Duration {
	return time.Duration(d.PickupETAMinutes) * time.Minute
}

// DeliveryETA returns the delivery estimate offset as a duration.
func (d DispatchConfig) DeliveryETA() time.Duration {
	return time.Duration(d.DeliveryETAMinutes) * time.Minute
}

// ExpiryConfig controls the expiry sweeper.
type ExpiryConfig struct {
	Enabled bool `yaml:"enabled"`
	// MaxListingHours caps how far in the future a donation's expiry may be.
	MaxListingHours int `yaml:"max_listing_hours"`
}

// EventsConfig controls lifecycle event fan-out.
type EventsConfig struct {
	SubscriberBuffer int        `yaml:"subscriber_buffer"`
	NATS             NATSConfig `yaml:"nats"`
}

// NATSConfig controls the optional NATS publisher.
type NATSConfig struct {
	Enabled         bool   `yaml:"enabled"`
	URL             string `yaml:"url"`
	SubjectPrefix   string `yaml:"subject_prefix"`
	MaxReconnects   int    `yaml:"max_reconnects"`
	ReconnectWaitMs int    `yaml:"reconnect_wait_ms"`
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" | "text"
}

// Default returns a Config populated with safe, sensible defaults.
// It is the canonical source of truth for default values.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID:      "auto",
			Host:    "0.0.0.0",
			Port:    8080,
			DataDir: "./data",
		},
		Storage: StorageConfig{
			File:          "foodrelay.db",
			OpenTimeoutMs: 1_000,
		},
		Auth: AuthConfig{
			Enabled:  false,
			APIKey:   "",
			AdminIDs: []string{},
		},
		HTTP: HTTPConfig{
			RateLimitRPS:   100,
			RateLimitBurst: 200,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
		Webhook: WebhookConfig{
			RetryDelaysMs: []int{1_000, 5_000, 30_000},
			TimeoutMs:     5_000,
			BufferSize:    256,
		},
		Dispatch: DispatchConfig{
			Mode:                   DispatchAuto,
			PickupETAMinutes:       30,
			DeliveryETAMinutes:     60,
			RequireVerifiedNGO:     true,
			RequireVerifiedPartner: false,
		},
		Expiry: ExpiryConfig{
			Enabled:         true,
			MaxListingHours: 72,
		},
		Events: EventsConfig{
			SubscriberBuffer: 64,
			NATS: NATSConfig{
				Enabled:         false,
				URL:             "nats://127.0.0.1:4222",
				SubjectPrefix:   "foodrelay.events",
				MaxReconnects:   5,
				ReconnectWaitMs: 1_000,
			},
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads a YAML config file at path and overlays it on top of Default().
// If the file does not exist the default config is returned without error.
//
// After loading the file, environment variables are applied as overrides:
//
//	FOODRELAY_AUTH_API_KEY   sets auth.api_key and enables auth
//	FOODRELAY_DATA_DIR       sets node.data_dir
//	FOODRELAY_PORT           sets node.port
//	FOODRELAY_NATS_URL       sets events.nats.url and enables NATS
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(cfg)
			return cfg, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	applyEnv(cfg)
	return cfg, nil
}

// applyEnv overlays environment variable overrides onto cfg.
func applyEnv(cfg *Config) {
	if v := os.Getenv("FOODRELAY_AUTH_API_KEY"); v != "" {
		cfg.Auth.APIKey = v
		cfg.Auth.Enabled = true
	}
	if v := os.Getenv("FOODRELAY_DATA_DIR"); v != "" {
		cfg.Node.DataDir = v
	}
	if v := os.Getenv("FOODRELAY_PORT"); v != "" {
		var p int
		if _, err := fmt.Sscanf(v, "%d", &p); err == nil && p > 0 {
			cfg.Node.Port = p
		}
	}
	if v := os.Getenv("FOODRELAY_NATS_URL"); v != "" {
		cfg.Events.NATS.URL = v
		cfg.Events.NATS.Enabled = true
	}
}

// IsAdminID reports whether id is listed in auth.admin_ids.
func (c *Config) IsAdminID(id string) bool {
	for _, a := range c.Auth.AdminIDs {
		if a == id {
			return true
		}
	}
	return false
}

// Validate checks that the config values are consistent and within acceptable
// ranges. It returns the first error found.
func (c *Config) Validate() error {
	if c.Node.Port < 1 || c.Node.Port > 65535 {
		return errors.New("node.port must be between 1 and 65535")
	}
	if c.Node.DataDir == "" {
		return errors.New("node.data_dir must not be empty")
	}
	if c.Storage.File == "" {
		return errors.New("storage.file must not be empty")
	}
	if c.Metrics.Port < 1 || c.Metrics.Port > 65535 {
		return errors.New("metrics.port must be between 1 and 65535")
	}
	if c.HTTP.RateLimitRPS <= 0 || c.HTTP.RateLimitBurst < 1 {
		return errors.New("http.rate_limit_rps must be > 0 and http.rate_limit_burst >= 1")
	}
	switch c.Dispatch.Mode {
	case DispatchAuto, DispatchPool:
	default:
		return errors.New(`dispatch.mode must be one of "auto", "pool"`)
	}
	if c.Dispatch.PickupETAMinutes < 0 || c.Dispatch.DeliveryETAMinutes < c.Dispatch.PickupETAMinutes {
		return errors.New("dispatch.delivery_eta_minutes must be >= dispatch.pickup_eta_minutes >= 0")
	}
	if c.Expiry.MaxListingHours < 1 {
		return errors.New("expiry.max_listing_hours must be at least 1")
	}
	for _, d := range c.Webhook.RetryDelaysMs {
		if d < 0 {
			return errors.New("webhook.retry_delays_ms must not contain negative delays")
		}
	}
	if c.Webhook.BufferSize < 1 || c.Events.SubscriberBuffer < 1 {
		return errors.New("webhook.buffer_size and events.subscriber_buffer must be at least 1")
	}
	if c.Events.NATS.Enabled && c.Events.NATS.URL == "" {
		return errors.New("events.nats.url must be set when NATS is enabled")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return errors.New(`log.level must be one of "debug", "info", "warn", "error"`)
	}
	return nil
}
