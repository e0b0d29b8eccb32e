package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/snehjoshi/foodrelay/pkg/client"
)

var validLogLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

func logLevelNames() string {
	names := make([]string, 0, len(validLogLevels))
	for k := range validLogLevels {
		names = append(names, k)
	}
	sort.Strings(names)
	return strings.Join(names, "|")
}

// app carries what every subcommand needs. Flags are read through v so that
// FOODRELAY_* environment variables and a config file can supply them.
type app struct {
	v   *viper.Viper
	out io.Writer
}

func newRootCmd(out io.Writer) *cobra.Command {
	a := &app{v: viper.New(), out: out}

	root := &cobra.Command{
		Use:           "foodrelayctl",
		Short:         "Command-line client for the foodrelay API",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := setLogLevel(a.v.GetString("log-level")); err != nil {
				return err
			}
			if err := validateURL(a.v.GetString("url")); err != nil {
				return err
			}
			slog.Debug("foodrelayctl initialised", "url", a.v.GetString("url"), "user", a.v.GetString("user"))
			return nil
		},
	}
	root.SetOut(out)

	flags := root.PersistentFlags()
	flags.StringP("url", "u", "http://localhost:8080", "root URL of the foodrelay server")
	flags.String("user", "", "user ID sent as X-User-Id")
	flags.String("api-key", "", "API key sent as X-Api-Key")
	flags.StringP("log-level", "l", "warn", fmt.Sprintf("log level (%s)", logLevelNames()))
	flags.Duration("timeout", 30*time.Second, "per-request timeout")
	for _, name := range []string{"url", "user", "api-key", "log-level", "timeout"} {
		if err := a.v.BindPFlag(name, flags.Lookup(name)); err != nil {
			slog.Error("unable to bind flag", "flag", name, "error", err)
		}
	}

	a.v.SetEnvPrefix("FOODRELAY")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()
	a.v.SetConfigName("foodrelayctl")
	a.v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		a.v.AddConfigPath(home + "/.config/foodrelay")
	}
	if err := a.v.ReadInConfig(); err == nil {
		slog.Debug("using config file", "path", a.v.ConfigFileUsed())
	}

	root.AddCommand(
		a.healthCmd(),
		a.donationsCmd(),
		a.deliveriesCmd(),
		a.statsCmd(),
	)
	return root
}

// client builds an API client from the resolved flags.
func (a *app) client() *client.Client {
	opts := []client.ClientOption{
		client.WithTimeout(a.v.GetDuration("timeout")),
		client.WithRetries(2),
	}
	if u := a.v.GetString("user"); u != "" {
		opts = append(opts, client.WithUser(u))
	}
	if k := a.v.GetString("api-key"); k != "" {
		opts = append(opts, client.WithAPIKey(k))
	}
	return client.New(strings.TrimSuffix(a.v.GetString("url"), "/"), opts...)
}

// print writes v as indented JSON.
func (a *app) print(v any) error {
	enc := json.NewEncoder(a.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (a *app) healthCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Check that the server is up",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			h, err := a.client().Health(cmd.Context())
			if err != nil {
				return err
			}
			return a.print(h)
		},
	}
}

func (a *app) statsCmd() *cobra.Command {
	var admin bool
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show dashboard counters for the current user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := a.client()
			if admin {
				s, err := c.AdminStats(cmd.Context())
				if err != nil {
					return err
				}
				return a.print(s)
			}
			s, err := c.MyStats(cmd.Context())
			if err != nil {
				return err
			}
			return a.print(s)
		},
	}
	cmd.Flags().BoolVar(&admin, "admin", false, "show platform-wide counters (admin only)")
	return cmd
}

func setLogLevel(name string) error {
	level, ok := validLogLevels[name]
	if !ok {
		return fmt.Errorf("invalid log level %q, valid levels are %s", name, logLevelNames())
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return nil
}

func validateURL(raw string) error {
	if raw == "" {
		return errors.New("URL cannot be empty")
	}
	u, err := url.ParseRequestURI(raw)
	if err != nil {
		return fmt.Errorf("invalid URL %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("invalid URL %q: scheme must be http or https", raw)
	}
	return nil
}
