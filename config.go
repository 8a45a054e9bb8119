package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	bind          string
	databaseURL   string
	finishedTTL   time.Duration
	port          int
	prefix        string
	profile       bool
	roomGrace     time.Duration
	sweepInterval time.Duration
	tlsCert       string
	tlsKey        string
	verbose       bool
	version       bool
}

func (c *Config) validate() error {
	if (c.tlsCert == "") != (c.tlsKey == "") {
		return errors.New("both --tls-cert and --tls-key must be provided together")
	}
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	if c.sweepInterval < time.Second {
		return fmt.Errorf("invalid sweep interval (must be at least 1s): %s", c.sweepInterval)
	}
	if c.roomGrace < 0 {
		return fmt.Errorf("invalid room grace period: %s", c.roomGrace)
	}
	return nil
}

func (c *Config) scheme() string {
	if c.tlsCert != "" && c.tlsKey != "" {
		return "https"
	}
	return "http"
}

func newCmd(cfg *Config) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("GRIDLOCK")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "gridlock",
		Short:         "A real-time multiplayer tic-tac-toe session server.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		Version:       releaseVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			return ServePage(cmd.Context(), cfg, args)
		},
	}

	fs := cmd.Flags()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: GRIDLOCK_BIND)")
	fs.StringVar(&cfg.databaseURL, "database-url", "", "postgres connection string; in-memory storage when empty (env: GRIDLOCK_DATABASE_URL)")
	fs.DurationVar(&cfg.finishedTTL, "finished-ttl", 30*time.Second, "time finished games remain queryable before eviction (env: GRIDLOCK_FINISHED_TTL)")
	fs.IntVarP(&cfg.port, "port", "p", 8080, "port to listen on (env: GRIDLOCK_PORT)")
	fs.StringVar(&cfg.prefix, "prefix", "", "path to prepend to all URLs, for use behind reverse proxy (env: GRIDLOCK_PREFIX)")
	fs.BoolVar(&cfg.profile, "profile", false, "register net/http/pprof handlers (env: GRIDLOCK_PROFILE)")
	fs.DurationVar(&cfg.roomGrace, "room-grace", 5*time.Minute, "time empty rooms linger before deletion (env: GRIDLOCK_ROOM_GRACE)")
	fs.DurationVar(&cfg.sweepInterval, "sweep-interval", 60*time.Second, "interval between background cleanup sweeps (env: GRIDLOCK_SWEEP_INTERVAL)")
	fs.StringVar(&cfg.tlsCert, "tls-cert", "", "path to tls certificate (env: GRIDLOCK_TLS_CERT)")
	fs.StringVar(&cfg.tlsKey, "tls-key", "", "path to tls keyfile (env: GRIDLOCK_TLS_KEY)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "display additional output (env: GRIDLOCK_VERBOSE)")
	fs.BoolVarP(&cfg.version, "version", "V", false, "display version and exit (env: GRIDLOCK_VERSION)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("gridlock v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}
