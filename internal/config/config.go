// Package config loads the matching engine's runtime configuration
// from command-line flags, environment variables and an optional .env
// file, in that order of precedence (flags win).
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds everything the engine needs to start.
type Config struct {
	EventLogPath     string   `mapstructure:"event_log"`
	SnapshotDir      string   `mapstructure:"snapshot_dir"`
	SnapshotInterval uint64   `mapstructure:"snapshot_interval"`
	LogLevel         string   `mapstructure:"log_level"`
	Symbols          []string `mapstructure:"symbols"`
	MaxOrderSize     int64    `mapstructure:"max_order_size"`
	MaxNotional      int64    `mapstructure:"max_notional"`
}

// Load parses flags and layers environment variable overrides (prefix
// MATCHENGINE_) on top of the defaults below, then flags on top of
// that.
func Load(args []string) (Config, error) {
	flags := pflag.NewFlagSet("matchengine", pflag.ContinueOnError)

	flags.String("event-log", "", "path to the append-only event log; empty disables event durability")
	flags.String("snapshot-dir", "", "directory holding snapshot files; empty disables snapshotting")
	flags.Uint64("snapshot-interval", 1000, "sequence numbers between automatic snapshots")
	flags.String("log-level", "info", "log level: debug, info, warn, error")
	flags.StringSlice("symbols", []string{"BTC-USD", "ETH-USD"}, "comma-separated list of allowed symbols")
	flags.Int64("max-order-size", 1000, "maximum order quantity, in whole units")
	flags.Int64("max-notional", 10_000_000, "maximum order notional value, in whole quote units")

	if err := flags.Parse(args); err != nil {
		return Config{}, fmt.Errorf("config: parse flags: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("MATCHENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(flags); err != nil {
		return Config{}, fmt.Errorf("config: bind flags: %w", err)
	}

	return Config{
		EventLogPath:     v.GetString("event-log"),
		SnapshotDir:      v.GetString("snapshot-dir"),
		SnapshotInterval: v.GetUint64("snapshot-interval"),
		LogLevel:         v.GetString("log-level"),
		Symbols:          v.GetStringSlice("symbols"),
		MaxOrderSize:     v.GetInt64("max-order-size"),
		MaxNotional:      v.GetInt64("max-notional"),
	}, nil
}

