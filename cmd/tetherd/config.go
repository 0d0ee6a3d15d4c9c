package main

import (
	"fmt"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/tetherlink/tether"
)

// duration parses TOML strings like "5s" into time.Duration.
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = parsed
	return nil
}

type heartbeatConfig struct {
	Interval             duration `toml:"interval"`
	Timeout              duration `toml:"timeout"`
	NetworkAwayThreshold int      `toml:"network_away_threshold"`
}

type watchConfig struct {
	Enabled bool `toml:"enabled"`
	// Retain is how many change batches are kept per watch for resume.
	Retain int `toml:"retain"`
}

type websocketConfig struct {
	MessageSizeLimit int      `toml:"message_size_limit"`
	WriteTimeout     duration `toml:"write_timeout"`
}

type config struct {
	// Addr is the listen address for websocket connections.
	Addr string `toml:"addr"`
	// MetricsAddr serves prometheus metrics. Empty reuses Addr.
	MetricsAddr string `toml:"metrics_addr"`
	LogLevel    string `toml:"log_level"`

	Heartbeat heartbeatConfig `toml:"heartbeat"`
	Watch     watchConfig     `toml:"watch"`
	Websocket websocketConfig `toml:"websocket"`
}

func defaultConfig() config {
	return config{
		Addr:     ":8090",
		LogLevel: "info",
		Watch:    watchConfig{Enabled: true},
	}
}

func loadConfig(path string) (config, error) {
	cfg := defaultConfig()
	if path == "" {
		return cfg, nil
	}
	meta, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return cfg, fmt.Errorf("parsing %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return cfg, fmt.Errorf("unknown config keys in %s: %v", path, undecoded)
	}
	return cfg, nil
}

func parseLogLevel(s string) (tether.LogLevel, error) {
	switch s {
	case "trace":
		return tether.LogLevelTrace, nil
	case "debug":
		return tether.LogLevelDebug, nil
	case "", "info":
		return tether.LogLevelInfo, nil
	case "warn":
		return tether.LogLevelWarn, nil
	case "error":
		return tether.LogLevelError, nil
	case "none":
		return tether.LogLevelNone, nil
	default:
		return tether.LogLevelNone, fmt.Errorf("unknown log level %q", s)
	}
}
