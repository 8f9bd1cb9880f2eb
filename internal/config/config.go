// Package config loads the settings of the snapmux example commands.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Atheer-Ganayem/snapmux/internal/logging"
)

type Config struct {
	// URL of the WebSocket endpoint the subscriber connects to.
	URL string
	// Addr the relay listens on.
	Addr   string
	Topics []string

	WriteWait      time.Duration
	ReadWait       time.Duration
	PingEvery      time.Duration
	MaxMessageSize int
	// Inbound messages per second, 0 disables the limiter.
	RateLimit int
	RateBurst int

	Log logging.Config
}

type configFile struct {
	Client struct {
		URL            string   `yaml:"url"`
		Topics         []string `yaml:"topics"`
		WriteWait      string   `yaml:"write_wait"`
		ReadWait       string   `yaml:"read_wait"`
		PingEvery      string   `yaml:"ping_every"`
		MaxMessageSize int      `yaml:"max_message_size"`
		RateLimit      int      `yaml:"rate_limit"`
		RateBurst      int      `yaml:"rate_burst"`
	} `yaml:"client"`
	Relay struct {
		Addr string `yaml:"addr"`
	} `yaml:"relay"`
	Log *logging.Config `yaml:"log"`
}

func Default() Config {
	return Config{
		URL:            "ws://localhost:8080/",
		Addr:           ":8080",
		Topics:         []string{"greet"},
		WriteWait:      5 * time.Second,
		ReadWait:       time.Minute,
		PingEvery:      50 * time.Second,
		MaxMessageSize: 1 << 20,
		Log: logging.Config{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
		},
	}
}

// Load returns the defaults overlaid with the YAML file at path, if it
// exists, and then with SNAPMUX_* environment variables. An empty path
// skips the file.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := cfg.apply(raw); err != nil {
				return Config{}, err
			}
		case errors.Is(err, fs.ErrNotExist):
		default:
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
	}

	cfg.URL = envOrDefault("SNAPMUX_URL", cfg.URL)
	cfg.Addr = envOrDefault("SNAPMUX_ADDR", cfg.Addr)
	cfg.Topics = envCSV("SNAPMUX_TOPICS", cfg.Topics)
	cfg.WriteWait = envDuration("SNAPMUX_WRITE_WAIT", cfg.WriteWait)
	cfg.ReadWait = envDuration("SNAPMUX_READ_WAIT", cfg.ReadWait)
	cfg.PingEvery = envDuration("SNAPMUX_PING_EVERY", cfg.PingEvery)
	cfg.MaxMessageSize = envInt("SNAPMUX_MAX_MESSAGE_SIZE", cfg.MaxMessageSize)
	cfg.RateLimit = envInt("SNAPMUX_RATE_LIMIT", cfg.RateLimit)
	cfg.RateBurst = envInt("SNAPMUX_RATE_BURST", cfg.RateBurst)
	cfg.Log.Level = envOrDefault("SNAPMUX_LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Format = envOrDefault("SNAPMUX_LOG_FORMAT", cfg.Log.Format)

	if cfg.URL == "" {
		return Config{}, fmt.Errorf("missing url")
	}
	if cfg.RateLimit > 0 && cfg.RateBurst <= 0 {
		cfg.RateBurst = cfg.RateLimit
	}
	return cfg, nil
}

func (cfg *Config) apply(raw []byte) error {
	var f configFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	if f.Client.URL != "" {
		cfg.URL = f.Client.URL
	}
	if len(f.Client.Topics) > 0 {
		cfg.Topics = trimNonEmpty(f.Client.Topics)
	}
	if f.Relay.Addr != "" {
		cfg.Addr = f.Relay.Addr
	}
	if f.Client.MaxMessageSize > 0 {
		cfg.MaxMessageSize = f.Client.MaxMessageSize
	}
	if f.Client.RateLimit > 0 {
		cfg.RateLimit = f.Client.RateLimit
	}
	if f.Client.RateBurst > 0 {
		cfg.RateBurst = f.Client.RateBurst
	}

	for _, d := range []struct {
		raw string
		dst *time.Duration
	}{
		{f.Client.WriteWait, &cfg.WriteWait},
		{f.Client.ReadWait, &cfg.ReadWait},
		{f.Client.PingEvery, &cfg.PingEvery},
	} {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("parse config file: %w", err)
		}
		*d.dst = v
	}

	if f.Log != nil {
		cfg.Log = *f.Log
	}
	return nil
}

func envOrDefault(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

func envInt(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envDuration(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		return fallback
	}
	return v
}

func envCSV(name string, fallback []string) []string {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	return trimNonEmpty(strings.Split(raw, ","))
}

func trimNonEmpty(values []string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
