// Package config loads daemon configuration from a YAML file with
// environment overrides for deployment-varying settings.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the daemon's full configuration tree.
type Config struct {
	Gateway GatewayConfig `yaml:"gateway"`
	Metrics MetricsConfig `yaml:"metrics"`
	Log     LogConfig     `yaml:"log"`
	Session SessionConfig `yaml:"session"`
	Stream  StreamConfig  `yaml:"stream"`
}

// GatewayConfig configures the HTTP/WebSocket listener.
type GatewayConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// MetricsConfig configures the Prometheus listener.
type MetricsConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// LogConfig configures structured logging output.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SessionConfig carries per-session policy defaults.
type SessionConfig struct {
	// AllowRuntimeEdits permits structural topology changes outside the
	// design states.
	AllowRuntimeEdits bool `yaml:"allow_runtime_edits"`
}

// Duration wraps time.Duration so YAML values like "250ms" parse.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// StreamConfig bounds per-consumer event queues.
type StreamConfig struct {
	QueueSize   int      `yaml:"queue_size"`
	PollTimeout Duration `yaml:"poll_timeout"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Gateway: GatewayConfig{ListenAddr: ":8080"},
		Metrics: MetricsConfig{ListenAddr: ":9090"},
		Log:     LogConfig{Level: "info", Format: "json"},
		Stream: StreamConfig{
			QueueSize:   256,
			PollTimeout: Duration(time.Second),
		},
	}
}

// Load reads the YAML file at path, layered over Default. An empty path
// yields Default. Environment variables override either source.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("reading config: %w", err)
		}
		dec := yaml.NewDecoder(strings.NewReader(string(raw)))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("NETEM_GATEWAY_ADDR"); v != "" {
		cfg.Gateway.ListenAddr = v
	}
	if v := os.Getenv("NETEM_METRICS_ADDR"); v != "" {
		cfg.Metrics.ListenAddr = v
	}
	if v := os.Getenv("NETEM_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("NETEM_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
	if v := os.Getenv("NETEM_ALLOW_RUNTIME_EDITS"); v != "" {
		cfg.Session.AllowRuntimeEdits = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("NETEM_STREAM_QUEUE_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Stream.QueueSize = n
		}
	}
	if v := os.Getenv("NETEM_STREAM_POLL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Stream.PollTimeout = Duration(d)
		}
	}
}

func (c Config) validate() error {
	if c.Gateway.ListenAddr == "" {
		return fmt.Errorf("gateway.listen_addr must not be empty")
	}
	if c.Stream.QueueSize <= 0 {
		return fmt.Errorf("stream.queue_size must be positive, got %d", c.Stream.QueueSize)
	}
	if c.Stream.PollTimeout <= 0 {
		return fmt.Errorf("stream.poll_timeout must be positive, got %s", c.Stream.PollTimeout)
	}
	switch strings.ToLower(c.Log.Format) {
	case "json", "text", "":
	default:
		return fmt.Errorf("log.format must be json or text, got %q", c.Log.Format)
	}
	return nil
}
