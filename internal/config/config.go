package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/NISC-lab-unime/biofeedback-server/internal/scenario"
	"github.com/NISC-lab-unime/biofeedback-server/internal/source"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Stream   StreamConfig   `yaml:"stream"`
	Source   SourceConfig   `yaml:"source"`
	Baseline BaselineConfig `yaml:"baseline"`
	Export   ExportConfig   `yaml:"export"`
	Log      LogConfig      `yaml:"log"`
	Client   ClientConfig   `yaml:"client"`
}

type ServerConfig struct {
	Port           int      `yaml:"port" env:"BIOFEED_PORT"`
	Host           string   `yaml:"host" env:"BIOFEED_HOST"`
	Path           string   `yaml:"path" env:"BIOFEED_PATH"`
	MaxConnections int      `yaml:"max_connections" env:"BIOFEED_MAX_CONNECTIONS"`
	AllowedOrigins []string `yaml:"allowed_origins" env:"BIOFEED_ALLOWED_ORIGINS" envSeparator:","`
}

type StreamConfig struct {
	DefaultFrequencyHz float64 `yaml:"default_frequency_hz" env:"BIOFEED_FREQUENCY_HZ"`
	MinFrequencyHz     float64 `yaml:"min_frequency_hz" env:"BIOFEED_MIN_FREQUENCY_HZ"`
	MaxFrequencyHz     float64 `yaml:"max_frequency_hz" env:"BIOFEED_MAX_FREQUENCY_HZ"`
	DefaultScenario    string  `yaml:"default_scenario" env:"BIOFEED_SCENARIO"`
	// Seed makes every session reproducible when non-zero: session n is
	// seeded with Seed+n.
	Seed      uint64 `yaml:"seed" env:"BIOFEED_SEED"`
	QueueSize int    `yaml:"queue_size" env:"BIOFEED_QUEUE_SIZE"`
}

type SourceConfig struct {
	Kind       source.Kind `yaml:"kind" env:"BIOFEED_SOURCE"`
	ReplayPath string      `yaml:"replay_path" env:"BIOFEED_REPLAY_PATH"`
}

type BaselineConfig struct {
	Enabled       bool          `yaml:"enabled" env:"BIOFEED_BASELINE_ENABLED"`
	RestingPeriod time.Duration `yaml:"resting_period" env:"BIOFEED_BASELINE_RESTING"`
	Window        time.Duration `yaml:"window" env:"BIOFEED_BASELINE_WINDOW"`
	MinSamples    int           `yaml:"min_samples" env:"BIOFEED_BASELINE_MIN_SAMPLES"`
}

type ExportConfig struct {
	Enabled    bool   `yaml:"enabled" env:"BIOFEED_EXPORT_ENABLED"`
	Format     string `yaml:"format" env:"BIOFEED_EXPORT_FORMAT"`
	Dir        string `yaml:"dir" env:"BIOFEED_EXPORT_DIR"`
	SQLitePath string `yaml:"sqlite_path" env:"BIOFEED_EXPORT_SQLITE_PATH"`
}

type LogConfig struct {
	Level string `yaml:"level" env:"BIOFEED_LOG_LEVEL"`
}

type ClientConfig struct {
	URL              string        `yaml:"url" env:"BIOFEED_URL"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout" env:"BIOFEED_HANDSHAKE_TIMEOUT"`
	InitialBackoff   time.Duration `yaml:"initial_backoff" env:"BIOFEED_INITIAL_BACKOFF"`
	MaxBackoff       time.Duration `yaml:"max_backoff" env:"BIOFEED_MAX_BACKOFF"`
	Reconnect        bool          `yaml:"reconnect" env:"BIOFEED_RECONNECT"`
	FrequencyHz      float64       `yaml:"frequency_hz" env:"BIOFEED_CLIENT_FREQUENCY_HZ"`
	Scenario         string        `yaml:"scenario" env:"BIOFEED_CLIENT_SCENARIO"`
}

const (
	ExportJSON   = "json"
	ExportSQLite = "sqlite"
)

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port: 8765,
			Host: "127.0.0.1",
			Path: "/ws",
		},
		Stream: StreamConfig{
			DefaultFrequencyHz: 1,
			MinFrequencyHz:     0.1,
			MaxFrequencyHz:     50,
			DefaultScenario:    scenario.Default,
			QueueSize:          64,
		},
		Source: SourceConfig{
			Kind: source.KindSimulator,
		},
		Baseline: BaselineConfig{
			Enabled:       true,
			RestingPeriod: 180 * time.Second,
			Window:        60 * time.Second,
			MinSamples:    10,
		},
		Export: ExportConfig{
			Format:     ExportJSON,
			Dir:        "output",
			SQLitePath: "output/sessions.db",
		},
		Log: LogConfig{
			Level: "info",
		},
		Client: ClientConfig{
			URL:              "ws://127.0.0.1:8765/ws",
			HandshakeTimeout: 5 * time.Second,
			InitialBackoff:   time.Second,
			MaxBackoff:       30 * time.Second,
			Reconnect:        true,
		},
	}
}

// Default returns the built-in configuration with environment overrides
// applied.
func Default() (*Config, error) {
	cfg := defaultConfig()
	if err := finish(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads the YAML file at path over the defaults, then applies
// BIOFEED_* environment overrides and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := defaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if err := finish(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault is Load, falling back to the defaults when the file does
// not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default()
	}
	return cfg, err
}

func finish(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return cfg.Validate()
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.MaxConnections < 0 {
		errs = append(errs, fmt.Errorf("server.max_connections must not be negative"))
	}
	if c.Stream.MinFrequencyHz <= 0 {
		errs = append(errs, fmt.Errorf("stream.min_frequency_hz must be positive"))
	}
	if c.Stream.MaxFrequencyHz < c.Stream.MinFrequencyHz {
		errs = append(errs, fmt.Errorf("stream.max_frequency_hz %v below min %v", c.Stream.MaxFrequencyHz, c.Stream.MinFrequencyHz))
	}
	if !scenario.Valid(c.Stream.DefaultScenario) {
		errs = append(errs, fmt.Errorf("stream.default_scenario: %w: %q", scenario.ErrInvalidScenario, c.Stream.DefaultScenario))
	}
	if c.Stream.QueueSize < 1 {
		errs = append(errs, fmt.Errorf("stream.queue_size must be at least 1"))
	}
	switch c.Source.Kind {
	case source.KindSimulator:
	case source.KindReplay:
		if c.Source.ReplayPath == "" {
			errs = append(errs, fmt.Errorf("source.replay_path is required for replay"))
		}
	default:
		errs = append(errs, fmt.Errorf("source.kind %q unknown", c.Source.Kind))
	}
	if c.Export.Enabled && c.Export.Format != ExportJSON && c.Export.Format != ExportSQLite {
		errs = append(errs, fmt.Errorf("export.format %q unknown", c.Export.Format))
	}
	if c.Client.InitialBackoff <= 0 || c.Client.MaxBackoff < c.Client.InitialBackoff {
		errs = append(errs, fmt.Errorf("client backoff must satisfy 0 < initial_backoff <= max_backoff"))
	}
	if c.Client.Scenario != "" && !scenario.Valid(c.Client.Scenario) {
		errs = append(errs, fmt.Errorf("client.scenario: %w: %q", scenario.ErrInvalidScenario, c.Client.Scenario))
	}
	return errors.Join(errs...)
}

// ClampFrequency forces hz into the configured streaming range.
func (c *Config) ClampFrequency(hz float64) float64 {
	return ClampFrequency(hz, c.Stream.MinFrequencyHz, c.Stream.MaxFrequencyHz)
}

// ClampFrequency forces hz into [lo, hi].
func ClampFrequency(hz, lo, hi float64) float64 {
	if hz != hz || hz < lo { // NaN or below
		return lo
	}
	if hz > hi {
		return hi
	}
	return hz
}

// BaselineWindow returns the effective calibration window; zero disables it.
func (c *Config) BaselineWindow() time.Duration {
	if !c.Baseline.Enabled {
		return 0
	}
	return c.Baseline.Window
}
