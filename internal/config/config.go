// Package config loads the service configuration: defaults, then an optional
// YAML file, then RELAYCACHE_* environment overrides.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/agentworkforce/relaycache/internal/entity"
	"github.com/agentworkforce/relaycache/internal/feed"
	"github.com/agentworkforce/relaycache/internal/logging"
)

const EnvPrefix = "RELAYCACHE_"

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Listen        string            `yaml:"listen" env:"LISTEN"`
	SourceDSN     string            `yaml:"source_dsn" env:"SOURCE_DSN"`
	FeedDSN       string            `yaml:"feed_dsn" env:"FEED_DSN"`
	APIKey        string            `yaml:"api_key" env:"API_KEY"`
	NotifyChannel string            `yaml:"notify_channel" env:"NOTIFY_CHANNEL"`
	Tables        map[string]string `yaml:"tables" env:"TABLES"`
	OrderBy       map[string]string `yaml:"order_by" env:"ORDER_BY" envKeyValSeparator:"="`

	Sync      SyncConfig      `yaml:"sync" envPrefix:"SYNC_"`
	HTTP      HTTPConfig      `yaml:"http" envPrefix:"HTTP_"`
	Log       logging.Config  `yaml:"log" envPrefix:"LOG_"`
	Telemetry TelemetryConfig `yaml:"telemetry" envPrefix:"OTEL_"`
}

type SyncConfig struct {
	RetryBaseDelay    time.Duration `yaml:"retry_base_delay" env:"RETRY_BASE_DELAY"`
	RetryMaxDelay     time.Duration `yaml:"retry_max_delay" env:"RETRY_MAX_DELAY"`
	RetryJitter       float64       `yaml:"retry_jitter" env:"RETRY_JITTER"`
	ResolveDependents bool          `yaml:"resolve_dependents" env:"RESOLVE_DEPENDENTS"`
}

type HTTPConfig struct {
	JWTSecret       string        `yaml:"jwt_secret" env:"JWT_SECRET"`
	RateLimitMax    int           `yaml:"rate_limit_max" env:"RATE_LIMIT_MAX"`
	RateLimitWindow time.Duration `yaml:"rate_limit_window" env:"RATE_LIMIT_WINDOW"`
	LongPollMax     time.Duration `yaml:"long_poll_max" env:"LONG_POLL_MAX"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

type TelemetryConfig struct {
	Endpoint    string `yaml:"endpoint" env:"ENDPOINT"`
	ServiceName string `yaml:"service_name" env:"SERVICE_NAME"`
}

func Default() Config {
	return Config{
		Listen:        ":8080",
		SourceDSN:     "memory://default",
		FeedDSN:       "memory://default",
		NotifyChannel: "relaycache_changes",
		Sync: SyncConfig{
			RetryBaseDelay:    500 * time.Millisecond,
			RetryMaxDelay:     30 * time.Second,
			RetryJitter:       0.2,
			ResolveDependents: true,
		},
		HTTP: HTTPConfig{
			RateLimitWindow: time.Minute,
			LongPollMax:     30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Log:       logging.DefaultConfig(),
		Telemetry: TelemetryConfig{ServiceName: "relaycache"},
	}
}

// Load reads path (when non-empty) over the defaults and applies environment
// overrides. Unknown YAML keys are rejected.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := decodeYAML(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(&cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c Config) Validate() error {
	var problems []string
	if strings.TrimSpace(c.SourceDSN) == "" {
		problems = append(problems, "source_dsn is required")
	}
	if strings.TrimSpace(c.FeedDSN) == "" {
		problems = append(problems, "feed_dsn is required")
	}
	for name := range c.Tables {
		if _, ok := entity.ParseKind(name); !ok {
			problems = append(problems, fmt.Sprintf("tables: unknown kind %q", name))
		}
	}
	for name := range c.OrderBy {
		if _, ok := entity.ParseKind(name); !ok {
			problems = append(problems, fmt.Sprintf("order_by: unknown kind %q", name))
		}
	}
	if c.Sync.RetryBaseDelay <= 0 {
		problems = append(problems, "sync.retry_base_delay must be positive")
	}
	if c.Sync.RetryMaxDelay < c.Sync.RetryBaseDelay {
		problems = append(problems, "sync.retry_max_delay must not be below retry_base_delay")
	}
	if c.Sync.RetryJitter < 0 || c.Sync.RetryJitter > 1 {
		problems = append(problems, "sync.retry_jitter must be within [0,1]")
	}
	if c.HTTP.RateLimitMax < 0 {
		problems = append(problems, "http.rate_limit_max must not be negative")
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		problems = append(problems, "log.level: "+err.Error())
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(problems, "; "))
	}
	return nil
}

// FeedOptions converts the table and ordering overrides into feed options.
func (c Config) FeedOptions() (feed.Options, error) {
	tables, err := feed.DefaultTables().WithOverrides(c.Tables)
	if err != nil {
		return feed.Options{}, err
	}
	orderBy := make(map[entity.Kind]string, len(c.OrderBy))
	for name, clause := range c.OrderBy {
		kind, ok := entity.ParseKind(name)
		if !ok {
			return feed.Options{}, fmt.Errorf("%w: order_by: unknown kind %q", ErrInvalidConfig, name)
		}
		orderBy[kind] = clause
	}
	return feed.Options{
		Tables:        tables,
		APIKey:        c.APIKey,
		NotifyChannel: c.NotifyChannel,
		OrderBy:       orderBy,
	}, nil
}
