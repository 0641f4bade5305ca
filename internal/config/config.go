package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/SteelMorgan/projector/internal/projection"
)

// EnvPrefix is prepended to every environment variable name.
const EnvPrefix = "PROJECTOR_"

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendBolt     = "bolt"
	BackendBadger   = "badger"
)

// Scheduler modes.
const (
	SchedulerLocal = "local"
	SchedulerLease = "lease"
)

// Delivery modes.
const (
	DeliveryExactlyOnce = "exactly_once"
	DeliveryAtLeastOnce = "at_least_once"
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Config holds all configuration for the application
type Config struct {
	Logging    Logging    `yaml:"logging" envPrefix:"LOG_"`
	Tracing    Tracing    `yaml:"tracing" envPrefix:"TRACING_"`
	Storage    Storage    `yaml:"storage" envPrefix:"STORAGE_"`
	NATS       NATS       `yaml:"nats" envPrefix:"NATS_"`
	Projection Projection `yaml:"projection" envPrefix:"PROJECTION_"`
	Scheduler  Scheduler  `yaml:"scheduler" envPrefix:"SCHEDULER_"`
	Mirror     Mirror     `yaml:"mirror" envPrefix:"MIRROR_"`
	Admin      Admin      `yaml:"admin" envPrefix:"ADMIN_"`
}

type Logging struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"` // console or json
	File   string `yaml:"file" env:"FILE"`
}

type Tracing struct {
	Enabled     bool    `yaml:"enabled" env:"ENABLED"`
	Endpoint    string  `yaml:"endpoint" env:"ENDPOINT"`
	Protocol    string  `yaml:"protocol" env:"PROTOCOL"` // grpc or http
	SampleRatio float64 `yaml:"sample_ratio" env:"SAMPLE_RATIO"`
}

// Storage selects where offsets and projected documents live.
type Storage struct {
	Backend     string `yaml:"backend" env:"BACKEND"`
	Path        string `yaml:"path" env:"PATH"` // sqlite/bolt file or badger directory
	DSN         string `yaml:"dsn" env:"DSN"`   // postgres
	OffsetTable string `yaml:"offset_table" env:"OFFSET_TABLE"`
	Migrate     bool   `yaml:"migrate" env:"MIGRATE"` // run postgres migrations on startup
}

// NATS addresses the JetStream event stream.
type NATS struct {
	URL          string        `yaml:"url" env:"URL"`
	Embedded     bool          `yaml:"embedded" env:"EMBEDDED"`
	Host         string        `yaml:"host" env:"HOST"` // embedded server listen address
	Port         int           `yaml:"port" env:"PORT"` // -1 picks a free port
	StoreDir     string        `yaml:"store_dir" env:"STORE_DIR"`
	Stream       string        `yaml:"stream" env:"STREAM"`
	Subject      string        `yaml:"subject" env:"SUBJECT"`
	PollInterval time.Duration `yaml:"poll_interval" env:"POLL_INTERVAL"`
}

// Projection configures the sharded projection and its runners.
type Projection struct {
	Name   string `yaml:"name" env:"NAME"`
	Shards int    `yaml:"shards" env:"SHARDS"`

	Delivery           string        `yaml:"delivery" env:"DELIVERY"`
	SaveAfterEnvelopes int           `yaml:"save_after_envelopes" env:"SAVE_AFTER_ENVELOPES"`
	SaveAfterDuration  time.Duration `yaml:"save_after_duration" env:"SAVE_AFTER_DURATION"`

	Recovery   string        `yaml:"recovery" env:"RECOVERY"`
	Retries    int           `yaml:"retries" env:"RETRIES"`
	RetryDelay time.Duration `yaml:"retry_delay" env:"RETRY_DELAY"`

	MaxRestarts  int           `yaml:"max_restarts" env:"MAX_RESTARTS"`
	MinBackoff   time.Duration `yaml:"min_backoff" env:"MIN_BACKOFF"`
	MaxBackoff   time.Duration `yaml:"max_backoff" env:"MAX_BACKOFF"`
	RandomFactor float64       `yaml:"random_factor" env:"RANDOM_FACTOR"`
}

// Scheduler picks how shards are placed on workers.
type Scheduler struct {
	Mode        string        `yaml:"mode" env:"MODE"`
	MemberID    string        `yaml:"member_id" env:"MEMBER_ID"`
	LeaseBucket string        `yaml:"lease_bucket" env:"LEASE_BUCKET"`
	LeaseTTL    time.Duration `yaml:"lease_ttl" env:"LEASE_TTL"`
	LeaseRenew  time.Duration `yaml:"lease_renew" env:"LEASE_RENEW"`
}

// Mirror configures the ClickHouse progress mirror.
type Mirror struct {
	Enabled       bool          `yaml:"enabled" env:"ENABLED"`
	Host          string        `yaml:"host" env:"HOST"`
	Port          int           `yaml:"port" env:"PORT"`
	Database      string        `yaml:"database" env:"DATABASE"`
	Username      string        `yaml:"username" env:"USERNAME"`
	Password      string        `yaml:"password" env:"PASSWORD"`
	Table         string        `yaml:"table" env:"TABLE"`
	MaxBatch      int           `yaml:"max_batch" env:"MAX_BATCH"`
	FlushInterval time.Duration `yaml:"flush_interval" env:"FLUSH_INTERVAL"`
}

type Admin struct {
	Addr            string        `yaml:"addr" env:"ADDR"` // empty disables the admin API
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Logging: Logging{Level: "info", Format: "console"},
		Tracing: Tracing{Protocol: "grpc", SampleRatio: 1},
		Storage: Storage{
			Backend:     BackendSQLite,
			Path:        "data/projector.db",
			OffsetTable: "projection_offset_store",
		},
		NATS: NATS{
			URL:          "nats://127.0.0.1:4222",
			Host:         "127.0.0.1",
			Port:         4222,
			StoreDir:     "data/nats",
			Stream:       "EVENTS",
			Subject:      "events.>",
			PollInterval: 100 * time.Millisecond,
		},
		Projection: Projection{
			Name:               "documents",
			Shards:             4,
			Delivery:           DeliveryExactlyOnce,
			SaveAfterEnvelopes: 100,
			SaveAfterDuration:  time.Second,
			Recovery:           string(projection.StrategyFail),
			RetryDelay:         time.Second,
			MinBackoff:         time.Second,
			MaxBackoff:         30 * time.Second,
			RandomFactor:       0.2,
		},
		Scheduler: Scheduler{
			Mode:        SchedulerLocal,
			LeaseBucket: "projector_leases",
			LeaseTTL:    15 * time.Second,
		},
		Mirror: Mirror{
			Host:          "localhost",
			Port:          9000,
			Database:      "logs",
			Table:         "projection_progress",
			MaxBatch:      500,
			FlushInterval: 5 * time.Second,
		},
		Admin: Admin{Addr: ":8080", ShutdownTimeout: 10 * time.Second},
	}
}

// Load builds the configuration from defaults, the optional YAML file at
// path and PROJECTOR_* environment variables, in that order.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var problems []error
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Errorf(format, args...))
	}

	switch strings.ToLower(c.Logging.Format) {
	case "console", "json":
	default:
		add("logging.format must be console or json, got %q", c.Logging.Format)
	}

	if c.Tracing.Enabled {
		if c.Tracing.Endpoint == "" {
			add("tracing.endpoint is required when tracing is enabled")
		}
		if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
			add("tracing.sample_ratio must be between 0 and 1")
		}
	}

	switch c.Storage.Backend {
	case BackendMemory:
	case BackendSQLite, BackendBolt:
		if c.Storage.Path == "" {
			add("storage.path is required for the %s backend", c.Storage.Backend)
		}
	case BackendBadger:
		// an empty path runs badger in memory
	case BackendPostgres:
		if c.Storage.DSN == "" {
			add("storage.dsn is required for the postgres backend")
		}
	default:
		add("unknown storage backend %q", c.Storage.Backend)
	}
	if !namePattern.MatchString(c.Storage.OffsetTable) {
		add("storage.offset_table %q is not a valid identifier", c.Storage.OffsetTable)
	}

	if !c.NATS.Embedded && c.NATS.URL == "" {
		add("nats.url is required unless nats.embedded is set")
	}
	if c.NATS.Stream == "" || c.NATS.Subject == "" {
		add("nats.stream and nats.subject are required")
	}

	p := c.Projection
	if !namePattern.MatchString(p.Name) {
		add("projection.name %q must match %s", p.Name, namePattern)
	}
	if p.Shards < 1 {
		add("projection.shards must be at least 1")
	}
	if _, err := p.DeliveryPolicy(); err != nil {
		add("projection: %v", err)
	}
	if _, err := p.RecoveryPolicy(); err != nil {
		add("projection: %v", err)
	}
	if p.MaxRestarts < 0 {
		add("projection.max_restarts must not be negative")
	}
	if p.MaxRestarts > 0 && (p.MinBackoff <= 0 || p.MaxBackoff < p.MinBackoff) {
		add("projection backoff needs 0 < min_backoff <= max_backoff")
	}
	if p.RandomFactor < 0 || p.RandomFactor > 1 {
		add("projection.random_factor must be between 0 and 1")
	}

	switch c.Scheduler.Mode {
	case SchedulerLocal:
	case SchedulerLease:
		if c.Scheduler.LeaseTTL <= 0 {
			add("scheduler.lease_ttl must be positive")
		}
		if c.Scheduler.LeaseRenew < 0 || c.Scheduler.LeaseRenew >= c.Scheduler.LeaseTTL {
			add("scheduler.lease_renew must be shorter than scheduler.lease_ttl")
		}
	default:
		add("unknown scheduler mode %q", c.Scheduler.Mode)
	}

	if c.Mirror.Enabled {
		if c.Mirror.Host == "" {
			add("mirror.host is required")
		}
		if c.Mirror.Port <= 0 || c.Mirror.Port > 65535 {
			add("mirror.port must be between 1 and 65535")
		}
		if c.Mirror.Database == "" {
			add("mirror.database is required")
		}
	}

	return errors.Join(problems...)
}

// DeliveryPolicy converts the delivery settings.
func (p Projection) DeliveryPolicy() (projection.Delivery, error) {
	var d projection.Delivery
	switch p.Delivery {
	case "", DeliveryExactlyOnce:
		d = projection.ExactlyOnce()
	case DeliveryAtLeastOnce:
		d = projection.AtLeastOnce(p.SaveAfterEnvelopes, p.SaveAfterDuration)
	default:
		return d, fmt.Errorf("unknown delivery %q", p.Delivery)
	}
	return d, d.Validate()
}

// RecoveryPolicy converts the recovery settings.
func (p Projection) RecoveryPolicy() (projection.Recovery, error) {
	strategy, err := projection.ParseStrategy(p.Recovery)
	if err != nil {
		return projection.Recovery{}, err
	}
	var r projection.Recovery
	switch strategy {
	case projection.StrategySkip:
		r = projection.Skip()
	case projection.StrategyRetryAndFail:
		r = projection.RetryAndFail(p.Retries, p.RetryDelay)
	case projection.StrategyRetryAndSkip:
		r = projection.RetryAndSkip(p.Retries, p.RetryDelay)
	default:
		r = projection.Fail()
	}
	return r, r.Validate()
}

// RestartSettings converts the restart settings.
func (p Projection) RestartSettings() projection.RestartSettings {
	return projection.RestartSettings{
		MaxRestarts:  p.MaxRestarts,
		MinBackoff:   p.MinBackoff,
		MaxBackoff:   p.MaxBackoff,
		RandomFactor: p.RandomFactor,
	}
}
