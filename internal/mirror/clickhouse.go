package mirror

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/rs/zerolog/log"

	"github.com/SteelMorgan/projector/internal/domain"
	"github.com/SteelMorgan/projector/internal/retry"
)

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ClickHouseConfig addresses the analytics database.
type ClickHouseConfig struct {
	Host     string
	Port     int
	Database string
	Username string
	Password string
	Table    string // default "projection_progress"
	Retry    retry.Config
}

// ClickHouse writes progress rows to a ClickHouse table.
type ClickHouse struct {
	conn  clickhouse.Conn
	table string
	retry retry.Config
}

// OpenClickHouse connects and pings with retry.
func OpenClickHouse(ctx context.Context, cfg ClickHouseConfig) (*ClickHouse, error) {
	if cfg.Table == "" {
		cfg.Table = "projection_progress"
	}
	if !identPattern.MatchString(cfg.Table) || !identPattern.MatchString(cfg.Database) {
		return nil, fmt.Errorf("invalid clickhouse table %s.%s", cfg.Database, cfg.Table)
	}
	if cfg.Username == "" {
		cfg.Username = "default"
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = retry.DefaultConfig()
	}

	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}

	if err := retry.Do(ctx, cfg.Retry, func() error {
		return conn.Ping(ctx)
	}); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping clickhouse: %w", err)
	}

	log.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Str("database", cfg.Database).
		Msg("Connected to ClickHouse")

	return &ClickHouse{conn: conn, table: cfg.Database + "." + cfg.Table, retry: cfg.Retry}, nil
}

// EnsureTable creates the progress table when missing.
func (c *ClickHouse) EnsureTable(ctx context.Context) error {
	return retry.Do(ctx, c.retry, func() error {
		return c.conn.Exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		    timestamp DateTime64(3, 'UTC'),
		    projection_name LowCardinality(String),
		    projection_key String,
		    offset String,
		    manifest LowCardinality(String),
		    mergeable Bool,
		    envelopes UInt64,
		    skipped UInt64,
		    last_envelope_at DateTime64(3, 'UTC')
		) ENGINE = ReplacingMergeTree(timestamp)
		ORDER BY (projection_name, projection_key)`, c.table))
	})
}

// Insert sends rows in one batch.
func (c *ClickHouse) Insert(ctx context.Context, rows []domain.ProjectionProgress) error {
	batch, err := c.conn.PrepareBatch(ctx, "INSERT INTO "+c.table)
	if err != nil {
		return fmt.Errorf("failed to prepare batch: %w", err)
	}
	for _, r := range rows {
		if err := batch.Append(
			r.Timestamp,
			r.ProjectionName,
			r.ProjectionKey,
			r.Offset,
			r.Manifest,
			r.Mergeable,
			r.Envelopes,
			r.Skipped,
			validDateTime(r.LastEnvelopeAt),
		); err != nil {
			return fmt.Errorf("failed to append to batch: %w", err)
		}
	}
	if err := batch.Send(); err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	return nil
}

// Close closes the connection.
func (c *ClickHouse) Close() error {
	log.Info().Msg("Closing ClickHouse connection")
	return c.conn.Close()
}

// DateTime64 covers 1900-01-01 to 2299-12-31.
var minDateTime = time.Date(1970, 1, 1, 0, 0, 0, 0, time.UTC)

func validDateTime(t time.Time) time.Time {
	if t.IsZero() || t.Before(minDateTime) {
		return minDateTime
	}
	return t.UTC()
}
