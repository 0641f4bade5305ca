// Package sqlitestore provides the SQLite backend: a session factory over
// database/sql transactions and the offset store table.
package sqlitestore

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"github.com/SteelMorgan/projector/internal/session"
)

// DefaultTable is the offset table name used when none is configured.
const DefaultTable = "projection_offset_store"

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// DB is an open SQLite database.
type DB struct {
	sqlDB *sql.DB
}

// Open opens the database file at path, creating it when missing.
func Open(path string) (*DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	dsn := "file:" + cleanPath + "?_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	log.Info().
		Str("db_path", cleanPath).
		Msg("SQLite store opened")

	return &DB{sqlDB: sqlDB}, nil
}

// SQL exposes the underlying handle.
func (d *DB) SQL() *sql.DB {
	return d.sqlDB
}

// Close closes the SQLite handle.
func (d *DB) Close() error {
	if d == nil || d.sqlDB == nil {
		return nil
	}
	return d.sqlDB.Close()
}

// Sessions returns a factory that opens one database transaction per session.
func (d *DB) Sessions() session.Factory[*sql.Tx] {
	return NewSessions(d.sqlDB, nil)
}

// NewSessions returns a session factory over any database/sql handle.
func NewSessions(db *sql.DB, opts *sql.TxOptions) session.Factory[*sql.Tx] {
	return session.FactoryFunc[*sql.Tx](func(ctx context.Context) (session.Session[*sql.Tx], error) {
		if db == nil {
			return nil, fmt.Errorf("storage is not configured")
		}
		tx, err := db.BeginTx(ctx, opts)
		if err != nil {
			return nil, fmt.Errorf("begin transaction: %w", err)
		}
		return &txSession{tx: tx}, nil
	})
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

func validTable(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return DefaultTable, nil
	}
	if !identPattern.MatchString(name) {
		return "", fmt.Errorf("invalid table name %q", name)
	}
	return name, nil
}
