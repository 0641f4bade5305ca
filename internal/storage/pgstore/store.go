// Package pgstore provides the PostgreSQL backend: a session factory over
// pgx transactions, the offset store table and its migrations.
package pgstore

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"

	"github.com/SteelMorgan/projector/internal/session"
)

// DefaultTable is the offset table name used when none is configured.
const DefaultTable = "projection_offset_store"

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// DB wraps a pgx connection pool.
type DB struct {
	pool *pgxpool.Pool
}

// Open connects to the database at dsn.
func Open(ctx context.Context, dsn string) (*DB, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	log.Info().Msg("PostgreSQL store connected")
	return &DB{pool: pool}, nil
}

// FromPool wraps an existing pool.
func FromPool(pool *pgxpool.Pool) *DB {
	return &DB{pool: pool}
}

// Pool exposes the underlying pool.
func (d *DB) Pool() *pgxpool.Pool {
	return d.pool
}

// Close closes the pool.
func (d *DB) Close() {
	if d != nil && d.pool != nil {
		d.pool.Close()
	}
}

// Sessions returns a factory that opens one read-committed transaction per
// session.
func (d *DB) Sessions() session.Factory[pgx.Tx] {
	return session.FactoryFunc[pgx.Tx](func(ctx context.Context) (session.Session[pgx.Tx], error) {
		if d == nil || d.pool == nil {
			return nil, fmt.Errorf("storage is not configured")
		}
		tx, err := d.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
		if err != nil {
			return nil, fmt.Errorf("begin transaction: %w", err)
		}
		return &txSession{tx: tx}, nil
	})
}

type txSession struct {
	tx   pgx.Tx
	done bool
}

func (s *txSession) WithConnection(ctx context.Context, fn func(conn pgx.Tx) error) error {
	if s.done {
		return session.ErrClosed
	}
	return fn(s.tx)
}

func (s *txSession) Commit(ctx context.Context) error {
	if s.done {
		return session.ErrClosed
	}
	s.done = true
	return s.tx.Commit(ctx)
}

func (s *txSession) Rollback(ctx context.Context) error {
	if s.done {
		return nil
	}
	s.done = true
	if err := s.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}

func (s *txSession) Close() error {
	return s.Rollback(context.Background())
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
