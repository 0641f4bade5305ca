// Package boltstore provides the BoltDB backend. Offsets live in a root
// bucket with one nested bucket per projection name.
package boltstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.etcd.io/bbolt"

	"github.com/SteelMorgan/projector/internal/session"
)

// DefaultBucket is the root offset bucket used when none is configured.
const DefaultBucket = "projection_offset_store"

// DB is an open BoltDB file.
type DB struct {
	db *bbolt.DB
}

// Open opens the database file at path.
func Open(path string) (*DB, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{
		Timeout: 1 * time.Second,
	})
	if err != nil {
		// A timeout here means another process still holds the file lock.
		return nil, fmt.Errorf("failed to open boltdb (file may be locked by another process): %w", err)
	}

	log.Info().
		Str("db_path", path).
		Msg("BoltDB store opened")

	return &DB{db: db}, nil
}

// Bolt exposes the underlying handle.
func (d *DB) Bolt() *bbolt.DB {
	return d.db
}

// Close closes the BoltDB database.
func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	log.Info().Msg("Closing BoltDB store")
	return d.db.Close()
}

// Sessions returns a factory that opens one writable transaction per session.
// BoltDB allows a single writer, so sessions are serialized.
func (d *DB) Sessions() session.Factory[*bbolt.Tx] {
	return session.FactoryFunc[*bbolt.Tx](func(ctx context.Context) (session.Session[*bbolt.Tx], error) {
		if d == nil || d.db == nil {
			return nil, fmt.Errorf("storage is not configured")
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tx, err := d.db.Begin(true)
		if err != nil {
			return nil, fmt.Errorf("failed to begin transaction: %w", err)
		}
		return &txSession{tx: tx}, nil
	})
}

type txSession struct {
	tx   *bbolt.Tx
	done bool
}

func (s *txSession) WithConnection(ctx context.Context, fn func(conn *bbolt.Tx) error) error {
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
	return s.tx.Commit()
}

func (s *txSession) Rollback(ctx context.Context) error {
	if s.done {
		return nil
	}
	s.done = true
	if err := s.tx.Rollback(); err != nil && !errors.Is(err, bbolt.ErrTxClosed) {
		return err
	}
	return nil
}

func (s *txSession) Close() error {
	return s.Rollback(context.Background())
}
