// Package badgerstore provides the BadgerDB backend. Offset rows are JSON
// values under "<prefix>/<projection name>/<projection key>" with name and
// key path-escaped.
package badgerstore

import (
	"context"
	"fmt"

	"github.com/dgraph-io/badger/v4"

	"github.com/SteelMorgan/projector/internal/session"
)

// DefaultPrefix is the key prefix used when none is configured.
const DefaultPrefix = "projection_offset_store"

// Open opens a BadgerDB directory. An empty path opens an in-memory
// database.
func Open(path string) (*badger.DB, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil // Suppress BadgerDB logs

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger db: %w", err)
	}
	return db, nil
}

// Sessions returns a factory that opens one read-write transaction per
// session. Conflicting commits fail with badger.ErrConflict.
func Sessions(db *badger.DB) session.Factory[*badger.Txn] {
	return session.FactoryFunc[*badger.Txn](func(ctx context.Context) (session.Session[*badger.Txn], error) {
		if db == nil {
			return nil, fmt.Errorf("storage is not configured")
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return &txnSession{txn: db.NewTransaction(true)}, nil
	})
}

type txnSession struct {
	txn  *badger.Txn
	done bool
}

func (s *txnSession) WithConnection(ctx context.Context, fn func(conn *badger.Txn) error) error {
	if s.done {
		return session.ErrClosed
	}
	return fn(s.txn)
}

func (s *txnSession) Commit(ctx context.Context) error {
	if s.done {
		return session.ErrClosed
	}
	s.done = true
	return s.txn.Commit()
}

func (s *txnSession) Rollback(ctx context.Context) error {
	if !s.done {
		s.done = true
		s.txn.Discard()
	}
	return nil
}

func (s *txnSession) Close() error {
	return s.Rollback(context.Background())
}
