package sqlitestore

import (
	"context"
	"database/sql"
	"errors"

	"github.com/SteelMorgan/projector/internal/session"
)

type txSession struct {
	tx   *sql.Tx
	done bool
}

func (s *txSession) WithConnection(ctx context.Context, fn func(conn *sql.Tx) error) error {
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
	if err := s.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

func (s *txSession) Close() error {
	return s.Rollback(context.Background())
}
