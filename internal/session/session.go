// Package session describes the transactional unit of work shared by a
// projection handler and the offset store.
//
// A Session wraps exactly one transaction on a connection of type C. The
// runner opens a session per envelope, lets the handler and the offset store
// write through it, and then commits or rolls back as a whole.
package session

import (
	"context"
	"errors"
	"fmt"
)

// ErrClosed is returned when a finished session is used again.
var ErrClosed = errors.New("session already finished")

// Session is one transaction against a backing store.
type Session[C any] interface {
	// WithConnection runs fn with the transaction's connection. The
	// connection must not escape fn.
	WithConnection(ctx context.Context, fn func(conn C) error) error

	// Commit makes every write done through the session durable.
	Commit(ctx context.Context) error

	// Rollback discards every write done through the session.
	Rollback(ctx context.Context) error

	// Close releases the session. An uncommitted session is rolled back.
	Close() error
}

// Factory opens sessions.
type Factory[C any] interface {
	Open(ctx context.Context) (Session[C], error)
}

// FactoryFunc adapts a function to Factory.
type FactoryFunc[C any] func(ctx context.Context) (Session[C], error)

// Open implements Factory.
func (f FactoryFunc[C]) Open(ctx context.Context) (Session[C], error) {
	return f(ctx)
}

// With runs fn on the session's connection and returns its result.
func With[C, R any](ctx context.Context, s Session[C], fn func(conn C) (R, error)) (R, error) {
	var out R
	err := s.WithConnection(ctx, func(conn C) error {
		var err error
		out, err = fn(conn)
		return err
	})
	return out, err
}

// InTransaction opens a session, runs the actions in order and commits.
// Any failure rolls the whole session back.
func InTransaction[C any](ctx context.Context, f Factory[C], actions ...Action[C]) (err error) {
	s, err := f.Open(ctx)
	if err != nil {
		return fmt.Errorf("failed to open session: %w", err)
	}
	defer func() {
		if cerr := s.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("failed to close session: %w", cerr)
		}
	}()

	if err := Sequence(actions...).Run(ctx, s); err != nil {
		if rerr := s.Rollback(ctx); rerr != nil {
			return errors.Join(err, fmt.Errorf("failed to roll back session: %w", rerr))
		}
		return err
	}
	if err := s.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit session: %w", err)
	}
	return nil
}
