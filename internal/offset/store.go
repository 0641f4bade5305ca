package offset

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/SteelMorgan/projector/internal/domain"
	"github.com/SteelMorgan/projector/internal/session"
)

// Store persists projection offsets. Writes are returned as deferred actions
// so they can join the transaction that holds the handler's writes.
// Implementations: SQLite, PostgreSQL, BoltDB, Badger, in-memory.
type Store[C any] interface {
	// CreateIfNotExists creates the backing schema. It is safe to call
	// concurrently and more than once.
	CreateIfNotExists(ctx context.Context) error

	// ReadOffset returns the stored offset for id. The boolean is false
	// when no offset exists yet.
	ReadOffset(ctx context.Context, id domain.ProjectionID) (Offset, bool, error)

	// SaveOffset returns an action that upserts the offset for id.
	SaveOffset(id domain.ProjectionID, off Offset) session.Action[C]

	// ClearOffset returns an action that removes the offset for id.
	ClearOffset(id domain.ProjectionID) session.Action[C]
}

// Rows is the row level persistence a backend provides. NewStore builds a
// Store on top of it so every backend shares the same merge rules.
type Rows[C any] interface {
	CreateSchema(ctx context.Context) error

	// ReadRows returns every row stored under the projection name.
	ReadRows(ctx context.Context, name string) ([]domain.OffsetRow, error)

	// UpsertRow inserts or replaces the row keyed by row.ID.
	UpsertRow(ctx context.Context, conn C, row domain.OffsetRow) error

	// DeleteRows removes the row for id and every mergeable row stored
	// under id.Name.
	DeleteRows(ctx context.Context, conn C, id domain.ProjectionID) error
}

// Option configures a row backed store.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the clock used for LastUpdated.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

type rowStore[C any] struct {
	rows Rows[C]
	now  func() time.Time
}

// NewStore wraps a row backend as a Store.
func NewStore[C any](rows Rows[C], opts ...Option) Store[C] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &rowStore[C]{rows: rows, now: o.now}
}

func (s *rowStore[C]) CreateIfNotExists(ctx context.Context) error {
	if err := s.rows.CreateSchema(ctx); err != nil {
		return fmt.Errorf("failed to create offset store: %w", err)
	}
	return nil
}

func (s *rowStore[C]) ReadOffset(ctx context.Context, id domain.ProjectionID) (Offset, bool, error) {
	rows, err := s.rows.ReadRows(ctx, id.Name)
	if err != nil {
		return nil, false, fmt.Errorf("failed to read offset for %s: %w", id, err)
	}
	off, ok, err := FromRows(id, rows)
	if err != nil {
		return nil, false, fmt.Errorf("failed to resolve offset for %s: %w", id, err)
	}
	return off, ok, nil
}

func (s *rowStore[C]) SaveOffset(id domain.ProjectionID, off Offset) session.Action[C] {
	return func(ctx context.Context, conn C) error {
		rows, err := ToRows(id, off, s.now())
		if err != nil {
			return err
		}
		for _, row := range rows {
			if err := s.rows.UpsertRow(ctx, conn, row); err != nil {
				return fmt.Errorf("failed to save offset for %s: %w", row.ID, err)
			}
		}
		log.Debug().
			Str("projection", id.String()).
			Str("offset", off.String()).
			Msg("Offset saved")
		return nil
	}
}

func (s *rowStore[C]) ClearOffset(id domain.ProjectionID) session.Action[C] {
	return func(ctx context.Context, conn C) error {
		if err := s.rows.DeleteRows(ctx, conn, id); err != nil {
			return fmt.Errorf("failed to clear offset for %s: %w", id, err)
		}
		log.Debug().Str("projection", id.String()).Msg("Offset cleared")
		return nil
	}
}

// Read returns the stored offset for id as type T. It fails when the stored
// offset has a different type.
func Read[T Offset, C any](ctx context.Context, s Store[C], id domain.ProjectionID) (T, bool, error) {
	var zero T
	off, ok, err := s.ReadOffset(ctx, id)
	if err != nil || !ok {
		return zero, ok, err
	}
	typed, match := off.(T)
	if !match {
		return zero, false, fmt.Errorf("stored offset for %s is %s, not %T", id, off.Manifest(), zero)
	}
	return typed, true, nil
}
