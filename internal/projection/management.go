package projection

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/SteelMorgan/projector/internal/domain"
	"github.com/SteelMorgan/projector/internal/errs"
	"github.com/SteelMorgan/projector/internal/offset"
	"github.com/SteelMorgan/projector/internal/session"
)

// Management reads and rewrites stored offsets out of band. Writes are
// refused while the projection instance runs in this process.
type Management interface {
	ReadOffset(ctx context.Context, id domain.ProjectionID) (offset.Offset, bool, error)
	UpdateOffset(ctx context.Context, id domain.ProjectionID, off offset.Offset) error
	ClearOffset(ctx context.Context, id domain.ProjectionID) error
}

type management[C any] struct {
	store    offset.Store[C]
	sessions session.Factory[C]
	registry *Registry
}

// NewManagement returns a Management backed by store. registry may be nil
// when no runners share the process.
func NewManagement[C any](store offset.Store[C], sessions session.Factory[C], registry *Registry) Management {
	return &management[C]{store: store, sessions: sessions, registry: registry}
}

func (m *management[C]) ReadOffset(ctx context.Context, id domain.ProjectionID) (offset.Offset, bool, error) {
	off, ok, err := m.store.ReadOffset(ctx, id)
	if err != nil {
		return nil, false, errs.New("management.read_offset", errs.KindStorage,
			errs.WithProjection(id.String()), errs.WithCause(err))
	}
	return off, ok, nil
}

func (m *management[C]) UpdateOffset(ctx context.Context, id domain.ProjectionID, off offset.Offset) error {
	if off == nil {
		return errs.New("management.update_offset", errs.KindInvalid,
			errs.WithProjection(id.String()), errs.WithMessage("offset is required"))
	}
	if err := m.ensureIdle(id); err != nil {
		return err
	}
	if err := session.InTransaction(ctx, m.sessions, m.store.SaveOffset(id, off)); err != nil {
		return errs.New("management.update_offset", errs.KindStorage,
			errs.WithProjection(id.String()), errs.WithCause(err))
	}
	log.Info().
		Str("projection", id.String()).
		Str("offset", off.String()).
		Msg("Offset updated by operator")
	return nil
}

func (m *management[C]) ClearOffset(ctx context.Context, id domain.ProjectionID) error {
	if err := m.ensureIdle(id); err != nil {
		return err
	}
	if err := session.InTransaction(ctx, m.sessions, m.store.ClearOffset(id)); err != nil {
		return errs.New("management.clear_offset", errs.KindStorage,
			errs.WithProjection(id.String()), errs.WithCause(err))
	}
	log.Info().Str("projection", id.String()).Msg("Offset cleared by operator")
	return nil
}

func (m *management[C]) ensureIdle(id domain.ProjectionID) error {
	if m.registry == nil {
		return nil
	}
	c, ok := m.registry.Lookup(id)
	if !ok {
		return nil
	}
	if st := c.State(); !st.Idle() {
		return errs.New("management.ensure_stopped", errs.KindRunnerActive,
			errs.WithProjection(id.String()),
			errs.WithMessage("projection is "+st.String()+"; stop it first"))
	}
	return nil
}
