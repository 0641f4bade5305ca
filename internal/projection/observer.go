package projection

import (
	"context"
	"time"

	"github.com/SteelMorgan/projector/internal/domain"
	"github.com/SteelMorgan/projector/internal/offset"
)

// SkipReason says why an envelope was skipped.
type SkipReason string

const (
	SkipRecovery           SkipReason = "recovery"
	SkipVerificationBefore SkipReason = "verification_before"
	SkipVerificationAfter  SkipReason = "verification_after"
)

// Observer receives runner events. Implementations must not block.
type Observer interface {
	EnvelopeProcessed(id domain.ProjectionID, off offset.Offset, elapsed time.Duration)
	EnvelopeSkipped(id domain.ProjectionID, off offset.Offset, reason SkipReason)
	HandlerFailed(id domain.ProjectionID, off offset.Offset, attempt int, err error)
	OffsetSaved(ctx context.Context, id domain.ProjectionID, off offset.Offset)
	StateChanged(id domain.ProjectionID, from, to State)
}

// NopObserver ignores every event. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) EnvelopeProcessed(domain.ProjectionID, offset.Offset, time.Duration) {}
func (NopObserver) EnvelopeSkipped(domain.ProjectionID, offset.Offset, SkipReason)      {}
func (NopObserver) HandlerFailed(domain.ProjectionID, offset.Offset, int, error)        {}
func (NopObserver) OffsetSaved(context.Context, domain.ProjectionID, offset.Offset)     {}
func (NopObserver) StateChanged(domain.ProjectionID, State, State)                      {}

// Observers fans events out to every member.
type Observers []Observer

func (o Observers) EnvelopeProcessed(id domain.ProjectionID, off offset.Offset, elapsed time.Duration) {
	for _, obs := range o {
		obs.EnvelopeProcessed(id, off, elapsed)
	}
}

func (o Observers) EnvelopeSkipped(id domain.ProjectionID, off offset.Offset, reason SkipReason) {
	for _, obs := range o {
		obs.EnvelopeSkipped(id, off, reason)
	}
}

func (o Observers) HandlerFailed(id domain.ProjectionID, off offset.Offset, attempt int, err error) {
	for _, obs := range o {
		obs.HandlerFailed(id, off, attempt, err)
	}
}

func (o Observers) OffsetSaved(ctx context.Context, id domain.ProjectionID, off offset.Offset) {
	for _, obs := range o {
		obs.OffsetSaved(ctx, id, off)
	}
}

func (o Observers) StateChanged(id domain.ProjectionID, from, to State) {
	for _, obs := range o {
		obs.StateChanged(id, from, to)
	}
}
