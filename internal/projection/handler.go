package projection

import (
	"context"

	"github.com/SteelMorgan/projector/internal/session"
	"github.com/SteelMorgan/projector/internal/source"
)

// Handler applies one envelope to the read model. Every write must go
// through s so it commits or rolls back together with the offset.
type Handler[C, P any] interface {
	Process(ctx context.Context, s session.Session[C], env source.Envelope[P]) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc[C, P any] func(ctx context.Context, s session.Session[C], env source.Envelope[P]) error

// Process implements Handler.
func (f HandlerFunc[C, P]) Process(ctx context.Context, s session.Session[C], env source.Envelope[P]) error {
	return f(ctx, s, env)
}
