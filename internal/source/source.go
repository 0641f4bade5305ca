// Package source defines where projections read envelopes from and ships
// the in-process sources used by tests and single-node deployments.
package source

import (
	"context"
	"time"

	"github.com/SteelMorgan/projector/internal/offset"
)

// Envelope carries one event with its position in the source.
type Envelope[P any] struct {
	ID        string // event identity, used for partitioning
	Offset    offset.Offset
	Payload   P
	Timestamp time.Time
}

// Source opens streams of envelopes positioned after an offset.
type Source[P any] interface {
	// Open returns a stream of envelopes strictly after from. A nil from
	// starts at the beginning of the source.
	Open(ctx context.Context, from offset.Offset) (Stream[P], error)
}

// Stream yields envelopes in offset order.
type Stream[P any] interface {
	// Next blocks until an envelope is available. It returns io.EOF when a
	// finite source is exhausted and ctx.Err() when ctx ends; in the latter
	// case the stream remains usable.
	Next(ctx context.Context) (Envelope[P], error)
	Close() error
}

// Func adapts a function to Source.
type Func[P any] func(ctx context.Context, from offset.Offset) (Stream[P], error)

// Open implements Source.
func (f Func[P]) Open(ctx context.Context, from offset.Offset) (Stream[P], error) {
	return f(ctx, from)
}
