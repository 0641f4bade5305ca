package projection

import (
	"context"

	"github.com/SteelMorgan/projector/internal/source"
)

// Verifier checks envelopes around the handler. A rejected envelope is
// skipped: nothing is written for it and its offset is saved by the next
// commit, or when the runner stops or its source ends.
type Verifier[P any] interface {
	// VerifyBefore runs before any transaction is opened.
	VerifyBefore(ctx context.Context, env source.Envelope[P]) error

	// VerifyAfter runs after the handler, before commit. A rejection rolls
	// back the handler's writes.
	VerifyAfter(ctx context.Context, env source.Envelope[P]) error
}

// VerifierFuncs builds a Verifier from optional functions.
type VerifierFuncs[P any] struct {
	Before func(ctx context.Context, env source.Envelope[P]) error
	After  func(ctx context.Context, env source.Envelope[P]) error
}

func (v VerifierFuncs[P]) VerifyBefore(ctx context.Context, env source.Envelope[P]) error {
	if v.Before == nil {
		return nil
	}
	return v.Before(ctx, env)
}

func (v VerifierFuncs[P]) VerifyAfter(ctx context.Context, env source.Envelope[P]) error {
	if v.After == nil {
		return nil
	}
	return v.After(ctx, env)
}
