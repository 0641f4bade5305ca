package session

import "context"

// Action is a deferred write that runs inside a caller's session.
type Action[C any] func(ctx context.Context, conn C) error

// Run executes the action against the session's connection.
func (a Action[C]) Run(ctx context.Context, s Session[C]) error {
	if a == nil {
		return nil
	}
	return s.WithConnection(ctx, func(conn C) error {
		return a(ctx, conn)
	})
}

// Sequence combines actions into one that runs them in order and stops at
// the first error.
func Sequence[C any](actions ...Action[C]) Action[C] {
	return func(ctx context.Context, conn C) error {
		for _, a := range actions {
			if a == nil {
				continue
			}
			if err := a(ctx, conn); err != nil {
				return err
			}
		}
		return nil
	}
}
