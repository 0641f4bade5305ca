// Package errs defines the structured error type shared by the projection
// runtime. Every error carries a Kind so callers can branch with errors.As
// instead of matching on strings.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Kind classifies a failure.
type Kind string

const (
	KindStorage              Kind = "storage"
	KindHandler              Kind = "handler"
	KindVerificationRejected Kind = "verification_rejected"
	KindSchemaExists         Kind = "schema_exists"
	KindOffsetRegression     Kind = "offset_regression"
	KindRunnerActive         Kind = "runner_active"
	KindInvalid              Kind = "invalid"
	KindNotFound             Kind = "not_found"
	KindSource               Kind = "source"
)

// E is the error value returned across package boundaries.
type E struct {
	Kind       Kind
	Op         string
	Projection string
	Message    string

	cause error
}

// Option mutates an E during construction.
type Option func(*E)

// New builds an error for the given operation.
func New(op string, kind Kind, opts ...Option) *E {
	e := &E{Kind: kind, Op: strings.TrimSpace(op)}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable description.
func WithMessage(msg string) Option {
	return func(e *E) {
		e.Message = strings.TrimSpace(msg)
	}
}

// WithProjection tags the error with the projection it originated from.
func WithProjection(id string) Option {
	return func(e *E) {
		e.Projection = strings.TrimSpace(id)
	}
}

// WithCause wraps an underlying error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	parts := make([]string, 0, 5)
	if e.Op != "" {
		parts = append(parts, "op="+e.Op)
	}
	kind := string(e.Kind)
	if kind == "" {
		kind = "unknown"
	}
	parts = append(parts, "kind="+kind)
	if e.Projection != "" {
		parts = append(parts, "projection="+e.Projection)
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}
	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// Is reports whether err, or anything it wraps, is an *E of the given kind.
func Is(err error, kind Kind) bool {
	var e *E
	for err != nil {
		if !errors.As(err, &e) {
			return false
		}
		if e.Kind == kind {
			return true
		}
		err = e.cause
	}
	return false
}

// KindOf returns the kind of the outermost *E in err's chain, or the empty kind.
func KindOf(err error) Kind {
	var e *E
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
