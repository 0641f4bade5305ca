// Package projection runs offset-tracked projections: it pulls envelopes
// from a source, applies them through a handler and records how far it got.
//
// In exactly-once delivery the handler's writes and the offset upsert share
// one session, so after any failure the stored offset and the read model
// agree. A runner restarted from the store resumes right after the last
// committed envelope.
package projection

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/SteelMorgan/projector/internal/domain"
	"github.com/SteelMorgan/projector/internal/errs"
	"github.com/SteelMorgan/projector/internal/offset"
	"github.com/SteelMorgan/projector/internal/retry"
	"github.com/SteelMorgan/projector/internal/session"
	"github.com/SteelMorgan/projector/internal/source"
)

const tracerName = "github.com/SteelMorgan/projector/internal/projection"

// errInterrupted marks a retry wait cut short by a stop request.
var errInterrupted = errors.New("interrupted by stop")

// Settings wires a runner. ID, Source, Store, Sessions and Handler are
// required.
type Settings[C, P any] struct {
	ID       domain.ProjectionID
	Source   source.Source[P]
	Store    offset.Store[C]
	Sessions session.Factory[C]
	Handler  Handler[C, P]

	Recovery Recovery
	Restart  RestartSettings
	Delivery Delivery
	Verifier Verifier[P]
	Observer Observer

	// ReadRetry bounds retries of the initial offset read.
	ReadRetry retry.Config
}

// Status is a point-in-time view of a runner.
type Status struct {
	ID             domain.ProjectionID
	State          State
	Offset         offset.Offset
	Envelopes      uint64
	Skipped        uint64
	LastEnvelopeAt time.Time
	LastError      string
}

// Runner drives one projection instance. It is safe for concurrent use;
// Run must only be active once at a time.
type Runner[C, P any] struct {
	s      Settings[C, P]
	obs    Observer
	log    zerolog.Logger
	tracer trace.Tracer

	mu       sync.Mutex
	state    State
	stateCh  chan struct{}
	active   bool
	relaunch context.Context // Start while a failed Run is exiting
	paused   bool
	resumeCh chan struct{}
	cancel   context.CancelFunc
	current  offset.Offset
	lastErr  error
	lastEnv  time.Time

	envelopes atomic.Uint64
	skipped   atomic.Uint64
}

// NewRunner validates settings and returns a stopped runner.
func NewRunner[C, P any](s Settings[C, P]) (*Runner[C, P], error) {
	if err := s.ID.Validate(); err != nil {
		return nil, errs.New("projection.new", errs.KindInvalid, errs.WithCause(err))
	}
	switch {
	case s.Source == nil:
		return nil, invalid(s.ID, "source is required")
	case s.Store == nil:
		return nil, invalid(s.ID, "offset store is required")
	case s.Sessions == nil:
		return nil, invalid(s.ID, "session factory is required")
	case s.Handler == nil:
		return nil, invalid(s.ID, "handler is required")
	}
	if s.Recovery.Strategy == "" {
		s.Recovery = Fail()
	}
	if err := s.Recovery.Validate(); err != nil {
		return nil, errs.New("projection.new", errs.KindInvalid, errs.WithProjection(s.ID.String()), errs.WithCause(err))
	}
	if err := s.Delivery.Validate(); err != nil {
		return nil, errs.New("projection.new", errs.KindInvalid, errs.WithProjection(s.ID.String()), errs.WithCause(err))
	}
	if s.ReadRetry.MaxAttempts == 0 {
		s.ReadRetry = retry.DefaultConfig()
	}

	obs := s.Observer
	if obs == nil {
		obs = NopObserver{}
	}

	return &Runner[C, P]{
		s:        s,
		obs:      obs,
		log:      log.With().Str("projection", s.ID.Name).Str("key", s.ID.Key).Logger(),
		tracer:   otel.Tracer(tracerName),
		state:    StateStopped,
		stateCh:  make(chan struct{}),
		resumeCh: make(chan struct{}),
	}, nil
}

func invalid(id domain.ProjectionID, msg string) error {
	return errs.New("projection.new", errs.KindInvalid, errs.WithProjection(id.String()), errs.WithMessage(msg))
}

// ID returns the projection instance this runner drives.
func (r *Runner[C, P]) ID() domain.ProjectionID {
	return r.s.ID
}

// State returns the current lifecycle state.
func (r *Runner[C, P]) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Err returns the error that last failed the runner.
func (r *Runner[C, P]) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastErr
}

// Status returns a snapshot of the runner.
func (r *Runner[C, P]) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	st := Status{
		ID:             r.s.ID,
		State:          r.state,
		Offset:         r.current,
		Envelopes:      r.envelopes.Load(),
		Skipped:        r.skipped.Load(),
		LastEnvelopeAt: r.lastEnv,
	}
	if r.lastErr != nil {
		st.LastError = r.lastErr.Error()
	}
	return st
}

// Run processes envelopes until ctx ends, the source is exhausted or the
// runner fails. It returns nil on a clean stop and the failure otherwise.
// While stopped by Stop, Run keeps waiting for Resume.
func (r *Runner[C, P]) Run(ctx context.Context) error {
	if !r.claim() {
		return errs.New("projection.run", errs.KindRunnerActive,
			errs.WithProjection(r.s.ID.String()), errs.WithMessage("runner is already active"))
	}
	return r.run(ctx)
}

func (r *Runner[C, P]) run(ctx context.Context) error {
	defer r.release()

	restarts := 0
	boff := r.s.Restart.backoff().NewBackOff()

	for {
		if err := r.waitResumed(ctx); err != nil {
			r.setState(StateStopped)
			return nil
		}

		cycleCtx, cancel := r.beginCycle(ctx)
		r.setState(StateRunning)
		r.log.Info().Msg("Projection started")

		progressed, err := r.cycle(cycleCtx)
		cancel()
		if progressed {
			restarts = 0
			boff.Reset()
		}

		if err == nil {
			r.setState(StateStopped)
			if ctx.Err() != nil || !r.isPaused() {
				r.log.Info().Msg("Projection stopped")
				return nil
			}
			r.log.Info().Msg("Projection paused")
			continue
		}

		r.setErr(err)
		if ctx.Err() == nil && restarts < r.s.Restart.MaxRestarts && !errs.Is(err, errs.KindOffsetRegression) {
			restarts++
			delay := boff.NextBackOff()
			r.setState(StateRestartBackoff)
			r.log.Warn().
				Err(err).
				Int("restart", restarts).
				Int("max_restarts", r.s.Restart.MaxRestarts).
				Dur("backoff", delay).
				Msg("Projection failed, restarting")

			waitCtx, cancel := r.beginCycle(ctx)
			werr := retry.Wait(waitCtx, delay)
			cancel()
			if werr != nil {
				r.setState(StateStopped)
				if ctx.Err() != nil {
					return nil
				}
			}
			continue
		}

		r.setState(StateFailed)
		r.log.Error().Err(err).Msg("Projection failed")
		return err
	}
}

// Start resumes a stopped runner. When Run is not active it is launched in
// a new goroutine under ctx.
func (r *Runner[C, P]) Start(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resumeLocked()
	if r.active {
		// A failed Run has not released yet; release launches it again.
		if r.state == StateFailed {
			r.relaunch = ctx
		}
		return
	}
	r.active = true
	go r.launch(ctx)
}

func (r *Runner[C, P]) launch(ctx context.Context) {
	if err := r.run(ctx); err != nil {
		r.log.Error().Err(err).Msg("Projection exited")
	}
}

// Stop pauses the runner after the envelope in flight and waits until it
// is stopped or ctx ends. In-flight transactions complete normally.
func (r *Runner[C, P]) Stop(ctx context.Context) error {
	r.mu.Lock()
	r.paused = true
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Unlock()
	return r.await(ctx, State.Idle)
}

// Resume lets a stopped runner continue. The stored offset is read again.
func (r *Runner[C, P]) Resume() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resumeLocked()
}

func (r *Runner[C, P]) resumeLocked() {
	if r.paused {
		r.paused = false
		close(r.resumeCh)
		r.resumeCh = make(chan struct{})
	}
}

// Restart stops the runner and resumes it, so the offset is re-read from
// the store.
func (r *Runner[C, P]) Restart(ctx context.Context) error {
	if err := r.Stop(ctx); err != nil {
		return err
	}
	r.Resume()
	return nil
}

// AwaitState blocks until the runner reaches want or ctx ends.
func (r *Runner[C, P]) AwaitState(ctx context.Context, want State) error {
	return r.await(ctx, func(s State) bool { return s == want })
}

func (r *Runner[C, P]) await(ctx context.Context, done func(State) bool) error {
	for {
		r.mu.Lock()
		ok := done(r.state)
		ch := r.stateCh
		r.mu.Unlock()
		if ok {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

func (r *Runner[C, P]) claim() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active {
		return false
	}
	r.active = true
	return true
}

func (r *Runner[C, P]) release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cancel = nil
	if ctx := r.relaunch; ctx != nil {
		r.relaunch = nil
		go r.launch(ctx)
		return
	}
	r.active = false
}

func (r *Runner[C, P]) isPaused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

func (r *Runner[C, P]) waitResumed(ctx context.Context) error {
	for {
		r.mu.Lock()
		paused := r.paused
		ch := r.resumeCh
		r.mu.Unlock()
		if !paused {
			return ctx.Err()
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ch:
		}
	}
}

// beginCycle derives a context that Stop can cancel. A stop that raced
// ahead of the cycle cancels it immediately.
func (r *Runner[C, P]) beginCycle(ctx context.Context) (context.Context, context.CancelFunc) {
	cycleCtx, cancel := context.WithCancel(ctx)
	r.mu.Lock()
	r.cancel = cancel
	if r.paused {
		cancel()
	}
	r.mu.Unlock()
	return cycleCtx, cancel
}

func (r *Runner[C, P]) setState(to State) {
	r.mu.Lock()
	from := r.state
	if from == to {
		r.mu.Unlock()
		return
	}
	r.state = to
	close(r.stateCh)
	r.stateCh = make(chan struct{})
	r.mu.Unlock()

	r.log.Debug().Str("from", from.String()).Str("to", to.String()).Msg("Projection state changed")
	r.obs.StateChanged(r.s.ID, from, to)
}

func (r *Runner[C, P]) setErr(err error) {
	r.mu.Lock()
	r.lastErr = err
	r.mu.Unlock()
}

func (r *Runner[C, P]) setCurrent(off offset.Offset, envelopeAt time.Time) {
	r.mu.Lock()
	r.current = off
	if !envelopeAt.IsZero() {
		r.lastEnv = envelopeAt
	}
	r.mu.Unlock()
}

// cycle runs one pass from the stored offset. It returns nil when stopped
// or when a finite source ends; progressed reports whether any envelope
// was completed.
func (r *Runner[C, P]) cycle(ctx context.Context) (progressed bool, err error) {
	// Transactions must finish even when a stop cancels ctx.
	procCtx := context.WithoutCancel(ctx)

	current, err := r.readOffset(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		return false, err
	}
	r.setCurrent(current, time.Time{})

	stream, err := r.s.Source.Open(ctx, current)
	if err != nil {
		if ctx.Err() != nil {
			return false, nil
		}
		return false, errs.New("projection.open_source", errs.KindSource,
			errs.WithProjection(r.s.ID.String()), errs.WithCause(err))
	}
	defer stream.Close()

	saver := &batchSaver[C, P]{r: r, ctx: procCtx, lastSave: time.Now()}

	for {
		if ctx.Err() != nil {
			return progressed, saver.flush(current)
		}

		env, err := r.next(ctx, stream, saver)
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			return progressed, saver.flush(current)
		case ctx.Err() != nil:
			return progressed, saver.flush(current)
		case errors.Is(err, context.DeadlineExceeded) && saver.due():
			if ferr := saver.flush(current); ferr != nil {
				return progressed, ferr
			}
			continue
		default:
			return progressed, errors.Join(
				errs.New("projection.next", errs.KindSource, errs.WithProjection(r.s.ID.String()), errs.WithCause(err)),
				saver.flush(current),
			)
		}

		if env.Offset == nil {
			return progressed, errors.Join(
				errs.New("projection.next", errs.KindSource, errs.WithProjection(r.s.ID.String()),
					errs.WithMessage(fmt.Sprintf("envelope %q has no offset", env.ID)), errs.WithCause(offset.ErrMissing)),
				saver.flush(current),
			)
		}
		next, err := offset.Advance(current, env.Offset)
		if err != nil {
			kind := errs.KindInvalid
			if errors.Is(err, offset.ErrRegression) {
				kind = errs.KindOffsetRegression
			}
			return progressed, errs.New("projection.advance", kind, errs.WithProjection(r.s.ID.String()), errs.WithCause(err))
		}

		saved, err := r.process(ctx, procCtx, env, next)
		if err != nil {
			if errors.Is(err, errInterrupted) {
				return progressed, saver.flush(current)
			}
			return progressed, errors.Join(err, saver.flush(current))
		}

		current = next
		progressed = true
		r.setCurrent(current, env.Timestamp)
		if err := saver.envelopeDone(current, saved); err != nil {
			return progressed, err
		}
	}
}

// next waits for the following envelope. With pending at-least-once saves
// the wait is bounded by the save interval.
func (r *Runner[C, P]) next(ctx context.Context, stream source.Stream[P], saver *batchSaver[C, P]) (source.Envelope[P], error) {
	deadline, ok := saver.deadline()
	if !ok {
		return stream.Next(ctx)
	}
	waitCtx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()
	return stream.Next(waitCtx)
}

func (r *Runner[C, P]) readOffset(ctx context.Context) (offset.Offset, error) {
	off, err := retry.DoWithResult(ctx, r.s.ReadRetry, func() (offset.Offset, error) {
		off, _, err := r.s.Store.ReadOffset(ctx, r.s.ID)
		return off, err
	})
	if err != nil {
		return nil, errs.New("projection.read_offset", errs.KindStorage,
			errs.WithProjection(r.s.ID.String()), errs.WithCause(err))
	}
	if off != nil {
		r.log.Info().Str("offset", off.String()).Msg("Resuming from stored offset")
	}
	return off, nil
}

// process applies one envelope under the recovery policy. stopCtx only
// interrupts retry waits; all storage work runs on procCtx. The boolean
// reports whether next was written to the store.
func (r *Runner[C, P]) process(stopCtx, procCtx context.Context, env source.Envelope[P], next offset.Offset) (bool, error) {
	ctx, span := r.tracer.Start(procCtx, "projection.process", trace.WithAttributes(
		attribute.String("projection.name", r.s.ID.Name),
		attribute.String("projection.key", r.s.ID.Key),
		attribute.String("envelope.id", env.ID),
		attribute.String("envelope.offset", env.Offset.String()),
	))
	defer span.End()

	if r.s.Verifier != nil {
		if err := r.s.Verifier.VerifyBefore(ctx, env); err != nil {
			r.skip(env, SkipVerificationBefore, err)
			span.SetAttributes(attribute.String("projection.skipped", string(SkipVerificationBefore)))
			return false, nil
		}
	}

	boff := r.s.Recovery.Backoff.NewBackOff()
	for failures := 0; ; {
		start := time.Now()
		err := r.attempt(ctx, env, next)
		if err == nil {
			r.envelopes.Add(1)
			r.obs.EnvelopeProcessed(r.s.ID, next, time.Since(start))
			if !r.s.Delivery.AtLeastOnce {
				r.obs.OffsetSaved(ctx, r.s.ID, next)
			}
			return !r.s.Delivery.AtLeastOnce, nil
		}
		if errs.Is(err, errs.KindVerificationRejected) {
			r.skip(env, SkipVerificationAfter, err)
			span.SetAttributes(attribute.String("projection.skipped", string(SkipVerificationAfter)))
			return false, nil
		}

		failures++
		r.obs.HandlerFailed(r.s.ID, env.Offset, failures, err)
		span.RecordError(err)

		switch decision := r.s.Recovery.Decide(failures); decision {
		case DecisionRetry:
			delay := boff.NextBackOff()
			r.log.Warn().
				Err(err).
				Str("offset", env.Offset.String()).
				Int("attempt", failures).
				Int("retries", r.s.Recovery.Retries).
				Dur("retry_delay", delay).
				Msg("Envelope failed, retrying")
			if werr := retry.Wait(stopCtx, delay); werr != nil {
				return false, errInterrupted
			}
		case DecisionSkip:
			if !r.s.Delivery.AtLeastOnce {
				if serr := session.InTransaction(ctx, r.s.Sessions, r.s.Store.SaveOffset(r.s.ID, next)); serr != nil {
					span.SetStatus(codes.Error, "skip offset save failed")
					return false, errs.New("projection.skip", errs.KindStorage,
						errs.WithProjection(r.s.ID.String()), errs.WithCause(serr))
				}
				r.obs.OffsetSaved(ctx, r.s.ID, next)
			}
			r.skip(env, SkipRecovery, err)
			return !r.s.Delivery.AtLeastOnce, nil
		default:
			span.SetStatus(codes.Error, "envelope failed")
			return false, errs.New("projection.process", errs.KindHandler,
				errs.WithProjection(r.s.ID.String()),
				errs.WithMessage(fmt.Sprintf("envelope %s at offset %s failed after %d attempts", env.ID, env.Offset, failures)),
				errs.WithCause(err))
		}
	}
}

func (r *Runner[C, P]) skip(env source.Envelope[P], reason SkipReason, cause error) {
	r.skipped.Add(1)
	r.log.Warn().
		Err(cause).
		Str("offset", env.Offset.String()).
		Str("envelope_id", env.ID).
		Str("reason", string(reason)).
		Msg("Envelope skipped")
	r.obs.EnvelopeSkipped(r.s.ID, env.Offset, reason)
}

// attempt runs the handler once in a fresh session and commits it. In
// exactly-once delivery the offset upsert joins the same session.
func (r *Runner[C, P]) attempt(ctx context.Context, env source.Envelope[P], next offset.Offset) (err error) {
	s, err := r.s.Sessions.Open(ctx)
	if err != nil {
		return errs.New("projection.open_session", errs.KindStorage, errs.WithCause(err))
	}
	defer func() {
		if p := recover(); p != nil {
			err = errs.New("handler.process", errs.KindHandler, errs.WithMessage(fmt.Sprintf("panic: %v", p)))
		}
		if cerr := s.Close(); cerr != nil {
			r.log.Warn().Err(cerr).Msg("Failed to close session")
		}
	}()

	if err := r.s.Handler.Process(ctx, s, env); err != nil {
		r.rollback(ctx, s)
		return errs.New("handler.process", errs.KindHandler, errs.WithCause(err))
	}
	if r.s.Verifier != nil {
		if verr := r.s.Verifier.VerifyAfter(ctx, env); verr != nil {
			r.rollback(ctx, s)
			return errs.New("projection.verify", errs.KindVerificationRejected, errs.WithCause(verr))
		}
	}
	if !r.s.Delivery.AtLeastOnce {
		if err := r.s.Store.SaveOffset(r.s.ID, next).Run(ctx, s); err != nil {
			r.rollback(ctx, s)
			return errs.New("projection.save_offset", errs.KindStorage, errs.WithCause(err))
		}
	}
	if err := s.Commit(ctx); err != nil {
		r.rollback(ctx, s)
		return errs.New("projection.commit", errs.KindStorage, errs.WithCause(err))
	}
	return nil
}

func (r *Runner[C, P]) rollback(ctx context.Context, s session.Session[C]) {
	if err := s.Rollback(ctx); err != nil {
		r.log.Warn().Err(err).Msg("Failed to roll back session")
	}
}

// batchSaver tracks offsets handled but not yet saved. In at-least-once
// delivery that is every envelope since the last save. In exactly-once
// delivery only verifier rejections leave the offset unsaved; they are
// written by the next commit or when the cycle ends.
type batchSaver[C, P any] struct {
	r        *Runner[C, P]
	ctx      context.Context
	pending  int
	lastSave time.Time
}

func (b *batchSaver[C, P]) envelopeDone(current offset.Offset, saved bool) error {
	d := b.r.s.Delivery
	if !d.AtLeastOnce {
		if saved {
			b.pending = 0
		} else {
			b.pending++
		}
		return nil
	}
	b.pending++
	if b.pending >= d.AfterEnvelopes || (d.AfterDuration > 0 && time.Since(b.lastSave) >= d.AfterDuration) {
		return b.flush(current)
	}
	return nil
}

func (b *batchSaver[C, P]) deadline() (time.Time, bool) {
	d := b.r.s.Delivery
	if !d.AtLeastOnce || b.pending == 0 || d.AfterDuration <= 0 {
		return time.Time{}, false
	}
	return b.lastSave.Add(d.AfterDuration), true
}

func (b *batchSaver[C, P]) due() bool {
	deadline, ok := b.deadline()
	return ok && !time.Now().Before(deadline)
}

func (b *batchSaver[C, P]) flush(current offset.Offset) error {
	if b.pending == 0 || current == nil {
		return nil
	}
	r := b.r
	if err := session.InTransaction(b.ctx, r.s.Sessions, r.s.Store.SaveOffset(r.s.ID, current)); err != nil {
		return errs.New("projection.save_offset", errs.KindStorage,
			errs.WithProjection(r.s.ID.String()), errs.WithCause(err))
	}
	r.obs.OffsetSaved(b.ctx, r.s.ID, current)
	b.pending = 0
	b.lastSave = time.Now()
	return nil
}
