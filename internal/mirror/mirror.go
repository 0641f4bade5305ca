// Package mirror copies projection progress to an analytics store. It
// observes runners, batches a row per saved offset and ships batches
// through a circuit breaker, so an unavailable store never slows the
// projections down. The mirror is best effort: rows are dropped once the
// backlog is full.
package mirror

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker/v2"

	"github.com/SteelMorgan/projector/internal/domain"
	"github.com/SteelMorgan/projector/internal/offset"
	"github.com/SteelMorgan/projector/internal/projection"
)

// ErrPaused is returned by Flush while the breaker rejects inserts.
var ErrPaused = errors.New("mirror paused: analytics store unavailable")

// Inserter writes a batch of progress rows.
type Inserter interface {
	Insert(ctx context.Context, rows []domain.ProjectionProgress) error
}

// Config tunes batching and the breaker.
type Config struct {
	MaxBatch         int           // rows per insert; default 500
	MaxPending       int           // backlog limit; default 10 * MaxBatch
	FlushInterval    time.Duration // default 5s
	FailureThreshold uint32        // consecutive failures that open the breaker; default 3
	OpenTimeout      time.Duration // time the breaker stays open; default 30s
}

func (c Config) withDefaults() Config {
	if c.MaxBatch <= 0 {
		c.MaxBatch = 500
	}
	if c.MaxPending < c.MaxBatch {
		c.MaxPending = 10 * c.MaxBatch
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 5 * time.Second
	}
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 3
	}
	if c.OpenTimeout <= 0 {
		c.OpenTimeout = 30 * time.Second
	}
	return c
}

type counters struct {
	envelopes      uint64
	skipped        uint64
	lastEnvelopeAt time.Time
}

// Mirror is a projection.Observer feeding an Inserter.
type Mirror struct {
	projection.NopObserver

	ins     Inserter
	cfg     Config
	breaker *gobreaker.CircuitBreaker[struct{}]
	now     func() time.Time

	mu      sync.Mutex
	pending []domain.ProjectionProgress
	stats   map[domain.ProjectionID]*counters

	flushCh chan struct{}
	dropped atomic.Uint64
}

// New creates a mirror writing to ins.
func New(ins Inserter, cfg Config) *Mirror {
	cfg = cfg.withDefaults()
	m := &Mirror{
		ins:     ins,
		cfg:     cfg,
		now:     time.Now,
		stats:   make(map[domain.ProjectionID]*counters),
		flushCh: make(chan struct{}, 1),
	}
	m.breaker = gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "progress-mirror",
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Mirror circuit breaker state changed")
		},
	})
	return m
}

func (m *Mirror) counter(id domain.ProjectionID) *counters {
	c, ok := m.stats[id]
	if !ok {
		c = &counters{}
		m.stats[id] = c
	}
	return c
}

func (m *Mirror) EnvelopeProcessed(id domain.ProjectionID, _ offset.Offset, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := m.counter(id)
	c.envelopes++
	c.lastEnvelopeAt = m.now()
}

func (m *Mirror) EnvelopeSkipped(id domain.ProjectionID, _ offset.Offset, _ projection.SkipReason) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counter(id).skipped++
}

// OffsetSaved queues a progress row.
func (m *Mirror) OffsetSaved(_ context.Context, id domain.ProjectionID, off offset.Offset) {
	m.mu.Lock()
	c := m.counter(id)
	row := domain.ProjectionProgress{
		Timestamp:      m.now().UTC(),
		ProjectionName: id.Name,
		ProjectionKey:  id.Key,
		Offset:         off.String(),
		Manifest:       off.Manifest(),
		Mergeable:      off.Manifest() == offset.ManifestMerged,
		Envelopes:      c.envelopes,
		Skipped:        c.skipped,
		LastEnvelopeAt: c.lastEnvelopeAt,
	}
	m.pending = append(m.pending, row)
	if over := len(m.pending) - m.cfg.MaxPending; over > 0 {
		m.pending = m.pending[over:]
		m.dropped.Add(uint64(over))
	}
	full := len(m.pending) >= m.cfg.MaxBatch
	m.mu.Unlock()

	if full {
		select {
		case m.flushCh <- struct{}{}:
		default:
		}
	}
}

// Pending returns the number of queued rows.
func (m *Mirror) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Dropped returns the number of rows discarded because of backlog limits.
func (m *Mirror) Dropped() uint64 {
	return m.dropped.Load()
}

// Run flushes periodically and when a batch fills up. It flushes once
// more when ctx ends.
func (m *Mirror) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := m.Flush(final); err != nil {
				log.Warn().Err(err).Int("pending", m.Pending()).Msg("Final mirror flush failed")
			}
			return nil
		case <-ticker.C:
		case <-m.flushCh:
		}
		if err := m.Flush(ctx); err != nil && ctx.Err() == nil {
			log.Warn().Err(err).Int("pending", m.Pending()).Msg("Mirror flush failed")
		}
	}
}

// Flush inserts every queued row, one batch at a time. Rows of a failed
// batch go back to the front of the queue.
func (m *Mirror) Flush(ctx context.Context) error {
	for {
		m.mu.Lock()
		n := min(len(m.pending), m.cfg.MaxBatch)
		batch := append([]domain.ProjectionProgress(nil), m.pending[:n]...)
		m.pending = m.pending[n:]
		m.mu.Unlock()
		if n == 0 {
			return nil
		}

		start := time.Now()
		_, err := m.breaker.Execute(func() (struct{}, error) {
			return struct{}{}, m.ins.Insert(ctx, batch)
		})
		if err != nil {
			m.requeue(batch)
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return ErrPaused
			}
			return err
		}
		log.Debug().
			Int("rows", len(batch)).
			Dur("elapsed", time.Since(start)).
			Msg("Progress rows mirrored")
	}
}

func (m *Mirror) requeue(batch []domain.ProjectionProgress) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pending = append(batch, m.pending...)
	if over := len(m.pending) - m.cfg.MaxPending; over > 0 {
		m.pending = m.pending[over:]
		m.dropped.Add(uint64(over))
	}
}

// BreakerState reports the circuit breaker state for health checks.
func (m *Mirror) BreakerState() string {
	return m.breaker.State().String()
}
