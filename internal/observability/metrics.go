// Package observability sets up logging, tracing and Prometheus metrics
// for the projector.
package observability

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/SteelMorgan/projector/internal/domain"
	"github.com/SteelMorgan/projector/internal/offset"
	"github.com/SteelMorgan/projector/internal/projection"
)

var runnerStates = []projection.State{
	projection.StateStopped,
	projection.StateRunning,
	projection.StateRestartBackoff,
	projection.StateFailed,
}

// Metrics records runner events as Prometheus series. It implements
// projection.Observer.
type Metrics struct {
	processed  *prometheus.CounterVec
	skipped    *prometheus.CounterVec
	failures   *prometheus.CounterVec
	saves      *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	state      *prometheus.GaugeVec
	lastOffset *prometheus.GaugeVec
}

// NewMetrics registers the projector collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		processed: f.NewCounterVec(prometheus.CounterOpts{
			Name: "projector_envelopes_processed_total",
			Help: "Envelopes committed by the handler",
		}, []string{"projection", "key"}),
		skipped: f.NewCounterVec(prometheus.CounterOpts{
			Name: "projector_envelopes_skipped_total",
			Help: "Envelopes skipped by recovery or verification",
		}, []string{"projection", "key", "reason"}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "projector_handler_failures_total",
			Help: "Failed handler attempts, retries included",
		}, []string{"projection", "key"}),
		saves: f.NewCounterVec(prometheus.CounterOpts{
			Name: "projector_offset_saves_total",
			Help: "Offsets made durable",
		}, []string{"projection", "key"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "projector_envelope_duration_seconds",
			Help:    "Time from first attempt to commit of an envelope",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"projection"}),
		state: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "projector_runner_state",
			Help: "1 for the current state of each runner",
		}, []string{"projection", "key", "state"}),
		lastOffset: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "projector_last_sequence_offset",
			Help: "Last saved offset for sequence-numbered projections",
		}, []string{"projection", "key"}),
	}
}

func (m *Metrics) EnvelopeProcessed(id domain.ProjectionID, _ offset.Offset, elapsed time.Duration) {
	m.processed.WithLabelValues(id.Name, id.Key).Inc()
	m.duration.WithLabelValues(id.Name).Observe(elapsed.Seconds())
}

func (m *Metrics) EnvelopeSkipped(id domain.ProjectionID, _ offset.Offset, reason projection.SkipReason) {
	m.skipped.WithLabelValues(id.Name, id.Key, string(reason)).Inc()
}

func (m *Metrics) HandlerFailed(id domain.ProjectionID, _ offset.Offset, _ int, _ error) {
	m.failures.WithLabelValues(id.Name, id.Key).Inc()
}

func (m *Metrics) OffsetSaved(_ context.Context, id domain.ProjectionID, off offset.Offset) {
	m.saves.WithLabelValues(id.Name, id.Key).Inc()
	if seq, ok := off.(offset.Sequence); ok {
		m.lastOffset.WithLabelValues(id.Name, id.Key).Set(float64(seq))
	}
}

func (m *Metrics) StateChanged(id domain.ProjectionID, _, to projection.State) {
	for _, s := range runnerStates {
		v := 0.0
		if s == to {
			v = 1
		}
		m.state.WithLabelValues(id.Name, id.Key, s.String()).Set(v)
	}
}
