package observability

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SteelMorgan/projector/internal/domain"
	"github.com/SteelMorgan/projector/internal/offset"
	"github.com/SteelMorgan/projector/internal/projection"
)

func TestMetricsObserver(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	id := domain.ProjectionID{Name: "documents", Key: "1"}

	var obs projection.Observer = m
	obs.EnvelopeProcessed(id, offset.Sequence(1), 3*time.Millisecond)
	obs.EnvelopeProcessed(id, offset.Sequence(2), 5*time.Millisecond)
	obs.EnvelopeSkipped(id, offset.Sequence(3), projection.SkipRecovery)
	obs.HandlerFailed(id, offset.Sequence(3), 1, errors.New("boom"))
	obs.OffsetSaved(context.Background(), id, offset.Sequence(3))
	obs.StateChanged(id, projection.StateStopped, projection.StateRunning)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.processed.WithLabelValues("documents", "1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.skipped.WithLabelValues("documents", "1", "recovery")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.failures.WithLabelValues("documents", "1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.saves.WithLabelValues("documents", "1")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.lastOffset.WithLabelValues("documents", "1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.state.WithLabelValues("documents", "1", "running")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.state.WithLabelValues("documents", "1", "stopped")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.duration))

	obs.StateChanged(id, projection.StateRunning, projection.StateFailed)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.state.WithLabelValues("documents", "1", "running")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.state.WithLabelValues("documents", "1", "failed")))
}

func TestMetricsRegisterOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewMetrics(reg)
	assert.Panics(t, func() { NewMetrics(reg) })
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug":   zerolog.DebugLevel,
		"WARNING": zerolog.WarnLevel,
		" error ": zerolog.ErrorLevel,
		"bogus":   zerolog.InfoLevel,
		"":        zerolog.InfoLevel,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLogLevel(in), in)
	}
}

func TestInitLoggerWritesFile(t *testing.T) {
	prevLogger, prevLevel := log.Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		log.Logger = prevLogger
		zerolog.SetGlobalLevel(prevLevel)
	})

	path := filepath.Join(t.TempDir(), "projector.log")
	closeFn := InitLogger("debug", "json", path)
	log.Debug().Str("projection", "documents").Msg("hello")
	require.NoError(t, closeFn())

	assert.FileExists(t, path)
	assert.Equal(t, zerolog.DebugLevel, zerolog.GlobalLevel())
}

func TestInitTracerDisabled(t *testing.T) {
	shutdown, err := InitTracer(context.Background(), TracerConfig{Enabled: false})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))

	_, err = InitTracer(context.Background(), TracerConfig{Enabled: true, Protocol: "carrier-pigeon"})
	assert.Error(t, err)
}
