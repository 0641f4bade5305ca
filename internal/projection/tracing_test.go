package projection

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/SteelMorgan/projector/internal/offset"
	"github.com/SteelMorgan/projector/internal/source"
)

func TestProcessSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})

	f := newFixture(t)
	r := f.runner(t, f.settings(source.FromSlice(envelopes("abc", "def", "ghi")...), newDocHandler(failAt(3))))
	require.Error(t, r.Run(context.Background()))

	spans := recorder.Ended()
	require.Len(t, spans, 3)
	for _, s := range spans {
		require.Equal(t, "projection.process", s.Name())
	}
	last := spans[2]
	require.Equal(t, codes.Error, last.Status().Code)
	require.NotEmpty(t, last.Events(), "the failure is recorded on the span")

	var offsetAttr string
	for _, kv := range last.Attributes() {
		if kv.Key == "envelope.offset" {
			offsetAttr = kv.Value.AsString()
		}
	}
	require.Equal(t, offset.Sequence(3).String(), offsetAttr)
}
