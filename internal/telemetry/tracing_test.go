package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestInitTracerProviderRecordsSpans(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp, err := InitTracerProvider(context.Background(), Config{Enabled: true, ServiceName: "lensd-test"},
		sdktrace.WithSpanProcessor(rec))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	_, span := otel.Tracer("test").Start(context.Background(), "lens.navigate")
	span.End()

	ended := rec.Ended()
	require.Len(t, ended, 1)
	require.Equal(t, "lens.navigate", ended[0].Name())
	require.Contains(t, ended[0].Resource().String(), "lensd-test")
}

func TestInitTracerProviderDisabledSamplesNothing(t *testing.T) {
	rec := tracetest.NewSpanRecorder()
	tp, err := InitTracerProvider(context.Background(), Config{}, sdktrace.WithSpanProcessor(rec))
	require.NoError(t, err)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	_, span := otel.Tracer("test").Start(context.Background(), "lens.parse")
	require.False(t, span.SpanContext().IsSampled())
	span.End()
}
