package telemetry

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskline/internal/config"
)

func TestInitDisabledIsNoop(t *testing.T) {
	p, err := Init(context.Background(), config.TelemetryConfig{}, nil)
	require.NoError(t, err)
	m, err := NewMetrics(p.Meter)
	require.NoError(t, err)
	_, span := StartSpan(context.Background(), p.Tracer, "sync.pass")
	span.End()
	m.Passes.Add(context.Background(), 1)
	assert.False(t, span.SpanContext().IsValid())
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestInitStdoutExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	p, err := Init(context.Background(), config.TelemetryConfig{Enabled: true, Exporter: "stdout", SampleRate: 1}, &buf)
	require.NoError(t, err)
	_, span := StartClientSpan(context.Background(), p.Tracer, "sync.exchange", AttrBatchSize.Int(3))
	span.End()
	require.NoError(t, p.Shutdown(context.Background()))
	assert.Contains(t, buf.String(), "sync.exchange")
}

func TestInitUnknownExporter(t *testing.T) {
	_, err := Init(context.Background(), config.TelemetryConfig{Enabled: true, Exporter: "carrier"}, nil)
	require.Error(t, err)
}
