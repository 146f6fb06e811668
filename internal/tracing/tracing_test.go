package tracing

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func TestNewProvider_DisabledIsNoop(t *testing.T) {
	p, err := NewProvider(Config{Enabled: false})
	require.NoError(t, err)
	assert.False(t, p.Enabled())

	_, span := p.Tracer().Start(context.Background(), SpanSubmit)
	assert.False(t, span.IsRecording())
	span.End()
	assert.NoError(t, p.Shutdown(context.Background()))
}

func TestNewProvider_UnknownExporter(t *testing.T) {
	_, err := NewProvider(Config{Enabled: true, Exporter: "carrier-pigeon"})
	assert.Error(t, err)
}

func TestNewProvider_NoneExporter(t *testing.T) {
	p, err := NewProvider(Config{Enabled: true, Exporter: "none"})
	require.NoError(t, err)
	assert.True(t, p.Enabled())
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestEnd_RecordsError(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	p := NewWithExporter("test", exp)

	_, ok := p.Tracer().Start(context.Background(), SpanPause)
	End(ok, nil)
	_, bad := p.Tracer().Start(context.Background(), SpanRoleExecution)
	bad.SetAttributes(AttrRole.String("qa"))
	End(bad, errors.New("model down"))

	spans := exp.GetSpans()
	require.Len(t, spans, 2)
	assert.Equal(t, SpanPause, spans[0].Name)
	assert.Equal(t, codes.Unset, spans[0].Status.Code)
	assert.Equal(t, SpanRoleExecution, spans[1].Name)
	assert.Equal(t, codes.Error, spans[1].Status.Code)
	assert.Equal(t, "model down", spans[1].Status.Description)
}
