package telemetry

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// captureExporter collects exported metrics in memory.
type captureExporter struct {
	mu      sync.Mutex
	batches []metricdata.ResourceMetrics
}

func (e *captureExporter) Temporality(sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (e *captureExporter) Aggregation(k sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return sdkmetric.DefaultAggregationSelector(k)
}

func (e *captureExporter) Export(_ context.Context, rm *metricdata.ResourceMetrics) error {
	e.mu.Lock()
	e.batches = append(e.batches, *rm)
	e.mu.Unlock()
	return nil
}

func (e *captureExporter) ForceFlush(context.Context) error { return nil }
func (e *captureExporter) Shutdown(context.Context) error   { return nil }

func (e *captureExporter) metricNames() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var names []string
	for _, rm := range e.batches {
		for _, sm := range rm.ScopeMetrics {
			for _, m := range sm.Metrics {
				names = append(names, m.Name)
			}
		}
	}
	return names
}

func TestNew_DisabledTelemetry(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Enabled = false

	tel, err := New(context.Background(), cfg)
	require.NoError(t, err)
	require.NotNil(t, tel)

	assert.NotNil(t, tel.Meter("test"))
	assert.False(t, tel.IsEnabled())
	assert.False(t, tel.Degraded())
}

func TestNew_InvalidConfig(t *testing.T) {
	cfg := &Config{Enabled: true}

	tel, err := New(context.Background(), cfg)
	require.Error(t, err)
	assert.Nil(t, tel)
	assert.Contains(t, err.Error(), "invalid telemetry config")
}

func TestNew_ExportsRecordedMetrics(t *testing.T) {
	cfg := NewDefaultConfig()
	cfg.Enabled = true

	exp := &captureExporter{}
	tel, err := New(context.Background(), cfg, WithMetricExporter(exp))
	require.NoError(t, err)
	require.True(t, tel.IsEnabled())

	meter := tel.Meter("test")
	counter, err := meter.Int64Counter("stage_attempts_total")
	require.NoError(t, err)
	counter.Add(context.Background(), 3)

	require.NoError(t, tel.ForceFlush(context.Background()))
	assert.Contains(t, exp.metricNames(), "stage_attempts_total")

	require.NoError(t, tel.Shutdown(context.Background()))
	assert.False(t, tel.IsEnabled())
}

func TestTelemetry_NilSafe(t *testing.T) {
	var tel *Telemetry

	assert.NotPanics(t, func() {
		_ = tel.Meter("test")
		_ = tel.IsEnabled()
		_ = tel.Shutdown(context.Background())
		_ = tel.ForceFlush(context.Background())
	})
	assert.True(t, tel.Degraded())
}

func TestTelemetry_ShutdownDisabled(t *testing.T) {
	cfg := NewDefaultConfig()

	tel, err := New(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, tel.Shutdown(context.Background()))
	assert.False(t, tel.IsEnabled())
}
