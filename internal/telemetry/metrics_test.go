package telemetry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func collect(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Aggregation {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	out := map[string]metricdata.Aggregation{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m.Data
		}
	}
	return out
}

func sum(agg metricdata.Aggregation) int64 {
	s, ok := agg.(metricdata.Sum[int64])
	if !ok {
		return -1
	}
	var total int64
	for _, dp := range s.DataPoints {
		total += dp.Value
	}
	return total
}

func TestMetricsRecord(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewMetrics(mp.Meter("test"))
	require.NoError(t, err)
	ctx := context.Background()

	m.RecordCommand(ctx, "take", "u1", true)
	m.RecordCommand(ctx, "take", "u2", false)
	m.RecordCommand(ctx, "complete", "u1", true)
	m.RecordTransition(ctx, "take", "todo", "in_progress")
	m.ObserveBoard(ctx, "get_task", 12*time.Millisecond, nil)
	m.ObserveBoard(ctx, "move_task", 3*time.Millisecond, errors.New("boom"))

	data := collect(t, reader)
	assert.Equal(t, int64(3), sum(data["taskbridge.commands"]))
	assert.Equal(t, int64(1), sum(data["taskbridge.transitions"]))
	assert.Equal(t, int64(2), sum(data["taskbridge.board.calls"]))
	assert.Equal(t, int64(1), sum(data["taskbridge.board.errors"]))
	_, ok := data["taskbridge.board.latency"].(metricdata.Histogram[float64])
	assert.True(t, ok)

	snap := m.Snapshot()
	assert.Equal(t, int64(3), snap.TotalCommands)
	assert.Equal(t, int64(1), snap.Failed)
	assert.InDelta(t, 66.66, snap.SuccessRate, 0.01)
	require.NotEmpty(t, snap.TopCommands)
	assert.Equal(t, Count{Name: "take", Count: 2}, snap.TopCommands[0])
	assert.Equal(t, Count{Name: "u1", Count: 2}, snap.TopUsers[0])
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.RecordCommand(context.Background(), "take", "u1", true)
	m.ObserveBoard(context.Background(), "get_task", time.Millisecond, nil)
	assert.Equal(t, int64(0), m.Snapshot().TotalCommands)
}

func TestInitDisabledIsNoop(t *testing.T) {
	shutdown, err := Init(context.Background(), Options{})
	require.NoError(t, err)
	require.NoError(t, shutdown(context.Background()))
	m, err := NewMetrics(Meter())
	require.NoError(t, err)
	m.RecordCommand(context.Background(), "take", "u1", true)
	assert.Equal(t, int64(1), m.Snapshot().TotalCommands)
}
