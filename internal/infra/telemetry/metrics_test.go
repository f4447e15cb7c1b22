package telemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestNilMetricsAreSafe(t *testing.T) {
	var m *ReplicationMetrics
	m.Detection("m1", "BTCUSDT", "Buy")
	m.Replication("BTCUSDT", ResultFailure, "AuthFailure")
	m.Fanout(12, "BTCUSDT")
	m.SessionDelta(1)
	m.SessionState("m1", "subscribed")
	m.Saturated("m1")
	m.RegistryCycle("poll", ResultSuccess)
	m.CacheLookup("credentials", true)
}

func TestReplicationMetricsRecord(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	previous := otel.GetMeterProvider()
	otel.SetMeterProvider(provider)
	t.Cleanup(func() { otel.SetMeterProvider(previous) })

	m := NewReplicationMetrics()
	m.Replication("BTCUSDT", ResultSuccess, "")
	m.Replication("BTCUSDT", ResultFailure, "BusinessRejection")
	m.Detection("m1", "BTCUSDT", "Buy")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	totals := map[string]int64{}
	for _, scope := range rm.ScopeMetrics {
		for _, metric := range scope.Metrics {
			sum, ok := metric.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				totals[metric.Name] += dp.Value
			}
		}
	}
	require.Equal(t, int64(2), totals[MetricReplications])
	require.Equal(t, int64(1), totals[MetricDetections])
}
