package metrics

import (
	"context"
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestCountersRecord(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	m, err := NewWithMeter(mp.Meter("test"))
	require.NoError(t, err)

	ctx := context.Background()
	m.SagaStarted(ctx, "create_user")
	m.SagaStarted(ctx, "create_user")
	m.OutboxDelivery(ctx, "create_account", "sent", 10*time.Millisecond)
	m.CommandHandled(ctx, "create_account", "applied")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(ctx, &rm))

	sums := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, md := range sm.Metrics {
			if s, ok := md.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range s.DataPoints {
					sums[md.Name] += dp.Value
				}
			}
		}
	}
	assert.Equal(t, int64(2), sums["sagas_started_total"])
	assert.Equal(t, int64(1), sums["outbox_deliveries_total"])
	assert.Equal(t, int64(1), sums["account_commands_total"])
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SagaFinished(context.Background(), "delete_user", "completed")
		m.SagaEvent(context.Background(), "account_deleted", "applied")
	})
}

func TestSetupServesPrometheus(t *testing.T) {
	p, err := Setup(context.Background(), "user-service")
	require.NoError(t, err)
	defer func() { _ = p.Shutdown(context.Background()) }()

	m, err := New()
	require.NoError(t, err)
	m.SagaStarted(context.Background(), "create_user")

	srv := httptest.NewServer(p.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "sagas_started_total")
}
