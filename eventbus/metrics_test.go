package eventbus

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsCountPublishes(t *testing.T) {
	reg := prometheus.NewRegistry()
	cfg := DefaultConfig()
	cfg.MetricsRegisterer = reg
	bus := New(cfg, nil, nil)
	t.Cleanup(func() { _ = bus.Shutdown(context.Background()) })

	for i := 0; i < 3; i++ {
		_, err := bus.Publish(context.Background(), "metric.tick", "test", nil)
		require.NoError(t, err)
	}

	count := testutil.ToFloat64(bus.metrics.published.WithLabelValues("metric.tick"))
	assert.Equal(t, 3.0, count)
}

func TestMetricsNilRegistererIsQuiet(t *testing.T) {
	bus := New(nil, nil, nil)
	t.Cleanup(func() { _ = bus.Shutdown(context.Background()) })

	_, err := bus.Publish(context.Background(), "metric.tick", "test", nil)
	assert.NoError(t, err)
}
