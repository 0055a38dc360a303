package metric

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterAndUnregister(t *testing.T) {
	registry := NewRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_events_total",
		Help: "test counter",
	})

	require.NoError(t, registry.RegisterCounter("tracker", "test_events_total", counter))
	assert.True(t, registry.Unregister("tracker", "test_events_total"))
	assert.False(t, registry.Unregister("tracker", "test_events_total"))
}

func TestDuplicateRegistrationRejected(t *testing.T) {
	registry := NewRegistry()

	gauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "test_lag_seconds",
		Help: "test gauge",
	})

	require.NoError(t, registry.RegisterGauge("tracker", "test_lag_seconds", gauge))
	err := registry.RegisterGauge("tracker", "test_lag_seconds", gauge)
	assert.Error(t, err)
}

func TestHandlerServesMetrics(t *testing.T) {
	registry := NewRegistry()
	assert.NotNil(t, registry.Handler())
}

func TestIndependentRegistries(t *testing.T) {
	a := NewRegistry()
	b := NewRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "shared_total", Help: "x"})
	require.NoError(t, a.RegisterCounter("svc", "shared_total", counter))

	other := prometheus.NewCounter(prometheus.CounterOpts{Name: "shared_total", Help: "x"})
	require.NoError(t, b.RegisterCounter("svc", "shared_total", other))
}
