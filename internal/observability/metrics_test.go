package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLifecycleMetrics_State(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewLifecycleMetrics(reg)
	require.NoError(t, err)

	m.SetState("starting")
	m.SetState("running")

	assert.Equal(t, float64(1), testutil.ToFloat64(m.state.WithLabelValues("running")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.state))
}

func TestLifecycleMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewLifecycleMetrics(reg)
	require.NoError(t, err)

	m.ObserveStart("ok", 20*time.Millisecond)
	m.ObserveStart("ok", 10*time.Millisecond)
	m.ObserveStart("bind_timeout", time.Second)
	m.ObserveStop("ok", 5*time.Millisecond)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.starts.WithLabelValues("ok")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.starts.WithLabelValues("bind_timeout")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.stops.WithLabelValues("ok")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.startDuration))
}

func TestLifecycleMetrics_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewLifecycleMetrics(reg)
	require.NoError(t, err)

	_, err = NewLifecycleMetrics(reg)
	assert.Error(t, err)
}
