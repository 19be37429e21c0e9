package observability

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "deskserve"

// LifecycleMetrics records embedded server lifecycle transitions as
// Prometheus metrics.
type LifecycleMetrics struct {
	state         *prometheus.GaugeVec
	starts        *prometheus.CounterVec
	stops         *prometheus.CounterVec
	startDuration prometheus.Histogram
	stopDuration  prometheus.Histogram
}

// NewLifecycleMetrics creates the lifecycle collectors and registers them with reg.
//
// Precondition: reg must be non-nil and must not already hold these collectors.
// Postcondition: Returns registered metrics or a non-nil error.
func NewLifecycleMetrics(reg prometheus.Registerer) (*LifecycleMetrics, error) {
	m := &LifecycleMetrics{
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "lifecycle",
			Name:      "state",
			Help:      "Current embedded server lifecycle state (1 for the active state).",
		}, []string{"state"}),
		starts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "lifecycle",
			Name:      "starts_total",
			Help:      "Start attempts by result.",
		}, []string{"result"}),
		stops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "lifecycle",
			Name:      "stops_total",
			Help:      "Stop attempts by result.",
		}, []string{"result"}),
		startDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "lifecycle",
			Name:      "start_duration_seconds",
			Help:      "Time from Start until the listener was ready or the attempt failed.",
			Buckets:   prometheus.DefBuckets,
		}),
		stopDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "lifecycle",
			Name:      "stop_duration_seconds",
			Help:      "Time from Stop until the worker was joined.",
			Buckets:   prometheus.DefBuckets,
		}),
	}

	for _, c := range []prometheus.Collector{m.state, m.starts, m.stops, m.startDuration, m.stopDuration} {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("registering lifecycle metrics: %w", err)
		}
	}
	return m, nil
}

// SetState marks state as the only active lifecycle state.
func (m *LifecycleMetrics) SetState(state string) {
	m.state.Reset()
	m.state.WithLabelValues(state).Set(1)
}

// ObserveStart records one start attempt.
func (m *LifecycleMetrics) ObserveStart(result string, elapsed time.Duration) {
	m.starts.WithLabelValues(result).Inc()
	m.startDuration.Observe(elapsed.Seconds())
}

// ObserveStop records one stop attempt.
func (m *LifecycleMetrics) ObserveStop(result string, elapsed time.Duration) {
	m.stops.WithLabelValues(result).Inc()
	m.stopDuration.Observe(elapsed.Seconds())
}
