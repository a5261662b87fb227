package auth

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsSink counts activity events in prometheus.
type MetricsSink struct {
	events *prometheus.CounterVec
}

// NewMetricsSink registers the auth counters on reg.
func NewMetricsSink(reg prometheus.Registerer) (*MetricsSink, error) {
	events := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "auth",
		Name:      "activity_events_total",
		Help:      "Authentication activity events by type and outcome reason.",
	}, []string{"event", "reason"})

	if err := reg.Register(events); err != nil {
		return nil, err
	}

	return &MetricsSink{events: events}, nil
}

// Record implements ActivitySink.
func (m *MetricsSink) Record(_ context.Context, event ActivityEvent) error {
	reason := ""
	if r, ok := event.Metadata["reason"].(string); ok {
		reason = r
	}
	m.events.WithLabelValues(string(event.EventType), reason).Inc()
	return nil
}

// Counter exposes the underlying counter for a label pair.
func (m *MetricsSink) Counter(event ActivityEventType, reason string) prometheus.Counter {
	return m.events.WithLabelValues(string(event), reason)
}
