package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type eventMetrics struct {
	network *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking published network events.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			network: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "ember",
				Subsystem: "events",
				Name:      "network_total",
				Help:      "Count of network events segmented by event type.",
			}, []string{"type"}),
		}
		prometheus.MustRegister(eventRegistry.network)
	})
	return eventRegistry
}

// RecordNetworkEvent increments the counter for the supplied event type.
func (m *eventMetrics) RecordNetworkEvent(eventType string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(eventType)
	if normalized == "" {
		normalized = "unknown"
	}
	m.network.WithLabelValues(normalized).Inc()
}
