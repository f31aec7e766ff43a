package observability

import (
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

type eventMetrics struct {
	deliveries *prometheus.CounterVec
}

var (
	eventMetricsOnce sync.Once
	eventRegistry    *eventMetrics
)

// Events returns the metrics registry tracking note lifecycle webhook deliveries.
func Events() *eventMetrics {
	eventMetricsOnce.Do(func() {
		eventRegistry = &eventMetrics{
			deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "notegate",
				Subsystem: "events",
				Name:      "webhook_deliveries_total",
				Help:      "Webhook deliveries segmented by event type and result.",
			}, []string{"event", "result"}),
		}
		prometheus.MustRegister(eventRegistry.deliveries)
	})
	return eventRegistry
}

// ObserveDelivery counts one finished webhook delivery.
func (m *eventMetrics) ObserveDelivery(event, result string) {
	if m == nil {
		return
	}
	normalized := strings.TrimSpace(strings.ToLower(event))
	if normalized == "" {
		normalized = "unknown"
	}
	m.deliveries.WithLabelValues(normalized, label(result)).Inc()
}
