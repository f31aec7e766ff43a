package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	notegateMetricsOnce sync.Once
	notegateRegistry    *NotegateMetrics
)

// NotegateMetrics wraps the collectors fed by the session manager, the transaction
// orchestrator and the access reconciler.
type NotegateMetrics struct {
	sessionInits     *prometheus.CounterVec
	sessionTeardowns *prometheus.CounterVec
	transactions     *prometheus.CounterVec
	failures         *prometheus.CounterVec
	gasFallbacks     *prometheus.CounterVec
	confirmLatency   *prometheus.HistogramVec
	reconcileLatency *prometheus.HistogramVec
	reconcileNotes   *prometheus.GaugeVec
	accessFallbacks  *prometheus.CounterVec
}

// Notegate returns the lazily-initialised notegate metrics registry.
func Notegate() *NotegateMetrics {
	notegateMetricsOnce.Do(func() {
		notegateRegistry = &NotegateMetrics{
			sessionInits: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "notegate",
				Subsystem: "session",
				Name:      "initialisations_total",
				Help:      "Session initialisation attempts segmented by result.",
			}, []string{"result"}),
			sessionTeardowns: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "notegate",
				Subsystem: "session",
				Name:      "teardowns_total",
				Help:      "Session teardowns segmented by provider event.",
			}, []string{"reason"}),
			transactions: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "notegate",
				Subsystem: "txn",
				Name:      "transactions_total",
				Help:      "Contract write attempts segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			failures: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "notegate",
				Subsystem: "txn",
				Name:      "failures_total",
				Help:      "Classified pipeline failures segmented by operation and kind.",
			}, []string{"operation", "kind"}),
			gasFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "notegate",
				Subsystem: "txn",
				Name:      "gas_fallbacks_total",
				Help:      "Gas estimations replaced by the fallback limit.",
			}, []string{"operation"}),
			confirmLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "notegate",
				Subsystem: "txn",
				Name:      "confirmation_seconds",
				Help:      "Time from submission to receipt.",
				Buckets:   []float64{1, 2, 5, 10, 20, 30, 60, 120, 300},
			}, []string{"operation"}),
			reconcileLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "notegate",
				Subsystem: "access",
				Name:      "reconcile_seconds",
				Help:      "Duration of access map reconciliation.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"mode"}),
			reconcileNotes: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: "notegate",
				Subsystem: "access",
				Name:      "reconciled_notes",
				Help:      "Number of notes in the latest reconciliation.",
			}, []string{"mode"}),
			accessFallbacks: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "notegate",
				Subsystem: "access",
				Name:      "author_fallbacks_total",
				Help:      "Per-note access reads that fell back to author equality.",
			}, []string{"mode"}),
		}
		prometheus.MustRegister(
			notegateRegistry.sessionInits,
			notegateRegistry.sessionTeardowns,
			notegateRegistry.transactions,
			notegateRegistry.failures,
			notegateRegistry.gasFallbacks,
			notegateRegistry.confirmLatency,
			notegateRegistry.reconcileLatency,
			notegateRegistry.reconcileNotes,
			notegateRegistry.accessFallbacks,
		)
	})
	return notegateRegistry
}

// ObserveSessionInit counts an EnsureSession initialisation.
func (m *NotegateMetrics) ObserveSessionInit(result string) {
	if m == nil {
		return
	}
	m.sessionInits.WithLabelValues(label(result)).Inc()
}

// ObserveSessionTeardown counts a teardown.
func (m *NotegateMetrics) ObserveSessionTeardown(reason string) {
	if m == nil {
		return
	}
	m.sessionTeardowns.WithLabelValues(label(reason)).Inc()
}

// ObserveTransaction counts a finished pipeline run.
func (m *NotegateMetrics) ObserveTransaction(op, outcome string) {
	if m == nil {
		return
	}
	m.transactions.WithLabelValues(label(op), label(outcome)).Inc()
}

// ObserveFailure counts a classified failure.
func (m *NotegateMetrics) ObserveFailure(op, kind string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(label(op), label(kind)).Inc()
}

// ObserveGasFallback counts a fallback gas limit.
func (m *NotegateMetrics) ObserveGasFallback(op string) {
	if m == nil {
		return
	}
	m.gasFallbacks.WithLabelValues(label(op)).Inc()
}

// ObserveConfirmation records the submission-to-receipt latency.
func (m *NotegateMetrics) ObserveConfirmation(op string, d time.Duration) {
	if m == nil {
		return
	}
	m.confirmLatency.WithLabelValues(label(op)).Observe(d.Seconds())
}

// ObserveReconcile records a completed reconciliation.
func (m *NotegateMetrics) ObserveReconcile(mode string, d time.Duration, notes int) {
	if m == nil {
		return
	}
	m.reconcileLatency.WithLabelValues(label(mode)).Observe(d.Seconds())
	m.reconcileNotes.WithLabelValues(label(mode)).Set(float64(notes))
}

// ObserveAccessFallback counts a per-note author fallback.
func (m *NotegateMetrics) ObserveAccessFallback(mode string) {
	if m == nil {
		return
	}
	m.accessFallbacks.WithLabelValues(label(mode)).Inc()
}

func label(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
