package observability

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// GatewayMetrics records HTTP gateway activity segmented by operation.
type GatewayMetrics struct {
	requests  *prometheus.CounterVec
	errors    *prometheus.CounterVec
	latency   *prometheus.HistogramVec
	throttles *prometheus.CounterVec
}

// LedgerMetrics tracks module-level ledger activity.
type LedgerMetrics struct {
	operations *prometheus.CounterVec
	events     *prometheus.CounterVec
}

var (
	gatewayMetricsOnce sync.Once
	gatewayRegistry    *GatewayMetrics

	ledgerMetricsOnce sync.Once
	ledgerRegistry    *LedgerMetrics
)

// Gateway returns the lazily-initialised gateway metrics registry.
func Gateway() *GatewayMetrics {
	gatewayMetricsOnce.Do(func() {
		gatewayRegistry = &GatewayMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "invoiceflow",
				Subsystem: "gateway",
				Name:      "requests_total",
				Help:      "Total gateway requests segmented by operation and outcome.",
			}, []string{"operation", "outcome"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "invoiceflow",
				Subsystem: "gateway",
				Name:      "errors_total",
				Help:      "Total gateway errors segmented by operation and status code.",
			}, []string{"operation", "status"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "invoiceflow",
				Subsystem: "gateway",
				Name:      "request_duration_seconds",
				Help:      "Latency distribution for gateway handlers.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"operation"}),
			throttles: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "invoiceflow",
				Subsystem: "gateway",
				Name:      "throttles_total",
				Help:      "Count of requests rejected by the rate limiter.",
			}, []string{"operation"}),
		}
		prometheus.MustRegister(
			gatewayRegistry.requests,
			gatewayRegistry.errors,
			gatewayRegistry.latency,
			gatewayRegistry.throttles,
		)
	})
	return gatewayRegistry
}

// Observe records the outcome of a gateway request. The status code should be
// the HTTP status that was ultimately written to the response writer.
func (m *GatewayMetrics) Observe(operation string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	op := labelOperation(operation)
	outcome := "success"
	if status >= 400 {
		outcome = "error"
		m.errors.WithLabelValues(op, fmt.Sprintf("%d", status)).Inc()
	}
	m.requests.WithLabelValues(op, outcome).Inc()
	m.latency.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordThrottle increments the throttle counter for the operation.
func (m *GatewayMetrics) RecordThrottle(operation string) {
	if m == nil {
		return
	}
	m.throttles.WithLabelValues(labelOperation(operation)).Inc()
}

// Ledger returns the lazily-initialised ledger metrics registry.
func Ledger() *LedgerMetrics {
	ledgerMetricsOnce.Do(func() {
		ledgerRegistry = &LedgerMetrics{
			operations: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "invoiceflow",
				Subsystem: "ledger",
				Name:      "operations_total",
				Help:      "Count of ledger mutations segmented by module and outcome.",
			}, []string{"module", "operation", "outcome"}),
			events: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "invoiceflow",
				Subsystem: "ledger",
				Name:      "events_total",
				Help:      "Count of ledger events segmented by event type.",
			}, []string{"type"}),
		}
		prometheus.MustRegister(ledgerRegistry.operations, ledgerRegistry.events)
	})
	return ledgerRegistry
}

// RecordOperation counts one ledger mutation attempt.
func (m *LedgerMetrics) RecordOperation(module, operation string, err error) {
	if m == nil {
		return
	}
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.operations.WithLabelValues(labelOperation(module), labelOperation(operation), outcome).Inc()
}

// RecordEvent counts one emitted ledger event.
func (m *LedgerMetrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	m.events.WithLabelValues(labelOperation(eventType)).Inc()
}

func labelOperation(value string) string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return "unknown"
	}
	return trimmed
}
