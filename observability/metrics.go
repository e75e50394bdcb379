package observability

import (
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type moduleMetrics struct {
	requests *prometheus.CounterVec
	errors   *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

var (
	moduleMetricsOnce sync.Once
	moduleRegistry    *moduleMetrics
)

// ModuleMetrics returns the lazily-initialised registry used to record RPC
// method activity.
func ModuleMetrics() *moduleMetrics {
	moduleMetricsOnce.Do(func() {
		moduleRegistry = &moduleMetrics{
			requests: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "swapsettle",
				Subsystem: "rpc",
				Name:      "requests_total",
				Help:      "Count of RPC requests segmented by method.",
			}, []string{"method"}),
			errors: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "swapsettle",
				Subsystem: "rpc",
				Name:      "errors_total",
				Help:      "Count of RPC errors segmented by method and code.",
			}, []string{"method", "code"}),
			latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: "swapsettle",
				Subsystem: "rpc",
				Name:      "request_duration_seconds",
				Help:      "RPC handler latency segmented by method.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"method"}),
		}
		prometheus.MustRegister(moduleRegistry.requests, moduleRegistry.errors, moduleRegistry.latency)
	})
	return moduleRegistry
}

func normalizeMethod(method string) string {
	method = strings.TrimSpace(method)
	if method == "" {
		return "unknown"
	}
	return method
}

// RecordRequest notes one handled RPC call and its duration.
func (m *moduleMetrics) RecordRequest(method string, elapsed time.Duration) {
	if m == nil {
		return
	}
	method = normalizeMethod(method)
	m.requests.WithLabelValues(method).Inc()
	m.latency.WithLabelValues(method).Observe(elapsed.Seconds())
}

// RecordError notes one failed RPC call with its JSON-RPC error code.
func (m *moduleMetrics) RecordError(method, code string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(normalizeMethod(method), code).Inc()
}
