package metrics

import (
	"sync"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"

	"swapsettle/core/events"
)

// SettlementMetrics aggregates engine outcomes for Prometheus scraping.
type SettlementMetrics struct {
	executed     prometheus.Counter
	failed       *prometheus.CounterVec
	interactions prometheus.Counter
	invalidated  prometheus.Counter
}

var (
	settlementOnce sync.Once
	settlementReg  *SettlementMetrics
)

// Settlement returns the lazily-initialised settlement metrics registry.
func Settlement() *SettlementMetrics {
	settlementOnce.Do(func() {
		settlementReg = &SettlementMetrics{
			executed: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "swapsettle",
				Subsystem: "engine",
				Name:      "settlements_executed_total",
				Help:      "Count of successfully settled orders.",
			}),
			failed: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: "swapsettle",
				Subsystem: "engine",
				Name:      "settlements_failed_total",
				Help:      "Count of rolled-back settlement attempts segmented by reason.",
			}, []string{"reason"}),
			interactions: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "swapsettle",
				Subsystem: "engine",
				Name:      "interactions_executed_total",
				Help:      "Count of executed plan interactions.",
			}),
			invalidated: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: "swapsettle",
				Subsystem: "engine",
				Name:      "nonces_invalidated_total",
				Help:      "Count of proactively burned nonces.",
			}),
		}
		prometheus.MustRegister(
			settlementReg.executed,
			settlementReg.failed,
			settlementReg.interactions,
			settlementReg.invalidated,
		)
	})
	return settlementReg
}

// RecordExecuted notes one settled order.
func (m *SettlementMetrics) RecordExecuted() {
	if m == nil {
		return
	}
	m.executed.Inc()
}

// RecordFailed notes one rolled-back attempt. Reasons are free-form and
// truncated by the caller; an empty reason is bucketed as "unknown".
func (m *SettlementMetrics) RecordFailed(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.failed.WithLabelValues(reason).Inc()
}

// RecordInteraction notes one executed plan interaction.
func (m *SettlementMetrics) RecordInteraction() {
	if m == nil {
		return
	}
	m.interactions.Inc()
}

// RecordInvalidation notes one proactive nonce burn.
func (m *SettlementMetrics) RecordInvalidation() {
	if m == nil {
		return
	}
	m.invalidated.Inc()
}

// truncateLabel caps a free-form label value at max bytes without splitting a
// multi-byte rune; Prometheus label values must be valid UTF-8.
func truncateLabel(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && !utf8.RuneStart(s[max]) {
		max--
	}
	return s[:max]
}

// Emitter wraps an event sink and mirrors engine events into the metrics
// registry before forwarding them.
type Emitter struct {
	next    events.Emitter
	metrics *SettlementMetrics
}

// NewEmitter wires metrics collection in front of next. A nil next discards
// the events after counting.
func NewEmitter(next events.Emitter) *Emitter {
	if next == nil {
		next = events.NoopEmitter{}
	}
	return &Emitter{next: next, metrics: Settlement()}
}

func (e *Emitter) Emit(evt events.Event) {
	if e == nil || evt == nil {
		return
	}
	switch evt.EventType() {
	case events.TypeSettlementExecuted:
		e.metrics.RecordExecuted()
	case events.TypeSettlementFailed:
		record := evt.Event()
		reason := ""
		if record != nil {
			reason = record.Attributes["reason"]
		}
		// Cap the label cardinality: only the leading sentinel text matters.
		e.metrics.RecordFailed(truncateLabel(reason, 48))
	case events.TypeInteractionExecuted:
		e.metrics.RecordInteraction()
	case events.TypeNonceInvalidated:
		e.metrics.RecordInvalidation()
	}
	e.next.Emit(evt)
}
