package resilience

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Outbound dependency collectors. BreakerState holds the numeric State value.
var (
	BreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "caisse",
		Subsystem: "outbound",
		Name:      "breaker_state",
		Help:      "Breaker state per dependency (0 closed, 1 open, 2 half-open).",
	}, []string{"target"})
	BreakerTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "caisse",
		Subsystem: "outbound",
		Name:      "breaker_transitions_total",
		Help:      "Breaker state changes per dependency.",
	}, []string{"target", "from", "to"})
	BreakerOpenedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "caisse",
		Subsystem: "outbound",
		Name:      "breaker_opened_total",
		Help:      "Times a dependency breaker opened.",
	}, []string{"target"})
	OutboundAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "caisse",
		Subsystem: "outbound",
		Name:      "attempts_total",
		Help:      "Outbound HTTP attempts per dependency and result.",
	}, []string{"target", "result"})
)
