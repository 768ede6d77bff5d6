package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Queue collectors, labelled by task kind.
var (
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "caisse",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Ready tasks per kind as of the last stats call.",
	}, []string{"kind"})
	QueueEnqueuedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "caisse",
		Subsystem: "queue",
		Name:      "enqueued_total",
		Help:      "Tasks accepted per kind.",
	}, []string{"kind"})
	QueueProcessedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "caisse",
		Subsystem: "queue",
		Name:      "processed_total",
		Help:      "Task executions per kind and outcome (ok, retry, dlq).",
	}, []string{"kind", "status"})
	QueueDLQSize = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "caisse",
		Subsystem: "queue",
		Name:      "dlq_size",
		Help:      "Dead-lettered tasks per kind.",
	}, []string{"kind"})
)
