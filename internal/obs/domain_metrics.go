package obs

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	domainOnce sync.Once

	// SettlementComposedTotal counts settlement compositions by instrument and outcome.
	SettlementComposedTotal *prometheus.CounterVec
	// PendingPayments reports the size of the last reconciled pending list per source.
	PendingPayments *prometheus.GaugeVec
	// PendingCollectTotal counts collection attempts per source and outcome.
	PendingCollectTotal *prometheus.CounterVec
	// CartMutationsTotal counts cart mutations by operation.
	CartMutationsTotal *prometheus.CounterVec
)

// MustRegisterDomainMetrics initialises and registers domain-specific Prometheus collectors.
func MustRegisterDomainMetrics(namespace string, reg prometheus.Registerer) {
	domainOnce.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		SettlementComposedTotal = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settlement_composed_total",
			Help:      "Count of settlement compositions by instrument and result.",
		}, []string{"instrument", "result"}))
		PendingPayments = register(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_payments",
			Help:      "Pending payments found by the last reconciliation, per source.",
		}, []string{"source"}))
		PendingCollectTotal = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pending_collect_total",
			Help:      "Count of pending payment collection attempts by source and result.",
		}, []string{"source", "result"}))
		CartMutationsTotal = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cart_mutations_total",
			Help:      "Count of cart mutations by operation.",
		}, []string{"op"}))
	})
}

