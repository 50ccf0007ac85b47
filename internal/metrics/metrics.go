// Package metrics holds the Prometheus collectors updated by the custody
// components:
//
//   - vault_pool_total_assets / vault_pool_total_shares – pool totals (gauges)
//   - vault_share_price                                 – assets per share
//   - vault_operations_total{component,op}              – committed operations
//   - vault_failures_total{component,op,kind}           – rejected operations by taxonomy kind
//   - vault_flow_units_total{flow}                      – base units moved (draw|remit|ops|burn_in|dust|redirect)
//   - vault_protocol_burned_total                       – protocol token destroyed
//   - vault_allocation_open                             – 1 while capital is outside pool custody
//   - vault_reconcile_runs_total / vault_reconcile_breaches_total
//   - vault_audit_record_errors_total                   – audit records that failed to persist
//
// They are registered in init() and served at /metrics by the api package.
package metrics

import (
	"math/big"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	PoolTotalAssets = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vault_pool_total_assets",
		Help: "Base units held by the asset pool.",
	})
	PoolTotalShares = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vault_pool_total_shares",
		Help: "Shares outstanding.",
	})
	SharePrice = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vault_share_price",
		Help: "Base units per share.",
	})

	Operations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vault_operations_total",
			Help: "Committed custody operations.",
		},
		[]string{"component", "op"},
	)

	Failures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vault_failures_total",
			Help: "Rejected custody operations by failure kind.",
		},
		[]string{"component", "op", "kind"},
	)

	FlowUnits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "vault_flow_units_total",
			Help: "Base units moved per flow.",
		},
		[]string{"flow"},
	)

	ProtocolBurned = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vault_protocol_burned_total",
		Help: "Protocol token units destroyed by buy-and-burn.",
	})

	AllocationOpen = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "vault_allocation_open",
		Help: "1 while an allocation is outstanding.",
	})

	ReconcileRuns = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vault_reconcile_runs_total",
		Help: "Conservation checks performed.",
	})
	ReconcileBreaches = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vault_reconcile_breaches_total",
		Help: "Conservation checks that found a discrepancy.",
	})

	AuditRecordErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "vault_audit_record_errors_total",
		Help: "Audit events that could not be persisted.",
	})
)

func init() {
	prometheus.MustRegister(
		PoolTotalAssets, PoolTotalShares, SharePrice,
		Operations, Failures, FlowUnits, ProtocolBurned,
		AllocationOpen, ReconcileRuns, ReconcileBreaches, AuditRecordErrors,
	)
}

// Float converts base units for exposition. Precision loss above 2^53 is
// acceptable for dashboards; audit records keep exact values.
func Float(x *big.Int) float64 {
	if x == nil {
		return 0
	}
	f, _ := new(big.Float).SetInt(x).Float64()
	return f
}

// AddFlow adds amount to the named flow counter.
func AddFlow(flow string, amount *big.Int) {
	if amount == nil || amount.Sign() <= 0 {
		return
	}
	FlowUnits.WithLabelValues(flow).Add(Float(amount))
}
