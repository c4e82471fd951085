package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// OrdersExecuted counts orders by side (buy/sell) and outcome status.
var OrdersExecuted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "brokerage_orders_executed_total",
		Help: "Total number of orders processed by the execution engine",
	},
	[]string{"side", "status"},
)

// OrderLatency records latency distribution for order execution
var OrderLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "brokerage_order_execution_latency_seconds",
		Help:    "Latency in seconds to execute individual orders",
		Buckets: prometheus.DefBuckets,
	},
)

// WithdrawalsInitiated counts withdrawal requests by verification tier
var WithdrawalsInitiated = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "brokerage_withdrawals_initiated_total",
		Help: "Total number of withdrawal requests by verification tier",
	},
	[]string{"tier"},
)

// WithdrawalsSettled counts withdrawal outcomes (completed/failed)
var WithdrawalsSettled = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "brokerage_withdrawals_settled_total",
		Help: "Total number of withdrawal requests reaching a terminal state",
	},
	[]string{"state"},
)

// DepositsReconciled counts deposit callbacks by result (credited/duplicate/rejected)
var DepositsReconciled = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "brokerage_deposits_reconciled_total",
		Help: "Total number of deposit reconciliation callbacks by result",
	},
	[]string{"result"},
)

// LedgerApplyLatency records latency of atomic ledger applications
var LedgerApplyLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "brokerage_ledger_apply_latency_seconds",
		Help:    "Latency in seconds of atomic ledger mutations",
		Buckets: prometheus.DefBuckets,
	},
)

func init() {
	prometheus.MustRegister(OrdersExecuted, OrderLatency)
	prometheus.MustRegister(WithdrawalsInitiated, WithdrawalsSettled)
	prometheus.MustRegister(DepositsReconciled, LedgerApplyLatency)
}
