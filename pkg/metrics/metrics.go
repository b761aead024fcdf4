package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for monitoring
var (
	Transfers = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayer_transfers_total",
		Help: "Transfers that reached a terminal state",
	}, []string{"chain_id", "state"})

	TransferDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relayer_transfer_seconds",
		Help:    "Time from composing a transfer to its terminal state",
		Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s .. 512s
	}, []string{"chain_id"})

	SubmissionAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayer_submission_attempts_total",
		Help: "Submission attempts by outcome",
	}, []string{"chain_id", "outcome"})

	ConfirmationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relayer_confirmation_seconds",
		Help:    "Time from broadcast to receipt",
		Buckets: prometheus.ExponentialBuckets(1, 1.5, 12),
	}, []string{"chain_id"})

	GasUsed = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "relayer_gas_used",
		Help:    "Gas used by confirmed transfers",
		Buckets: prometheus.ExponentialBuckets(21000, 2, 10), // Start at 21000 with 10 buckets doubling in size
	}, []string{"chain_id"})

	FeeBid = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relayer_fee_bid_gwei",
		Help: "Latest max fee (or legacy gas price) bid in gwei",
	}, []string{"chain_id", "kind"})

	FeeFallbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayer_fee_fallbacks_total",
		Help: "Fee estimates that fell back to the configured conservative bid",
	}, []string{"chain_id"})

	Correlations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayer_correlations_total",
		Help: "Relay correlation lookups by result",
	}, []string{"chain_id", "found"})

	RPCErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayer_rpc_errors_total",
		Help: "Failed RPC calls by endpoint and method",
	}, []string{"endpoint", "op"})

	Approvals = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayer_approvals_total",
		Help: "Token approval outcomes",
	}, []string{"chain_id", "status"})

	NativeBalance = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "relayer_native_balance_eth",
		Help: "Native balance of the sending account in whole units",
	}, []string{"chain_id"})

	RetryReasons = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "relayer_retry_reasons_total",
		Help: "Failed submission attempts grouped by reason",
	}, []string{"chain_id", "reason"})

	ActiveOrchestrators = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relayer_active_orchestrators",
		Help: "Orchestrators currently running",
	})
)
