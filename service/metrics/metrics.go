package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus collectors for the engine.
// Following the explicit dependency injection pattern, this struct
// is passed to all components that need to record metrics. Every
// component treats a nil *Metrics as "metrics disabled".
type Metrics struct {
	// Solana RPC Metrics
	rpcCallsTotal    *prometheus.CounterVec
	rpcCallDuration  *prometheus.HistogramVec
	rpcRateLimitHits *prometheus.CounterVec
	rpcRetries       *prometheus.CounterVec

	// Transaction Lifecycle Metrics
	simulationsTotal     *prometheus.CounterVec
	executionsTotal      *prometheus.CounterVec
	executionDuration    *prometheus.HistogramVec
	confirmationAttempts *prometheus.HistogramVec
	computeUnitsConsumed *prometheus.HistogramVec

	// Oracle Metrics
	oracleReadsTotal *prometheus.CounterVec

	// NATS Metrics
	natsMessagesPublished *prometheus.CounterVec

	// Database Metrics
	dbOperationsTotal *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance and registers all collectors.
// If registry is nil, prometheus.DefaultRegisterer is used.
func NewMetrics(registry prometheus.Registerer) *Metrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}

	factory := promauto.With(registry)

	return &Metrics{
		rpcCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_calls_total",
				Help: "Total number of Solana RPC calls by operation and status",
			},
			[]string{"operation", "status"},
		),
		rpcCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "solana_rpc_call_duration_seconds",
				Help:    "Duration of Solana RPC calls in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"operation"},
		),
		rpcRateLimitHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_rate_limit_hits_total",
				Help: "Total number of rate limit (429) responses from the RPC endpoint",
			},
			[]string{"operation"},
		),
		rpcRetries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "solana_rpc_retries_total",
				Help: "Total number of RPC call retries by operation",
			},
			[]string{"operation"},
		),
		simulationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transaction_simulations_total",
				Help: "Total number of preflight simulations by outcome",
			},
			[]string{"outcome"},
		),
		executionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "transaction_executions_total",
				Help: "Total number of transaction executions by terminal status",
			},
			[]string{"status"},
		),
		executionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "transaction_execution_duration_seconds",
				Help:    "End-to-end duration of transaction executions",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
			},
			[]string{"status"},
		),
		confirmationAttempts: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "transaction_confirmation_attempts",
				Help:    "Number of status polls needed to confirm a transaction",
				Buckets: []float64{1, 2, 3, 5, 10, 20, 40, 60},
			},
			[]string{"status"},
		),
		computeUnitsConsumed: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "transaction_compute_units_consumed",
				Help:    "Compute units consumed as reported by simulation",
				Buckets: []float64{10_000, 50_000, 100_000, 200_000, 400_000, 800_000, 1_400_000},
			},
			[]string{"operation"},
		),
		oracleReadsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "oracle_price_reads_total",
				Help: "Total number of oracle price reads by source and status",
			},
			[]string{"source", "status"},
		),
		natsMessagesPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "nats_messages_published_total",
				Help: "Total number of lifecycle events published to NATS",
			},
			[]string{"subject", "status"},
		),
		dbOperationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "db_operations_total",
				Help: "Total number of history store operations by status",
			},
			[]string{"operation", "status"},
		),
	}
}

// RecordRPCCall records an RPC call with its duration in seconds.
func (m *Metrics) RecordRPCCall(operation, status string, duration float64) {
	if m == nil {
		return
	}
	m.rpcCallsTotal.WithLabelValues(operation, status).Inc()
	m.rpcCallDuration.WithLabelValues(operation).Observe(duration)
}

// RecordRateLimitHit records a 429 response from the RPC endpoint.
func (m *Metrics) RecordRateLimitHit(operation string) {
	if m == nil {
		return
	}
	m.rpcRateLimitHits.WithLabelValues(operation).Inc()
}

// RecordRPCRetry records an RPC retry attempt.
func (m *Metrics) RecordRPCRetry(operation string) {
	if m == nil {
		return
	}
	m.rpcRetries.WithLabelValues(operation).Inc()
}

// RecordSimulation records a simulation outcome ("success" or a failure kind).
func (m *Metrics) RecordSimulation(outcome string) {
	if m == nil {
		return
	}
	m.simulationsTotal.WithLabelValues(outcome).Inc()
}

// RecordExecution records a terminal execution status with its duration.
func (m *Metrics) RecordExecution(status string, duration float64) {
	if m == nil {
		return
	}
	m.executionsTotal.WithLabelValues(status).Inc()
	m.executionDuration.WithLabelValues(status).Observe(duration)
}

// RecordConfirmationAttempts records how many polls confirmation took.
func (m *Metrics) RecordConfirmationAttempts(status string, attempts int) {
	if m == nil {
		return
	}
	m.confirmationAttempts.WithLabelValues(status).Observe(float64(attempts))
}

// RecordComputeUnits records simulated compute unit consumption.
func (m *Metrics) RecordComputeUnits(operation string, units float64) {
	if m == nil {
		return
	}
	m.computeUnitsConsumed.WithLabelValues(operation).Observe(units)
}

// RecordOracleRead records an oracle price read by source and status.
func (m *Metrics) RecordOracleRead(source, status string) {
	if m == nil {
		return
	}
	m.oracleReadsTotal.WithLabelValues(source, status).Inc()
}

// RecordNATSPublish records a lifecycle event publish.
func (m *Metrics) RecordNATSPublish(subject, status string) {
	if m == nil {
		return
	}
	m.natsMessagesPublished.WithLabelValues(subject, status).Inc()
}

// RecordDBOperation records a history store operation.
func (m *Metrics) RecordDBOperation(operation, status string) {
	if m == nil {
		return
	}
	m.dbOperationsTotal.WithLabelValues(operation, status).Inc()
}
