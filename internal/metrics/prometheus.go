// Package metrics exports fork harness activity as Prometheus metrics.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gateway-fm/forkharness/internal/harness"
	"github.com/gateway-fm/forkharness/pkg/types"
)

// PrometheusMetrics holds all Prometheus metrics for the fork harness.
type PrometheusMetrics struct {
	// RPC
	RPCRequests *prometheus.CounterVec
	RPCLatency  *prometheus.HistogramVec

	// Chain state control
	Snapshots      *prometheus.CounterVec
	SnapshotDepth  prometheus.Gauge
	Impersonations prometheus.Counter

	// Scenario
	Steps  *prometheus.CounterVec
	Status *prometheus.GaugeVec
}

// NewPrometheusMetrics creates and registers all Prometheus metrics.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &PrometheusMetrics{
		RPCRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forkharness_rpc_requests_total",
				Help: "RPC requests by method and status",
			},
			[]string{"method", "status"},
		),

		RPCLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "forkharness_rpc_latency_seconds",
				Help:    "RPC call latency by method",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"method"},
		),

		Snapshots: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forkharness_snapshots_total",
				Help: "Snapshot operations by op (take, restore) and result",
			},
			[]string{"op", "result"},
		),

		SnapshotDepth: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "forkharness_snapshot_depth",
				Help: "Number of outstanding snapshots on the stack",
			},
		),

		Impersonations: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "forkharness_impersonations_total",
				Help: "Accounts impersonated",
			},
		),

		Steps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "forkharness_steps_total",
				Help: "Scenario steps by status",
			},
			[]string{"status"},
		),

		Status: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "forkharness_run_status",
				Help: "Current run status (1 if active, 0 otherwise)",
			},
			[]string{"status"},
		),
	}
}

// knownRPCMethods is a fixed set of known RPC methods to prevent cardinality explosion
var knownRPCMethods = map[string]bool{
	"eth_chainId":                      true,
	"eth_blockNumber":                  true,
	"eth_call":                         true,
	"eth_estimateGas":                  true,
	"eth_gasPrice":                     true,
	"eth_getBalance":                   true,
	"eth_getCode":                      true,
	"eth_getTransactionCount":          true,
	"eth_getTransactionReceipt":        true,
	"eth_sendTransaction":              true,
	"eth_sendRawTransaction":           true,
	"evm_snapshot":                     true,
	"evm_revert":                       true,
	"evm_mine":                         true,
	"hardhat_impersonateAccount":       true,
	"hardhat_stopImpersonatingAccount": true,
	"hardhat_setBalance":               true,
	"anvil_impersonateAccount":         true,
	"anvil_stopImpersonatingAccount":   true,
	"anvil_setBalance":                 true,
}

// ObserveRPC records one RPC call. It satisfies rpc.Observer.
func (m *PrometheusMetrics) ObserveRPC(method string, elapsed time.Duration, err error) {
	// Bucket unknown methods into 'other' to prevent cardinality explosion
	bucketedMethod := method
	if !knownRPCMethods[method] {
		bucketedMethod = "other"
	}

	status := "success"
	if err != nil {
		status = "error"
	}
	m.RPCRequests.WithLabelValues(bucketedMethod, status).Inc()
	m.RPCLatency.WithLabelValues(bucketedMethod).Observe(elapsed.Seconds())
}

// RecordSnapshot records a take or restore. It satisfies harness.Metrics.
func (m *PrometheusMetrics) RecordSnapshot(op string, err error) {
	m.Snapshots.WithLabelValues(op, snapshotResult(err)).Inc()
}

func snapshotResult(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, harness.ErrSnapshotNotFound):
		return "not_found"
	case errors.Is(err, harness.ErrOutOfOrder):
		return "out_of_order"
	default:
		return "error"
	}
}

// SetSnapshotDepth updates the outstanding snapshot gauge.
func (m *PrometheusMetrics) SetSnapshotDepth(depth int) {
	m.SnapshotDepth.Set(float64(depth))
}

// RecordImpersonation counts an impersonated account.
func (m *PrometheusMetrics) RecordImpersonation() {
	m.Impersonations.Inc()
}

// RecordStep counts a finished scenario step.
func (m *PrometheusMetrics) RecordStep(status types.StepStatus) {
	m.Steps.WithLabelValues(string(status)).Inc()
}

// SetRunStatus updates the run status gauges.
func (m *PrometheusMetrics) SetRunStatus(status types.RunStatus) {
	for _, s := range []types.RunStatus{types.RunRunning, types.RunPassed, types.RunFailed, types.RunSkipped, types.RunAborted} {
		if s == status {
			m.Status.WithLabelValues(string(s)).Set(1)
		} else {
			m.Status.WithLabelValues(string(s)).Set(0)
		}
	}
}

// Reset resets all metrics.
// Histograms cannot be reset per series, so only counters and gauges are cleared.
func (m *PrometheusMetrics) Reset() {
	m.RPCRequests.Reset()
	m.Snapshots.Reset()
	m.SnapshotDepth.Set(0)
	m.Steps.Reset()
	m.Status.Reset()
}
