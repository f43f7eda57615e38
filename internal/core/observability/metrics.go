package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the process-wide set of Prometheus collectors for the
// core's admission-control, audit, and cluster subsystems.
type Metrics struct {
	// RateLimitDecisions counts admission decisions by tier and outcome
	// (allowed|rejected).
	RateLimitDecisions *prometheus.CounterVec

	// RateLimitBucketFill tracks the current fill ratio (0..1) of the
	// normal bucket for each active client id.
	RateLimitBucketFill *prometheus.GaugeVec

	// AuditEventsTotal counts audit events written, by action and severity.
	AuditEventsTotal *prometheus.CounterVec

	// ClusterNodes is a gauge of the node count by status.
	ClusterNodes *prometheus.GaugeVec

	// ClusterPartitionRebalances counts partition recomputations.
	ClusterPartitionRebalances prometheus.Counter

	// ToolExecutions counts direct tool-call executions by tool name
	// and outcome (ok|not_found|error).
	ToolExecutions *prometheus.CounterVec
}

// NewMetrics registers and returns the core metrics set against reg. A
// fresh prometheus.Registry per call (rather than the global default
// registry) keeps repeated NewMetrics calls in tests from panicking on
// duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RateLimitDecisions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "core_rate_limit_decisions_total",
			Help: "Rate limiter admission decisions by tier and outcome.",
		}, []string{"tier", "outcome"}),
		RateLimitBucketFill: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "core_rate_limit_bucket_fill_ratio",
			Help: "Current normal-bucket fill ratio per client id.",
		}, []string{"client_id"}),
		AuditEventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "core_audit_events_total",
			Help: "Audit events written, by action and severity.",
		}, []string{"action", "severity"}),
		ClusterNodes: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "core_cluster_nodes",
			Help: "Cluster node count by status.",
		}, []string{"status"}),
		ClusterPartitionRebalances: factory.NewCounter(prometheus.CounterOpts{
			Name: "core_cluster_partition_rebalances_total",
			Help: "Number of times the layer partition was recomputed.",
		}),
		ToolExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "core_agent_tool_executions_total",
			Help: "Tool executions by tool name and outcome.",
		}, []string{"tool", "outcome"}),
	}
}
