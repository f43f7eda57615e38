package observability

// The methods below satisfy the narrow metric-sink interfaces the
// audit, ratelimit, and cluster packages accept, so those packages
// depend on small local interfaces instead of prometheus types.

// IncAuditEvent counts one written audit event.
func (m *Metrics) IncAuditEvent(action, severity string) {
	m.AuditEventsTotal.WithLabelValues(action, severity).Inc()
}

// IncRateLimitDecision counts one admission decision.
func (m *Metrics) IncRateLimitDecision(tier, outcome string) {
	m.RateLimitDecisions.WithLabelValues(tier, outcome).Inc()
}

// SetClusterNodes publishes the node count for one status.
func (m *Metrics) SetClusterNodes(status string, count float64) {
	m.ClusterNodes.WithLabelValues(status).Set(count)
}

// IncPartitionRebalance counts one partition recomputation.
func (m *Metrics) IncPartitionRebalance() {
	m.ClusterPartitionRebalances.Inc()
}

// IncToolExecution counts one direct tool execution.
func (m *Metrics) IncToolExecution(tool, outcome string) {
	m.ToolExecutions.WithLabelValues(tool, outcome).Inc()
}

// SetBucketFill publishes a client's normal-bucket fill ratio.
func (m *Metrics) SetBucketFill(clientID string, ratio float64) {
	m.RateLimitBucketFill.WithLabelValues(clientID).Set(ratio)
}
