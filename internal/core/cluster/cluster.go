package cluster

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Cluster is the shared registry of inference nodes. Mutation is
// serialized behind one mutex; reads return copied snapshots so callers
// never observe a half-applied assignment.
type Cluster struct {
	mu          sync.RWMutex
	nodes       map[string]*ClusterNode
	localNodeID string

	currentModel string
	totalLayers  int

	logger  *slog.Logger
	metrics ClusterMetrics
}

// ClusterMetrics is the optional gauge sink a Cluster reports into.
type ClusterMetrics interface {
	SetClusterNodes(status string, count float64)
	IncPartitionRebalance()
}

// NewCluster creates a cluster whose sole member is the local node,
// built from the detected capabilities. logger and metrics may be nil.
func NewCluster(name string, host string, port int, caps NodeCapabilities, logger *slog.Logger, metrics ClusterMetrics) *Cluster {
	if logger == nil {
		logger = slog.Default()
	}
	if port <= 0 {
		port = DefaultPort
	}
	local := &ClusterNode{
		NodeID:       uuid.NewString(),
		Name:         name,
		Host:         host,
		Port:         port,
		Status:       StatusOnline,
		LastSeen:     time.Now().UTC(),
		Capabilities: caps,
	}
	c := &Cluster{
		nodes:       map[string]*ClusterNode{local.NodeID: local},
		localNodeID: local.NodeID,
		logger:      logger.With("component", "cluster"),
		metrics:     metrics,
	}
	c.publishNodeGauges()
	return c
}

// LocalNodeID returns the id of the designated local node.
func (c *Cluster) LocalNodeID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.localNodeID
}

// AddNode inserts or replaces a node by id. A node arriving without an
// id is assigned one.
func (c *Cluster) AddNode(n ClusterNode) string {
	if n.NodeID == "" {
		n.NodeID = uuid.NewString()
	}
	if n.Port <= 0 {
		n.Port = DefaultPort
	}
	if n.Status == "" {
		n.Status = StatusOnline
	}
	n.LastSeen = time.Now().UTC()

	c.mu.Lock()
	c.nodes[n.NodeID] = &n
	c.mu.Unlock()

	c.logger.Info("node added", "node_id", n.NodeID, "name", n.Name, "host", n.Host)
	c.publishNodeGauges()
	return n.NodeID
}

// RemoveNode deletes a node by id. The local node cannot be removed;
// unknown ids return false.
func (c *Cluster) RemoveNode(nodeID string) bool {
	c.mu.Lock()
	if nodeID == c.localNodeID {
		c.mu.Unlock()
		return false
	}
	if _, ok := c.nodes[nodeID]; !ok {
		c.mu.Unlock()
		return false
	}
	delete(c.nodes, nodeID)
	c.mu.Unlock()

	c.logger.Info("node removed", "node_id", nodeID)
	c.publishNodeGauges()
	return true
}

// Node returns a copy of the node with the given id.
func (c *Cluster) Node(nodeID string) (ClusterNode, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	n, ok := c.nodes[nodeID]
	if !ok {
		return ClusterNode{}, false
	}
	return *n, true
}

// Nodes returns a copied snapshot of every node, sorted by id for
// stable listing output.
func (c *Cluster) Nodes() []ClusterNode {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]ClusterNode, 0, len(c.nodes))
	for _, n := range c.nodes {
		out = append(out, *n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })
	return out
}

// AvailableNodes returns copies of the nodes currently able to accept
// work (status online or ready).
func (c *Cluster) AvailableNodes() []ClusterNode {
	all := c.Nodes()
	out := all[:0]
	for _, n := range all {
		if n.IsAvailable() {
			out = append(out, n)
		}
	}
	return out
}

// SetNodeStatus updates one node's status and last-seen stamp.
func (c *Cluster) SetNodeStatus(nodeID string, status Status) bool {
	c.mu.Lock()
	n, ok := c.nodes[nodeID]
	if ok {
		n.Status = status
		n.LastSeen = time.Now().UTC()
	}
	c.mu.Unlock()
	if ok {
		c.publishNodeGauges()
	}
	return ok
}

// ApplyAssignments installs a full partition as one transaction: every
// node's assigned layers, the model name, and the layer count change
// together, so readers see either the old assignment or the new one.
func (c *Cluster) ApplyAssignments(model string, totalLayers int, assignments map[string]LayerRange) {
	c.mu.Lock()
	for _, n := range c.nodes {
		n.AssignedLayers = nil
		n.CurrentModel = ""
	}
	for nodeID, r := range assignments {
		if n, ok := c.nodes[nodeID]; ok {
			n.AssignedLayers = r.Layers()
			n.CurrentModel = model
		}
	}
	c.currentModel = model
	c.totalLayers = totalLayers
	c.mu.Unlock()

	if c.metrics != nil {
		c.metrics.IncPartitionRebalance()
	}
	c.logger.Info("layer assignments applied", "model", model, "total_layers", totalLayers, "nodes", len(assignments))
}

// ClearAssignments drops all assigned layers and the current model.
func (c *Cluster) ClearAssignments() {
	c.mu.Lock()
	for _, n := range c.nodes {
		n.AssignedLayers = nil
		n.CurrentModel = ""
	}
	c.currentModel = ""
	c.totalLayers = 0
	c.mu.Unlock()
}

// CurrentModel returns the loaded model name and its layer count, or
// ("", 0) when nothing is loaded.
func (c *Cluster) CurrentModel() (string, int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.currentModel, c.totalLayers
}

// TotalAvailableMemoryGB sums available memory over available nodes.
func (c *Cluster) TotalAvailableMemoryGB() float64 {
	total := 0.0
	for _, n := range c.AvailableNodes() {
		total += n.Capabilities.AvailableMemoryGB
	}
	return total
}

// RecordInference updates a node's lifetime counters with one
// generation's observed throughput, as a running average.
func (c *Cluster) RecordInference(nodeID string, tokensPerSec float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[nodeID]
	if !ok {
		return
	}
	n.InferenceCount++
	if n.AvgTokensPerSec == 0 {
		n.AvgTokensPerSec = tokensPerSec
	} else {
		n.AvgTokensPerSec = (n.AvgTokensPerSec*float64(n.InferenceCount-1) + tokensPerSec) / float64(n.InferenceCount)
	}
}

func (c *Cluster) publishNodeGauges() {
	if c.metrics == nil {
		return
	}
	counts := map[Status]int{}
	for _, n := range c.Nodes() {
		counts[n.Status]++
	}
	for _, s := range []Status{StatusOffline, StatusOnline, StatusBusy, StatusReady, StatusError} {
		c.metrics.SetClusterNodes(string(s), float64(counts[s]))
	}
}
