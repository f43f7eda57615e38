// Package cluster implements node capability detection,
// memory/performance-weighted layer partitioning, and the distributed
// inference coordinator over a cluster of accelerator nodes.
package cluster

import (
	"fmt"
	"strings"
)

// LayerRange is a contiguous, half-open range of model layer indices
// assigned to one node.
type LayerRange struct {
	Start int `json:"start"`
	End   int `json:"end"` // exclusive
}

// Layers expands a LayerRange into its constituent indices.
func (r LayerRange) Layers() []int {
	out := make([]int, 0, r.End-r.Start)
	for i := r.Start; i < r.End; i++ {
		out = append(out, i)
	}
	return out
}

// PartitionInput is the minimal per-node data a partitioner needs.
type PartitionInput struct {
	NodeID string
	Weight float64 // memory_gb for RingPartitioner, estimated_tflops for PerformancePartitioner
}

// Partitioner assigns contiguous layer ranges to nodes.
type Partitioner interface {
	Partition(nodes []PartitionInput, totalLayers int) (map[string]LayerRange, error)
}

// equalPartition distributes totalLayers evenly: floor share per
// node, with the remainder assigned to the first `remainder` nodes in
// input order.
func equalPartition(nodes []PartitionInput, totalLayers int) map[string]LayerRange {
	n := len(nodes)
	perNode := totalLayers / n
	remainder := totalLayers % n
	assignments := make(map[string]LayerRange, n)
	cursor := 0
	for i, node := range nodes {
		count := perNode
		if i < remainder {
			count++
		}
		assignments[node.NodeID] = LayerRange{Start: cursor, End: cursor + count}
		cursor += count
	}
	return assignments
}

// RingPartitioner assigns layer ranges weighted by each node's
// available memory, sorted descending, with the last node absorbing
// any remainder from floor-rounding.
type RingPartitioner struct{}

// Partition assigns contiguous ranges proportional to each node's
// memory weight.
func (RingPartitioner) Partition(nodes []PartitionInput, totalLayers int) (map[string]LayerRange, error) {
	return weightedPartition(nodes, totalLayers)
}

// PerformancePartitioner is structurally identical to RingPartitioner
// but weighted by estimated TFLOPS instead of memory.
type PerformancePartitioner struct{}

// Partition assigns contiguous ranges proportional to each node's
// TFLOPS weight.
func (PerformancePartitioner) Partition(nodes []PartitionInput, totalLayers int) (map[string]LayerRange, error) {
	return weightedPartition(nodes, totalLayers)
}

var errNoNodes = &partitionError{"partitioner requires at least one node"}

type partitionError struct{ msg string }

func (e *partitionError) Error() string { return e.msg }

func weightedPartition(nodes []PartitionInput, totalLayers int) (map[string]LayerRange, error) {
	if len(nodes) == 0 {
		return nil, errNoNodes
	}
	if len(nodes) == 1 {
		return map[string]LayerRange{nodes[0].NodeID: {Start: 0, End: totalLayers}}, nil
	}

	totalWeight := 0.0
	for _, n := range nodes {
		totalWeight += n.Weight
	}
	if totalWeight == 0 {
		return equalPartition(nodes, totalLayers), nil
	}

	sorted := make([]PartitionInput, len(nodes))
	copy(sorted, nodes)
	// Descending stable sort by weight, ties broken by input order.
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j].Weight > sorted[j-1].Weight; j-- {
			sorted[j], sorted[j-1] = sorted[j-1], sorted[j]
		}
	}

	assignments := make(map[string]LayerRange, len(sorted))
	cursor := 0
	for i, node := range sorted {
		var count int
		if i == len(sorted)-1 {
			// The last node always takes whatever remains.
			count = totalLayers - cursor
		} else {
			count = int(float64(totalLayers) * node.Weight / totalWeight)
			if count < 1 {
				count = 1
			}
			// Clamp so every node still to come can receive at least
			// one layer; when totalLayers < len(nodes) that reserve is
			// impossible, so fall back to clamping at the end.
			maxCount := totalLayers - cursor - (len(sorted) - 1 - i)
			if maxCount < 1 {
				maxCount = totalLayers - cursor
			}
			if count > maxCount {
				count = maxCount
			}
		}
		if count <= 0 {
			continue
		}
		assignments[node.NodeID] = LayerRange{Start: cursor, End: cursor + count}
		cursor += count
	}

	return assignments, nil
}

// ModelRequirements describes the estimated resource footprint of a
// model.
type ModelRequirements struct {
	Layers           int
	MemoryFP16GB     float64
	Memory4BitGB     float64
	MemoryPerLayerGB float64
}

var modelRequirementTable = []struct {
	substrings []string
	req        ModelRequirements
}{
	{[]string{"70b", "72b"}, ModelRequirements{Layers: 80, MemoryFP16GB: 140, Memory4BitGB: 35, MemoryPerLayerGB: 0.44}},
	{[]string{"34b", "33b"}, ModelRequirements{Layers: 60, MemoryFP16GB: 68, Memory4BitGB: 17, MemoryPerLayerGB: 0.28}},
	{[]string{"13b", "14b"}, ModelRequirements{Layers: 40, MemoryFP16GB: 26, Memory4BitGB: 7, MemoryPerLayerGB: 0.18}},
	{[]string{"8b"}, ModelRequirements{Layers: 32, MemoryFP16GB: 16, Memory4BitGB: 4, MemoryPerLayerGB: 0.13}},
	{[]string{"7b"}, ModelRequirements{Layers: 32, MemoryFP16GB: 14, Memory4BitGB: 4, MemoryPerLayerGB: 0.13}},
	{[]string{"3b"}, ModelRequirements{Layers: 26, MemoryFP16GB: 6, Memory4BitGB: 2, MemoryPerLayerGB: 0.08}},
	{[]string{"1b", "1.5b"}, ModelRequirements{Layers: 22, MemoryFP16GB: 3, Memory4BitGB: 1, MemoryPerLayerGB: 0.05}},
}

// defaultModelRequirements is the 7B fallback for unrecognized model
// names.
var defaultModelRequirements = ModelRequirements{Layers: 32, MemoryFP16GB: 14, Memory4BitGB: 4, MemoryPerLayerGB: 0.13}

// EstimateRequirements returns the resource estimate for modelName by
// substring match, falling back to 7B defaults for unknown names.
func EstimateRequirements(modelName string) ModelRequirements {
	lower := strings.ToLower(modelName)
	for _, entry := range modelRequirementTable {
		for _, sub := range entry.substrings {
			if strings.Contains(lower, sub) {
				return entry.req
			}
		}
	}
	return defaultModelRequirements
}

// Quantization selects which memory estimate to use.
type Quantization string

const (
	QuantFP16 Quantization = "fp16"
	Quant4Bit Quantization = "4bit"
)

// memoryFor returns the estimated memory footprint for a quantization.
func (r ModelRequirements) memoryFor(q Quantization) float64 {
	if q == QuantFP16 {
		return r.MemoryFP16GB
	}
	return r.Memory4BitGB
}

// overheadFactor is the 20% safety margin applied to the estimated
// footprint before comparing against available cluster memory.
const overheadFactor = 1.2

// RequiredMemoryGB returns the estimated footprint of modelName at the
// given quantization, including the safety margin.
func RequiredMemoryGB(modelName string, q Quantization) float64 {
	return EstimateRequirements(modelName).memoryFor(q) * overheadFactor
}

// CanClusterRun reports whether the cluster's total available memory
// can accommodate modelName at the given quantization, with a 20%
// overhead margin.
func CanClusterRun(availableMemoryGB []float64, modelName string, quant Quantization) (bool, string) {
	req := EstimateRequirements(modelName)
	required := req.memoryFor(quant) * overheadFactor

	total := 0.0
	for _, m := range availableMemoryGB {
		total += m
	}

	if total >= required {
		return true, "sufficient cluster memory"
	}
	shortfall := required - total
	return false, formatShortfall(required, total, shortfall)
}

func formatShortfall(required, total, shortfall float64) string {
	return fmt.Sprintf("insufficient cluster memory: need %.1f GB, have %.1f GB (short %.1f GB)",
		required, total, shortfall)
}
