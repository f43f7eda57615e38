package cluster

import (
	"fmt"
	"runtime"
	"strings"
	"time"
)

// DeviceType classifies the compute device a node runs on.
type DeviceType string

const (
	DeviceAppleSilicon DeviceType = "apple_silicon"
	DeviceNvidiaGPU    DeviceType = "nvidia_gpu"
	DeviceAMDGPU       DeviceType = "amd_gpu"
	DeviceCPUOnly      DeviceType = "cpu"
	DeviceUnknown      DeviceType = "unknown"
)

// Status is a cluster node's current availability.
type Status string

const (
	StatusOffline Status = "offline"
	StatusOnline  Status = "online"
	StatusBusy    Status = "busy"
	StatusReady   Status = "ready"
	StatusError   Status = "error"
)

// NodeCapabilities describes one node's hardware, detected once at
// startup.
type NodeCapabilities struct {
	DeviceType        DeviceType
	ChipName          string
	TotalMemoryGB     float64
	AvailableMemoryGB float64
	UnifiedMemory     bool
	CPUCores          int
	GPUCores          int
	MLXAvailable      bool
	EstimatedTFLOPS   float64
}

// appleChipSpec is one entry of the brand-string → (gpu_cores, tflops)
// table.
type appleChipSpec struct {
	match  string
	cores  int
	tflops float64
}

// appleChipTable is checked longest-match-first so "m2 pro" beats a bare
// "m2" substring match.
var appleChipTable = []appleChipSpec{
	{"m1 ultra", 64, 21.0},
	{"m1 max", 32, 10.4},
	{"m1 pro", 16, 5.2},
	{"m1", 8, 2.6},
	{"m2 ultra", 76, 27.2},
	{"m2 max", 38, 13.6},
	{"m2 pro", 19, 6.8},
	{"m2", 10, 3.6},
	{"m3 max", 40, 16.4},
	{"m3 pro", 18, 7.4},
	{"m3", 10, 4.1},
	{"m4 max", 40, 18.0},
	{"m4 pro", 20, 9.0},
	{"m4", 10, 4.5},
}

// availableMemoryFactor is the conservative fraction of total memory
// considered available for model weights.
const availableMemoryFactor = 0.7

// HardwareProbe supplies the platform facts DetectLocal cannot get from
// the Go runtime alone (chip brand string, physical RAM, MLX
// installation) so detection stays testable without shelling out in unit
// tests.
type HardwareProbe interface {
	ChipName() string
	TotalMemoryGB() float64
	CPUCores() int
	MLXAvailable() bool
}

// DetectLocal builds NodeCapabilities for the current process using
// runtime.GOOS/GOARCH for the device-type gate and probe for the
// platform-specific facts a Go process cannot read portably.
func DetectLocal(probe HardwareProbe) NodeCapabilities {
	caps := NodeCapabilities{CPUCores: probe.CPUCores(), MLXAvailable: probe.MLXAvailable()}

	if runtime.GOOS == "darwin" && runtime.GOARCH == "arm64" {
		caps.DeviceType = DeviceAppleSilicon
		caps.UnifiedMemory = true
		caps.ChipName = probe.ChipName()
		caps.TotalMemoryGB = probe.TotalMemoryGB()
		caps.AvailableMemoryGB = caps.TotalMemoryGB * availableMemoryFactor
		caps.applyAppleChipTable()
	} else {
		caps.DeviceType = DeviceCPUOnly
		caps.TotalMemoryGB = probe.TotalMemoryGB()
		caps.AvailableMemoryGB = caps.TotalMemoryGB * availableMemoryFactor
	}

	return caps
}

func (c *NodeCapabilities) applyAppleChipTable() {
	chip := strings.ToLower(c.ChipName)
	for _, spec := range appleChipTable {
		if strings.Contains(chip, spec.match) {
			c.GPUCores = spec.cores
			c.EstimatedTFLOPS = spec.tflops
			return
		}
	}
}

// CanRunDistributed reports whether this node may participate in
// distributed inference: MLX present and running on Apple Silicon.
func (c NodeCapabilities) CanRunDistributed() bool {
	return c.MLXAvailable && c.DeviceType == DeviceAppleSilicon
}

// ClusterNode is one member of a DistributedCluster.
type ClusterNode struct {
	NodeID   string
	Name     string
	Host     string
	Port     int

	Status   Status
	LastSeen time.Time

	Capabilities NodeCapabilities

	AssignedLayers []int
	CurrentModel   string

	InferenceCount  int64
	AvgTokensPerSec float64
}

// DefaultPort is the port new nodes default to absent an explicit
// value.
const DefaultPort = 8765

// URL returns the node's HTTP base address.
func (n ClusterNode) URL() string {
	return fmt.Sprintf("http://%s:%d", n.Host, n.Port)
}

// IsAvailable reports whether the node can currently accept work.
func (n ClusterNode) IsAvailable() bool {
	return n.Status == StatusOnline || n.Status == StatusReady
}

// MemoryGB is the node's weight for partitioning purposes.
func (n ClusterNode) MemoryGB() float64 {
	return n.Capabilities.AvailableMemoryGB
}

// Summary is the flattened view returned by cluster status endpoints.
type Summary struct {
	NodeID   string
	Name     string
	Host     string
	Status   Status
	Chip     string
	MemoryGB float64
	MLX      bool
	Layers   []int
}

// ToSummary projects a node into its status-endpoint view.
func (n ClusterNode) ToSummary() Summary {
	return Summary{
		NodeID:   n.NodeID,
		Name:     n.Name,
		Host:     n.Host,
		Status:   n.Status,
		Chip:     n.Capabilities.ChipName,
		MemoryGB: n.Capabilities.AvailableMemoryGB,
		MLX:      n.Capabilities.MLXAvailable,
		Layers:   n.AssignedLayers,
	}
}
