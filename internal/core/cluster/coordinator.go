package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/r-core/internal/core/apierrors"
)

// LocalEngine is the inference runtime the coordinator drives on the
// local node. Loading the full model is acceptable when the engine
// cannot load individual layers; the partition map is still computed
// and published so peers and status endpoints see the assignment.
type LocalEngine interface {
	Load(ctx context.Context, model string, quant Quantization, layers []int) error
	Unload()
	IsLoaded() bool
	Generate(ctx context.Context, prompt string, maxTokens int, temperature, topP float64) (string, int, error)
	GenerateStream(ctx context.Context, prompt string, maxTokens int, temperature, topP float64) (<-chan string, error)
}

// LoadResult reports the outcome of a distributed model load.
type LoadResult struct {
	Success     bool                  `json:"success"`
	Error       string                `json:"error,omitempty"`
	Model       string                `json:"model,omitempty"`
	TotalLayers int                   `json:"total_layers,omitempty"`
	Assignments map[string]LayerRange `json:"assignments,omitempty"`
}

// GenerateResult is one completed generation.
type GenerateResult struct {
	RequestID    string   `json:"request_id"`
	Text         string   `json:"text"`
	Tokens       int      `json:"tokens"`
	WallTimeSecs float64  `json:"wall_time_secs"`
	TokensPerSec float64  `json:"tokens_per_sec"`
	NodeIDs      []string `json:"node_ids"`
}

// Coordinator owns the local engine and the cluster handle, and runs
// admission, partitioning, and generation for distributed inference.
type Coordinator struct {
	mu      sync.Mutex
	cluster *Cluster
	engine  LocalEngine
	part    Partitioner
	logger  *slog.Logger

	loadedModel string
	loadedQuant Quantization
}

// NewCoordinator wires a Coordinator over cluster and engine. part
// defaults to RingPartitioner when nil.
func NewCoordinator(cluster *Cluster, engine LocalEngine, part Partitioner, logger *slog.Logger) *Coordinator {
	if part == nil {
		part = RingPartitioner{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		cluster: cluster,
		engine:  engine,
		part:    part,
		logger:  logger.With("component", "coordinator"),
	}
}

// Cluster exposes the underlying cluster handle for status endpoints.
func (co *Coordinator) Cluster() *Cluster { return co.cluster }

// CanRun checks whether the cluster's pooled memory can hold model at
// the given quantization.
func (co *Coordinator) CanRun(model string, quant Quantization) (bool, string) {
	nodes := co.cluster.AvailableNodes()
	mems := make([]float64, 0, len(nodes))
	for _, n := range nodes {
		mems = append(mems, n.Capabilities.AvailableMemoryGB)
	}
	return CanClusterRun(mems, model, quant)
}

// LoadModel verifies admission, computes the layer partition, installs
// it on the cluster, and instructs the local engine to load its share.
// A failed load is reported in the result body, not as an error: the
// cluster itself is still healthy.
func (co *Coordinator) LoadModel(ctx context.Context, model string, quant Quantization) LoadResult {
	co.mu.Lock()
	defer co.mu.Unlock()

	ok, reason := co.CanRun(model, quant)
	if !ok {
		return LoadResult{Success: false, Error: reason}
	}

	req := EstimateRequirements(model)
	nodes := co.cluster.AvailableNodes()
	inputs := make([]PartitionInput, 0, len(nodes))
	for _, n := range nodes {
		inputs = append(inputs, PartitionInput{NodeID: n.NodeID, Weight: n.Capabilities.AvailableMemoryGB})
	}

	assignments, err := co.part.Partition(inputs, req.Layers)
	if err != nil {
		return LoadResult{Success: false, Error: err.Error()}
	}

	co.cluster.ApplyAssignments(model, req.Layers, assignments)

	localID := co.cluster.LocalNodeID()
	localLayers := assignments[localID].Layers()
	if err := co.engine.Load(ctx, model, quant, localLayers); err != nil {
		co.cluster.ClearAssignments()
		return LoadResult{Success: false, Error: fmt.Sprintf("local engine load failed: %v", err)}
	}

	co.loadedModel = model
	co.loadedQuant = quant
	co.logger.Info("distributed model loaded", "model", model, "quant", string(quant), "layers", req.Layers)

	return LoadResult{
		Success:     true,
		Model:       model,
		TotalLayers: req.Layers,
		Assignments: assignments,
	}
}

// UnloadModel releases the local engine's weights and clears the
// cluster assignment. After unload, IsLoaded reads false.
func (co *Coordinator) UnloadModel() {
	co.mu.Lock()
	defer co.mu.Unlock()
	co.engine.Unload()
	co.cluster.ClearAssignments()
	co.loadedModel = ""
	co.logger.Info("model unloaded")
}

// IsLoaded reports whether the local engine holds a model.
func (co *Coordinator) IsLoaded() bool {
	return co.engine.IsLoaded()
}

// participantIDs lists the nodes holding layers for the current model.
func (co *Coordinator) participantIDs() []string {
	var out []string
	for _, n := range co.cluster.Nodes() {
		if len(n.AssignedLayers) > 0 {
			out = append(out, n.NodeID)
		}
	}
	return out
}

// Generate runs one synchronous generation on the loaded model. When
// nothing is loaded and model is non-empty, the model is loaded lazily
// first; with no model name the call fails with model_not_loaded.
func (co *Coordinator) Generate(ctx context.Context, model, prompt string, maxTokens int, temperature, topP float64) (GenerateResult, error) {
	if !co.engine.IsLoaded() {
		if model == "" {
			return GenerateResult{}, apierrors.New(apierrors.KindModelNotLoaded, "no model loaded")
		}
		if res := co.LoadModel(ctx, model, Quant4Bit); !res.Success {
			return GenerateResult{}, apierrors.New(apierrors.KindClusterInsufficient, res.Error)
		}
	}

	start := time.Now()
	text, tokens, err := co.engine.Generate(ctx, prompt, maxTokens, temperature, topP)
	if err != nil {
		return GenerateResult{}, apierrors.Wrap(apierrors.KindInternal, "generation failed", err)
	}
	wall := time.Since(start).Seconds()

	tps := 0.0
	if wall > 0 {
		tps = float64(tokens) / wall
	}
	co.cluster.RecordInference(co.cluster.LocalNodeID(), tps)

	return GenerateResult{
		RequestID:    uuid.NewString(),
		Text:         text,
		Tokens:       tokens,
		WallTimeSecs: wall,
		TokensPerSec: tps,
		NodeIDs:      co.participantIDs(),
	}, nil
}

// GenerateStream yields token strings until the engine signals end of
// generation. The channel closes when generation completes or ctx is
// cancelled.
func (co *Coordinator) GenerateStream(ctx context.Context, prompt string, maxTokens int, temperature, topP float64) (<-chan string, error) {
	if !co.engine.IsLoaded() {
		return nil, apierrors.New(apierrors.KindModelNotLoaded, "no model loaded")
	}
	return co.engine.GenerateStream(ctx, prompt, maxTokens, temperature, topP)
}
