package cluster

import (
	"context"
	"errors"
	"testing"
)

func testCaps(memGB float64) NodeCapabilities {
	return NodeCapabilities{
		DeviceType:        DeviceAppleSilicon,
		ChipName:          "Apple M2 Pro",
		TotalMemoryGB:     memGB / availableMemoryFactor,
		AvailableMemoryGB: memGB,
		UnifiedMemory:     true,
		CPUCores:          10,
		MLXAvailable:      true,
	}
}

func newTestCluster() *Cluster {
	return NewCluster("local", "127.0.0.1", 0, testCaps(16), nil, nil)
}

func TestLocalNodeCannotBeRemoved(t *testing.T) {
	c := newTestCluster()
	if c.RemoveNode(c.LocalNodeID()) {
		t.Fatal("local node must not be removable")
	}
	if len(c.Nodes()) != 1 {
		t.Fatal("local node disappeared")
	}
}

func TestRemoveUnknownNode(t *testing.T) {
	c := newTestCluster()
	if c.RemoveNode("no-such-node") {
		t.Fatal("removing an unknown node must return false")
	}
}

func TestAddReplaceAndRemoveNode(t *testing.T) {
	c := newTestCluster()

	id := c.AddNode(ClusterNode{Name: "peer-1", Host: "10.0.0.2", Capabilities: testCaps(8)})
	if id == "" {
		t.Fatal("AddNode must assign an id")
	}
	if len(c.Nodes()) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(c.Nodes()))
	}

	// Re-adding under the same id replaces.
	c.AddNode(ClusterNode{NodeID: id, Name: "peer-1-renamed", Host: "10.0.0.2", Capabilities: testCaps(12)})
	n, ok := c.Node(id)
	if !ok || n.Name != "peer-1-renamed" {
		t.Fatalf("replace by id failed: %+v", n)
	}
	if len(c.Nodes()) != 2 {
		t.Fatal("replace must not grow the cluster")
	}

	if !c.RemoveNode(id) {
		t.Fatal("removing a known peer must succeed")
	}
	if len(c.Nodes()) != 1 {
		t.Fatal("peer not removed")
	}
}

func TestApplyAndClearAssignments(t *testing.T) {
	c := newTestCluster()
	peer := c.AddNode(ClusterNode{Name: "peer", Host: "10.0.0.2", Capabilities: testCaps(16)})

	assignments := map[string]LayerRange{
		c.LocalNodeID(): {Start: 0, End: 16},
		peer:            {Start: 16, End: 32},
	}
	c.ApplyAssignments("mistral-7b", 32, assignments)

	model, layers := c.CurrentModel()
	if model != "mistral-7b" || layers != 32 {
		t.Fatalf("got (%s, %d)", model, layers)
	}
	local, _ := c.Node(c.LocalNodeID())
	if len(local.AssignedLayers) != 16 || local.AssignedLayers[0] != 0 {
		t.Fatalf("local assignment wrong: %v", local.AssignedLayers)
	}
	p, _ := c.Node(peer)
	if len(p.AssignedLayers) != 16 || p.AssignedLayers[0] != 16 {
		t.Fatalf("peer assignment wrong: %v", p.AssignedLayers)
	}

	c.ClearAssignments()
	model, layers = c.CurrentModel()
	if model != "" || layers != 0 {
		t.Fatal("clear must drop current model")
	}
	local, _ = c.Node(c.LocalNodeID())
	if len(local.AssignedLayers) != 0 {
		t.Fatal("clear must drop assigned layers")
	}
}

func TestAvailableNodesFiltersByStatus(t *testing.T) {
	c := newTestCluster()
	peer := c.AddNode(ClusterNode{Name: "peer", Host: "10.0.0.2", Capabilities: testCaps(8)})
	c.SetNodeStatus(peer, StatusError)

	avail := c.AvailableNodes()
	if len(avail) != 1 || avail[0].NodeID != c.LocalNodeID() {
		t.Fatalf("errored peer must not be available: %+v", avail)
	}
	if got := c.TotalAvailableMemoryGB(); got != 16 {
		t.Fatalf("pooled memory %v, want 16", got)
	}
}

func TestRecordInferenceRunningAverage(t *testing.T) {
	c := newTestCluster()
	id := c.LocalNodeID()
	c.RecordInference(id, 10)
	c.RecordInference(id, 20)
	n, _ := c.Node(id)
	if n.InferenceCount != 2 {
		t.Fatalf("count %d, want 2", n.InferenceCount)
	}
	if n.AvgTokensPerSec != 15 {
		t.Fatalf("avg %v, want 15", n.AvgTokensPerSec)
	}
}

// fakeEngine is a scriptable LocalEngine.
type fakeEngine struct {
	loaded    bool
	loadErr   error
	lastModel string
	text      string
	tokens    int
}

func (e *fakeEngine) Load(_ context.Context, model string, _ Quantization, _ []int) error {
	if e.loadErr != nil {
		return e.loadErr
	}
	e.loaded = true
	e.lastModel = model
	return nil
}

func (e *fakeEngine) Unload()        { e.loaded = false }
func (e *fakeEngine) IsLoaded() bool { return e.loaded }

func (e *fakeEngine) Generate(context.Context, string, int, float64, float64) (string, int, error) {
	if !e.loaded {
		return "", 0, errors.New("not loaded")
	}
	return e.text, e.tokens, nil
}

func (e *fakeEngine) GenerateStream(_ context.Context, _ string, _ int, _, _ float64) (<-chan string, error) {
	out := make(chan string, 1)
	out <- e.text
	close(out)
	return out, nil
}

func TestCoordinatorLoadRefusedOnInsufficientMemory(t *testing.T) {
	c := NewCluster("local", "127.0.0.1", 0, testCaps(10), nil, nil)
	co := NewCoordinator(c, &fakeEngine{}, nil, nil)

	res := co.LoadModel(context.Background(), "llama-70b", Quant4Bit)
	if res.Success {
		t.Fatal("10 GB cluster must refuse a 70b load")
	}
	if res.Error == "" {
		t.Fatal("refusal must carry a reason")
	}
}

func TestCoordinatorLoadInstallsAssignments(t *testing.T) {
	c := NewCluster("local", "127.0.0.1", 0, testCaps(16), nil, nil)
	peer := c.AddNode(ClusterNode{Name: "peer", Host: "10.0.0.2", Capabilities: testCaps(16)})
	engine := &fakeEngine{}
	co := NewCoordinator(c, engine, nil, nil)

	res := co.LoadModel(context.Background(), "mistral-7b", Quant4Bit)
	if !res.Success {
		t.Fatalf("load failed: %s", res.Error)
	}
	if res.TotalLayers != 32 {
		t.Fatalf("total layers %d, want 32", res.TotalLayers)
	}
	if len(res.Assignments) != 2 {
		t.Fatalf("expected both nodes assigned, got %v", res.Assignments)
	}
	if engine.lastModel != "mistral-7b" {
		t.Fatal("local engine was not instructed to load")
	}
	p, _ := c.Node(peer)
	if len(p.AssignedLayers) == 0 {
		t.Fatal("peer received no layers")
	}
}

func TestCoordinatorEngineLoadFailureClearsAssignments(t *testing.T) {
	c := NewCluster("local", "127.0.0.1", 0, testCaps(16), nil, nil)
	co := NewCoordinator(c, &fakeEngine{loadErr: errors.New("weights missing")}, nil, nil)

	res := co.LoadModel(context.Background(), "mistral-7b", Quant4Bit)
	if res.Success {
		t.Fatal("engine failure must fail the load")
	}
	if model, _ := c.CurrentModel(); model != "" {
		t.Fatal("failed load must not leave assignments behind")
	}
}

func TestCoordinatorGenerateRequiresLoadedModel(t *testing.T) {
	c := NewCluster("local", "127.0.0.1", 0, testCaps(16), nil, nil)
	co := NewCoordinator(c, &fakeEngine{}, nil, nil)

	if _, err := co.Generate(context.Background(), "", "hello", 64, 0.7, 0.9); err == nil {
		t.Fatal("generate without a model must fail")
	}
}

func TestCoordinatorGenerateLazyLoadAndUnload(t *testing.T) {
	c := NewCluster("local", "127.0.0.1", 0, testCaps(16), nil, nil)
	engine := &fakeEngine{text: "hi there", tokens: 3}
	co := NewCoordinator(c, engine, nil, nil)

	res, err := co.Generate(context.Background(), "mistral-7b", "hello", 64, 0.7, 0.9)
	if err != nil {
		t.Fatal(err)
	}
	if res.Text != "hi there" || res.Tokens != 3 {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.RequestID == "" || len(res.NodeIDs) == 0 {
		t.Fatalf("result missing request id or participants: %+v", res)
	}

	co.UnloadModel()
	if co.IsLoaded() {
		t.Fatal("IsLoaded must read false after unload")
	}
	if _, err := co.Generate(context.Background(), "", "hello", 64, 0.7, 0.9); err == nil {
		t.Fatal("generate after unload without a model name must fail")
	}
}

func TestDetectLocalCapabilities(t *testing.T) {
	probe := staticProbe{chip: "Apple M2 Pro", memGB: 32, cores: 10, mlx: true}
	caps := DetectLocal(probe)
	if caps.CPUCores != 10 {
		t.Fatalf("cpu cores %d", caps.CPUCores)
	}
	if caps.AvailableMemoryGB != caps.TotalMemoryGB*availableMemoryFactor {
		t.Fatal("available memory must be the conservative fraction of total")
	}
}

type staticProbe struct {
	chip  string
	memGB float64
	cores int
	mlx   bool
}

func (p staticProbe) ChipName() string       { return p.chip }
func (p staticProbe) TotalMemoryGB() float64 { return p.memGB }
func (p staticProbe) CPUCores() int          { return p.cores }
func (p staticProbe) MLXAvailable() bool     { return p.mlx }

func TestAppleChipTableLongestMatch(t *testing.T) {
	c := NodeCapabilities{ChipName: "Apple M2 Pro"}
	c.applyAppleChipTable()
	if c.GPUCores != 19 {
		t.Fatalf("m2 pro should match its own entry, got %d gpu cores", c.GPUCores)
	}
}
