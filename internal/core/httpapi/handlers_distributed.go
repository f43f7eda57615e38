package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"

	"github.com/haasonsaas/r-core/internal/core/apierrors"
	"github.com/haasonsaas/r-core/internal/core/auth"
	"github.com/haasonsaas/r-core/internal/core/cluster"
	"github.com/haasonsaas/r-core/internal/core/permissions"
	"github.com/haasonsaas/r-core/pkg/coreapi"
)

// requireCoordinator guards the distributed endpoints when no cluster
// was configured.
func (s *Server) requireCoordinator(w http.ResponseWriter) bool {
	if s.coord == nil {
		writeError(w, apierrors.New(apierrors.KindBackendUnavailable, "distributed inference not configured"))
		return false
	}
	return true
}

// requireScope enforces one expanded scope on the calling identity.
func requireScope(w http.ResponseWriter, r *http.Request, scope permissions.Scope) bool {
	identity, _ := auth.IdentityFromContext(r.Context())
	if !identity.Checker().HasScope(scope) {
		writeError(w, &apierrors.CoreError{
			Kind:          apierrors.KindPermissionDenied,
			Message:       "requires scope " + string(scope),
			RequiredScope: string(scope),
		})
		return false
	}
	return true
}

func nodeInfo(n cluster.ClusterNode) coreapi.NodeInfo {
	return coreapi.NodeInfo{
		NodeID:         n.NodeID,
		Name:           n.Name,
		Host:           n.Host,
		Port:           n.Port,
		Status:         string(n.Status),
		Chip:           n.Capabilities.ChipName,
		MemoryGB:       n.Capabilities.AvailableMemoryGB,
		MLX:            n.Capabilities.MLXAvailable,
		AssignedLayers: n.AssignedLayers,
		CurrentModel:   n.CurrentModel,
	}
}

func (s *Server) handleClusterStatus(w http.ResponseWriter, r *http.Request) {
	if !s.requireCoordinator(w) || !requireScope(w, r, permissions.ScopeRead) {
		return
	}
	c := s.coord.Cluster()
	model, layers := c.CurrentModel()

	nodes := c.Nodes()
	infos := make([]coreapi.NodeInfo, 0, len(nodes))
	for _, n := range nodes {
		infos = append(infos, nodeInfo(n))
	}
	writeJSON(w, http.StatusOK, coreapi.ClusterStatusResponse{
		LocalNodeID:   c.LocalNodeID(),
		CurrentModel:  model,
		TotalLayers:   layers,
		TotalMemoryGB: c.TotalAvailableMemoryGB(),
		Nodes:         infos,
	})
}

func (s *Server) handleListNodes(w http.ResponseWriter, r *http.Request) {
	if !s.requireCoordinator(w) || !requireScope(w, r, permissions.ScopeRead) {
		return
	}
	nodes := s.coord.Cluster().Nodes()
	infos := make([]coreapi.NodeInfo, 0, len(nodes))
	for _, n := range nodes {
		infos = append(infos, nodeInfo(n))
	}
	writeJSON(w, http.StatusOK, infos)
}

func nodeFromRequest(req coreapi.AddNodeRequest) cluster.ClusterNode {
	return cluster.ClusterNode{
		NodeID: req.NodeID,
		Name:   req.Name,
		Host:   req.Host,
		Port:   req.Port,
		Capabilities: cluster.NodeCapabilities{
			DeviceType:        cluster.DeviceAppleSilicon,
			ChipName:          req.ChipName,
			AvailableMemoryGB: req.MemoryGB,
			GPUCores:          req.GPUCores,
			EstimatedTFLOPS:   req.TFLOPS,
			MLXAvailable:      req.MLXAvailable,
			UnifiedMemory:     true,
		},
	}
}

func (s *Server) handleAddNode(w http.ResponseWriter, r *http.Request) {
	if !s.requireCoordinator(w) || !requireScope(w, r, permissions.ScopeAdmin) {
		return
	}
	var req coreapi.AddNodeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Name == "" || req.Host == "" {
		writeError(w, apierrors.New(apierrors.KindInvalidRequest, "name and host are required"))
		return
	}
	id := s.coord.Cluster().AddNode(nodeFromRequest(req))
	writeJSON(w, http.StatusCreated, coreapi.AddNodeResponse{NodeID: id})
}

func (s *Server) handleRemoveNode(w http.ResponseWriter, r *http.Request) {
	if !s.requireCoordinator(w) || !requireScope(w, r, permissions.ScopeAdmin) {
		return
	}
	nodeID := r.PathValue("node_id")
	c := s.coord.Cluster()
	if nodeID == c.LocalNodeID() {
		writeError(w, apierrors.New(apierrors.KindInvalidRequest, "cannot remove the local node"))
		return
	}
	if !c.RemoveNode(nodeID) {
		writeError(w, apierrors.New(apierrors.KindNotFound, "node not found: "+nodeID))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseQuant(raw string) cluster.Quantization {
	if raw == string(cluster.QuantFP16) {
		return cluster.QuantFP16
	}
	return cluster.Quant4Bit
}

func (s *Server) handleModelCheck(w http.ResponseWriter, r *http.Request) {
	if !s.requireCoordinator(w) || !requireScope(w, r, permissions.ScopeRead) {
		return
	}
	var req coreapi.ModelCheckRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Model == "" {
		writeError(w, apierrors.New(apierrors.KindInvalidRequest, "model is required"))
		return
	}

	quant := parseQuant(req.Quantization)
	ok, reason := s.coord.CanRun(req.Model, quant)
	est := cluster.EstimateRequirements(req.Model)
	writeJSON(w, http.StatusOK, coreapi.ModelCheckResponse{
		CanRun:      ok,
		Reason:      reason,
		Layers:      est.Layers,
		RequiredGB:  cluster.RequiredMemoryGB(req.Model, quant),
		AvailableGB: s.coord.Cluster().TotalAvailableMemoryGB(),
	})
}

func assignmentList(assignments map[string]cluster.LayerRange) []coreapi.LayerAssignment {
	out := make([]coreapi.LayerAssignment, 0, len(assignments))
	for nodeID, lr := range assignments {
		out = append(out, coreapi.LayerAssignment{NodeID: nodeID, Start: lr.Start, End: lr.End})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

func (s *Server) handleLoadModel(w http.ResponseWriter, r *http.Request) {
	if !s.requireCoordinator(w) || !requireScope(w, r, permissions.ScopeAdmin) {
		return
	}
	var req coreapi.LoadModelRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Model == "" {
		writeError(w, apierrors.New(apierrors.KindInvalidRequest, "model is required"))
		return
	}

	// Load failures come back in the body; the cluster is still alive,
	// so this is not an HTTP error.
	res := s.coord.LoadModel(r.Context(), req.Model, parseQuant(req.Quantization))
	writeJSON(w, http.StatusOK, coreapi.LoadModelResponse{
		Success:     res.Success,
		Error:       res.Error,
		Model:       res.Model,
		TotalLayers: res.TotalLayers,
		Assignments: assignmentList(res.Assignments),
	})
}

func (s *Server) handleUnloadModel(w http.ResponseWriter, r *http.Request) {
	if !s.requireCoordinator(w) || !requireScope(w, r, permissions.ScopeAdmin) {
		return
	}
	s.coord.UnloadModel()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAssignments(w http.ResponseWriter, r *http.Request) {
	if !s.requireCoordinator(w) || !requireScope(w, r, permissions.ScopeRead) {
		return
	}
	c := s.coord.Cluster()
	model, layers := c.CurrentModel()

	var out []coreapi.LayerAssignment
	for _, n := range c.Nodes() {
		if len(n.AssignedLayers) == 0 {
			continue
		}
		out = append(out, coreapi.LayerAssignment{
			NodeID: n.NodeID,
			Start:  n.AssignedLayers[0],
			End:    n.AssignedLayers[len(n.AssignedLayers)-1] + 1,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	writeJSON(w, http.StatusOK, coreapi.AssignmentsResponse{
		Model:       model,
		TotalLayers: layers,
		Assignments: out,
	})
}

func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	if !s.requireCoordinator(w) || !requireScope(w, r, permissions.ScopeExecute) {
		return
	}
	var req coreapi.GenerateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Prompt == "" {
		writeError(w, apierrors.New(apierrors.KindInvalidRequest, "prompt is required"))
		return
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = 512
	}
	if req.Temperature == 0 {
		req.Temperature = 0.7
	}
	if req.TopP == 0 {
		req.TopP = 0.9
	}

	if req.Stream {
		s.streamGenerate(w, r, req)
		return
	}

	res, err := s.coord.Generate(r.Context(), req.Model, req.Prompt, req.MaxTokens, req.Temperature, req.TopP)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, coreapi.GenerateResponse(res))
}

// streamGenerate streams raw token strings in the SSE envelope used by
// the chat endpoint, terminated by [DONE].
func (s *Server) streamGenerate(w http.ResponseWriter, r *http.Request, req coreapi.GenerateRequest) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, apierrors.New(apierrors.KindInternal, "streaming unsupported"))
		return
	}

	tokens, err := s.coord.GenerateStream(r.Context(), req.Prompt, req.MaxTokens, req.Temperature, req.TopP)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	for {
		select {
		case <-r.Context().Done():
			return
		case tok, ok := <-tokens:
			if !ok {
				fmt.Fprint(w, "data: [DONE]\n\n")
				flusher.Flush()
				return
			}
			payload, err := json.Marshal(map[string]string{"token": tok})
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "data: %s\n\n", payload)
			flusher.Flush()
		}
	}
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if !s.requireCoordinator(w) || !requireScope(w, r, permissions.ScopeWrite) {
		return
	}
	var req coreapi.SyncRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	c := s.coord.Cluster()
	merged := 0
	for _, n := range req.Nodes {
		// Never let a peer's view overwrite the local node record.
		if n.NodeID == c.LocalNodeID() {
			continue
		}
		if n.Name == "" || n.Host == "" {
			continue
		}
		c.AddNode(nodeFromRequest(n))
		merged++
	}

	nodes := c.Nodes()
	infos := make([]coreapi.NodeInfo, 0, len(nodes))
	for _, n := range nodes {
		infos = append(infos, nodeInfo(n))
	}
	writeJSON(w, http.StatusOK, coreapi.SyncResponse{Merged: merged, Nodes: infos})
}
