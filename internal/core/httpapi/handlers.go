package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/r-core/internal/core/agent"
	"github.com/haasonsaas/r-core/internal/core/apierrors"
	"github.com/haasonsaas/r-core/internal/core/audit"
	"github.com/haasonsaas/r-core/internal/core/auth"
	"github.com/haasonsaas/r-core/internal/core/backend"
	"github.com/haasonsaas/r-core/internal/core/models"
	"github.com/haasonsaas/r-core/internal/core/permissions"
	"github.com/haasonsaas/r-core/pkg/coreapi"
)

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, coreapi.RootResponse{
		Message: "r-core API",
		Version: Version,
		Docs:    "/v1/docs",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, coreapi.HealthResponse{Status: "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	llm := coreapi.LLMStatus{}
	if s.cfg != nil {
		llm.Backend = s.cfg.LLM.Provider
		llm.Model = s.cfg.LLM.Model
		llm.BaseURL = s.cfg.LLM.BaseURL
	}
	if s.backend != nil {
		probeCtx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		llm.Connected = s.backend.IsAvailable(probeCtx)
		cancel()
	}

	status := "healthy"
	if !llm.Connected {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, coreapi.StatusResponse{
		Status:        status,
		Version:       Version,
		UptimeSeconds: time.Since(s.startTime).Seconds(),
		LLM:           llm,
		SkillsLoaded:  len(s.registry.Skills()),
		Timestamp:     time.Now().UTC(),
	})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req coreapi.ChatRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}

	identity, _ := auth.IdentityFromContext(r.Context())
	checker := identity.Checker()
	if !checker.CanChat(req.Stream) {
		required := permissions.ScopeChat
		if req.Stream {
			required = permissions.ScopeChatStream
		}
		writeError(w, &apierrors.CoreError{
			Kind:          apierrors.KindPermissionDenied,
			Message:       fmt.Sprintf("requires scope %s", required),
			RequiredScope: string(required),
		})
		return
	}

	if s.backend == nil {
		writeError(w, apierrors.New(apierrors.KindBackendUnavailable, "no llm backend configured"))
		return
	}

	userMessage := ""
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == "user" {
			userMessage = req.Messages[i].Content
			break
		}
	}
	if userMessage == "" {
		writeError(w, apierrors.New(apierrors.KindInvalidRequest, "no user message found"))
		return
	}

	model := req.Model
	if model == "" && s.cfg != nil {
		model = s.cfg.LLM.Model
	}
	responseID := "chatcmpl-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	created := time.Now().Unix()

	// The agent is request-owned: a fresh history per call, scoped to
	// the caller's session.
	sessionID := identity.Username
	if sessionID == "" {
		sessionID = clientIP(r)
	}
	port := backend.NewPort(s.backend)
	ag := agent.New(port, s.registry, s.memory, agent.DefaultConfig(), sessionID, s.logger)

	if req.Stream {
		s.streamChat(w, r, ag, userMessage, responseID, created, model)
		return
	}

	ctx := r.Context()
	if s.cfg != nil && s.cfg.LLM.ChatTimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(s.cfg.LLM.ChatTimeoutSeconds)*time.Second)
		defer cancel()
	}
	tctx := models.ToolContext{RequestID: RequestIDFromContext(r.Context()), UserID: identity.Username}
	text := ag.Run(ctx, tctx, userMessage)

	promptTokens := len(strings.Fields(userMessage))
	completionTokens := len(strings.Fields(text))
	writeJSON(w, http.StatusOK, coreapi.ChatResponse{
		ID:      responseID,
		Object:  "chat.completion",
		Created: created,
		Model:   model,
		Choices: []coreapi.ChatChoice{{
			Index:        0,
			Message:      coreapi.ChatMessage{Role: "assistant", Content: text},
			FinishReason: "stop",
		}},
		Usage: coreapi.ChatUsage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
	})
}

// streamChat delivers the response as server-sent events: a role
// chunk, one delta per content chunk, a finish chunk, then [DONE].
// Delivery stops as soon as the client disconnects; rate-limit state
// is not refunded.
func (s *Server) streamChat(w http.ResponseWriter, r *http.Request, ag *agent.Agent, userMessage, responseID string, created int64, model string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, apierrors.New(apierrors.KindInternal, "streaming unsupported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	send := func(chunk coreapi.ChatStreamResponse) bool {
		payload, err := json.Marshal(chunk)
		if err != nil {
			return false
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}
	base := func() coreapi.ChatStreamResponse {
		return coreapi.ChatStreamResponse{
			ID:      responseID,
			Object:  "chat.completion.chunk",
			Created: created,
			Model:   model,
		}
	}

	role := base()
	role.Choices = []coreapi.ChatStreamChoice{{Delta: coreapi.ChatStreamDelta{Role: "assistant"}}}
	if !send(role) {
		return
	}

	chunks := ag.RunStream(r.Context(), userMessage)
	for {
		select {
		case <-r.Context().Done():
			// Client went away; drop the stream. The producer
			// goroutine drains on its own once ctx unwinds the
			// backend call.
			return
		case text, ok := <-chunks:
			if !ok {
				finish := base()
				finish.Choices = []coreapi.ChatStreamChoice{{FinishReason: "stop"}}
				if send(finish) {
					fmt.Fprint(w, "data: [DONE]\n\n")
					flusher.Flush()
				}
				return
			}
			delta := base()
			delta.Choices = []coreapi.ChatStreamChoice{{Delta: coreapi.ChatStreamDelta{Content: text}}}
			if !send(delta) {
				return
			}
		}
	}
}

func (s *Server) skillInfo(skill models.Skill, checker *permissions.Checker, policy *permissions.Policy) coreapi.SkillInfo {
	risk := permissions.RiskFor(skill.Name)
	allowed, _ := permissions.CheckSkillPermission(skill.Name, risk, checker, policy)

	tools := make([]coreapi.ToolInfo, 0, len(skill.Tools))
	for _, t := range skill.Tools {
		tools = append(tools, coreapi.ToolInfo{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  toolParameters(t.Parameters),
		})
	}
	return coreapi.SkillInfo{
		Name:        skill.Name,
		Description: skill.Description,
		RiskLevel:   string(risk),
		Allowed:     allowed,
		Tools:       tools,
	}
}

// toolParameters flattens a JSON-schema parameters object into the
// listing shape.
func toolParameters(schema map[string]any) []coreapi.ToolParameter {
	props, _ := schema["properties"].(map[string]any)
	if len(props) == 0 {
		return nil
	}
	required := map[string]bool{}
	if reqList, ok := schema["required"].([]any); ok {
		for _, v := range reqList {
			if name, ok := v.(string); ok {
				required[name] = true
			}
		}
	}

	out := make([]coreapi.ToolParameter, 0, len(props))
	for name, raw := range props {
		p := coreapi.ToolParameter{Name: name, Type: "string", Required: required[name]}
		if info, ok := raw.(map[string]any); ok {
			if t, ok := info["type"].(string); ok {
				p.Type = t
			}
			if d, ok := info["description"].(string); ok {
				p.Description = d
			}
			p.Default = info["default"]
		}
		out = append(out, p)
	}
	return out
}

func (s *Server) handleListSkills(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFromContext(r.Context())
	checker := identity.Checker()
	if !checker.HasAnyScope(permissions.ScopeRead, permissions.ScopeAdmin) {
		writeError(w, &apierrors.CoreError{
			Kind:          apierrors.KindPermissionDenied,
			Message:       "requires scope read",
			RequiredScope: string(permissions.ScopeRead),
		})
		return
	}

	names := s.registry.Skills()
	infos := make([]coreapi.SkillInfo, 0, len(names))
	for _, name := range names {
		skill, _ := s.registry.Skill(name)
		infos = append(infos, s.skillInfo(skill, checker, identity.Policy))
	}
	writeJSON(w, http.StatusOK, coreapi.SkillsResponse{Total: len(infos), Skills: infos})
}

func (s *Server) handleGetSkill(w http.ResponseWriter, r *http.Request) {
	identity, _ := auth.IdentityFromContext(r.Context())
	checker := identity.Checker()
	if !checker.HasAnyScope(permissions.ScopeRead, permissions.ScopeAdmin) {
		writeError(w, &apierrors.CoreError{
			Kind:          apierrors.KindPermissionDenied,
			Message:       "requires scope read",
			RequiredScope: string(permissions.ScopeRead),
		})
		return
	}

	name := r.PathValue("name")
	skill, ok := s.registry.Skill(name)
	if !ok {
		writeError(w, apierrors.New(apierrors.KindNotFound, "skill not found: "+name))
		return
	}
	writeJSON(w, http.StatusOK, s.skillInfo(skill, checker, identity.Policy))
}

func (s *Server) handleCallTool(w http.ResponseWriter, r *http.Request) {
	var req coreapi.ToolCallRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.Skill == "" || req.Tool == "" {
		writeError(w, apierrors.New(apierrors.KindInvalidRequest, "skill and tool are required"))
		return
	}

	identity, _ := auth.IdentityFromContext(r.Context())
	checker := identity.Checker()
	if !checker.HasAnyScope(permissions.ScopeToolCall, permissions.ScopeAdmin) {
		writeError(w, &apierrors.CoreError{
			Kind:          apierrors.KindPermissionDenied,
			Message:       "requires scope tool:call",
			RequiredScope: string(permissions.ScopeToolCall),
		})
		return
	}

	risk := permissions.RiskFor(req.Skill)
	allowed, reason := permissions.CheckSkillPermission(req.Skill, risk, checker, identity.Policy)
	if !allowed {
		if s.audit != nil {
			s.audit.Log(r.Context(), audit.Event{
				Action:       audit.ActionSkillDenied,
				Severity:     audit.SeverityWarning,
				Username:     identity.Username,
				RequestID:    RequestIDFromContext(r.Context()),
				Resource:     req.Skill,
				ResourceID:   req.Tool,
				Success:      false,
				ErrorMessage: reason,
			})
		}
		writeError(w, &apierrors.CoreError{
			Kind:    apierrors.KindPermissionDenied,
			Message: reason,
		})
		return
	}

	start := time.Now()
	elapsedMs := func() float64 { return float64(time.Since(start).Microseconds()) / 1000.0 }

	skill, ok := s.registry.Skill(req.Skill)
	if !ok {
		writeJSON(w, http.StatusOK, coreapi.ToolCallResponse{
			Success:         false,
			Error:           "skill not found: " + req.Skill,
			ExecutionTimeMs: elapsedMs(),
		})
		return
	}

	var target *models.Tool
	for i := range skill.Tools {
		if skill.Tools[i].Name == req.Tool {
			target = &skill.Tools[i]
			break
		}
	}
	if target == nil {
		if s.metrics != nil {
			s.metrics.IncToolExecution(req.Tool, "not_found")
		}
		writeJSON(w, http.StatusOK, coreapi.ToolCallResponse{
			Success:         false,
			Error:           fmt.Sprintf("tool not found: %s in skill %s", req.Tool, req.Skill),
			ExecutionTimeMs: elapsedMs(),
		})
		return
	}

	tctx := models.ToolContext{RequestID: RequestIDFromContext(r.Context()), UserID: identity.Username}
	if s.cfg != nil {
		tctx.Timeout = int64(s.cfg.Skills.DefaultTimeoutSeconds)
	}
	result, err := target.Handler(tctx, req.Arguments)
	if err != nil {
		if s.metrics != nil {
			s.metrics.IncToolExecution(req.Tool, "error")
		}
		writeJSON(w, http.StatusOK, coreapi.ToolCallResponse{
			Success:         false,
			Error:           err.Error(),
			ExecutionTimeMs: elapsedMs(),
		})
		return
	}
	if s.metrics != nil {
		s.metrics.IncToolExecution(req.Tool, "ok")
	}
	writeJSON(w, http.StatusOK, coreapi.ToolCallResponse{
		Success:         true,
		Result:          result,
		ExecutionTimeMs: elapsedMs(),
	})
}
