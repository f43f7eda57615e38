package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/haasonsaas/r-core/internal/core/agent"
	"github.com/haasonsaas/r-core/internal/core/auth"
	"github.com/haasonsaas/r-core/internal/core/backend"
	"github.com/haasonsaas/r-core/internal/core/cluster"
	"github.com/haasonsaas/r-core/internal/core/config"
	"github.com/haasonsaas/r-core/internal/core/models"
	"github.com/haasonsaas/r-core/internal/core/permissions"
	"github.com/haasonsaas/r-core/internal/core/ratelimit"
	"github.com/haasonsaas/r-core/pkg/coreapi"
)

const (
	adminKey  = "test-admin-key-0123456789abcdef0123456789abcdef"
	readerKey = "test-reader-key-0123456789abcdef0123456789abcde"
)

type stubEngine struct {
	loaded bool
	text   string
}

func (e *stubEngine) Load(context.Context, string, cluster.Quantization, []int) error {
	e.loaded = true
	return nil
}
func (e *stubEngine) Unload()        { e.loaded = false }
func (e *stubEngine) IsLoaded() bool { return e.loaded }
func (e *stubEngine) Generate(context.Context, string, int, float64, float64) (string, int, error) {
	if !e.loaded {
		return "", 0, errors.New("not loaded")
	}
	return e.text, len(strings.Fields(e.text)), nil
}
func (e *stubEngine) GenerateStream(context.Context, string, int, float64, float64) (<-chan string, error) {
	out := make(chan string, 1)
	out <- e.text
	close(out)
	return out, nil
}

func testRegistry() *agent.Registry {
	reg := agent.NewRegistry()
	reg.Register(models.Skill{
		Name:        "math",
		Description: "arithmetic helpers",
		Tools: []models.Tool{{
			Name:        "add",
			Description: "add two numbers",
			Parameters: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"a": map[string]any{"type": "number"},
					"b": map[string]any{"type": "number"},
				},
				"required": []any{"a", "b"},
			},
			Handler: func(_ models.ToolContext, args map[string]any) (string, error) {
				a, _ := args["a"].(float64)
				b, _ := args["b"].(float64)
				return jsonNumber(a + b), nil
			},
		}},
	})
	reg.Register(models.Skill{
		Name:        "docker",
		Description: "container control",
		Tools: []models.Tool{{
			Name:        "docker_ps",
			Description: "list containers",
			Parameters:  map[string]any{"type": "object"},
			Handler: func(models.ToolContext, map[string]any) (string, error) {
				return "CONTAINER ID", nil
			},
		}},
	})
	return reg
}

func jsonNumber(v float64) string {
	b, _ := json.Marshal(v)
	return string(b)
}

func newTestServer(t *testing.T, mock *backend.MockBackend) *Server {
	t.Helper()

	cfg := config.Default()
	cfg.LLM.Provider = "mock"
	cfg.LLM.Model = "mock-model"
	cfg.Normalize()

	jwtSvc, err := auth.NewJWTServiceWithGeneratedSecret()
	if err != nil {
		t.Fatal(err)
	}
	store := auth.NewStore()
	store.SeedStaticAPIKeys([]auth.StaticAPIKeyConfig{
		{Key: adminKey, UserID: "u-admin", Username: "admin", Scopes: []permissions.Scope{permissions.ScopeAdmin}},
		{Key: readerKey, UserID: "u-reader", Username: "reader", Scopes: []permissions.Scope{permissions.ScopeRead, permissions.ScopeChat, permissions.ScopeChatStream}},
	})

	caps := cluster.NodeCapabilities{
		DeviceType:        cluster.DeviceAppleSilicon,
		ChipName:          "Apple M2",
		AvailableMemoryGB: 16,
		MLXAvailable:      true,
	}
	clu := cluster.NewCluster("local", "127.0.0.1", 0, caps, nil, nil)
	coord := cluster.NewCoordinator(clu, &stubEngine{text: "generated text"}, nil, nil)

	var be backend.Backend
	if mock != nil {
		be = mock
	}
	return NewServer(Options{
		Config:      cfg,
		Auth:        auth.NewService(store, jwtSvc, nil),
		Limiter:     ratelimit.NewLimiter(ratelimit.TierStandard),
		Registry:    testRegistry(),
		Backend:     be,
		Coordinator: coord,
	})
}

func do(t *testing.T, h http.Handler, method, path, key string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = strings.NewReader(string(b))
	} else {
		reader = strings.NewReader("")
	}
	req := httptest.NewRequest(method, path, reader)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestHealthAndRootUnauthenticated(t *testing.T) {
	h := newTestServer(t, nil).Handler()

	if w := do(t, h, "GET", "/health", "", nil); w.Code != http.StatusOK {
		t.Fatalf("/health status %d", w.Code)
	}
	if w := do(t, h, "GET", "/", "", nil); w.Code != http.StatusOK {
		t.Fatalf("/ status %d", w.Code)
	}
}

func TestStatusRequiresAuth(t *testing.T) {
	h := newTestServer(t, nil).Handler()

	w := do(t, h, "GET", "/v1/status", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", w.Code)
	}
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &env); err != nil {
		t.Fatal(err)
	}
	if env.Error.Code != "auth_missing" {
		t.Fatalf("error code %q", env.Error.Code)
	}

	if w := do(t, h, "GET", "/v1/status", adminKey, nil); w.Code != http.StatusOK {
		t.Fatalf("authed status %d: %s", w.Code, w.Body.String())
	}
}

func TestInvalidKeyRejected(t *testing.T) {
	h := newTestServer(t, nil).Handler()
	w := do(t, h, "GET", "/v1/status", "wrong-key", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", w.Code)
	}
}

func TestRateLimitHeadersOnSuccess(t *testing.T) {
	h := newTestServer(t, nil).Handler()
	w := do(t, h, "GET", "/v1/status", adminKey, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	if w.Header().Get("X-RateLimit-Limit") == "" ||
		w.Header().Get("X-RateLimit-Remaining") == "" ||
		w.Header().Get("X-RateLimit-Reset") == "" {
		t.Fatalf("missing rate-limit headers: %v", w.Header())
	}
}

func TestChatNonStreaming(t *testing.T) {
	mock := backend.NewMockBackend(models.Message{Role: models.RoleAssistant, Content: "hello back"})
	h := newTestServer(t, mock).Handler()

	w := do(t, h, "POST", "/v1/chat", readerKey, coreapi.ChatRequest{
		Messages: []coreapi.ChatMessage{{Role: "user", Content: "hello"}},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	var resp coreapi.ChatResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Choices) != 1 || resp.Choices[0].Message.Content != "hello back" {
		t.Fatalf("unexpected body: %s", w.Body.String())
	}
	if resp.Choices[0].FinishReason != "stop" {
		t.Fatalf("finish reason %q", resp.Choices[0].FinishReason)
	}
}

func TestChatRequiresUserMessage(t *testing.T) {
	mock := backend.NewMockBackend()
	h := newTestServer(t, mock).Handler()

	w := do(t, h, "POST", "/v1/chat", readerKey, coreapi.ChatRequest{
		Messages: []coreapi.ChatMessage{{Role: "system", Content: "be nice"}},
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status %d, want 400", w.Code)
	}
}

func TestChatStreamEnvelope(t *testing.T) {
	mock := backend.NewMockBackend(models.Message{Role: models.RoleAssistant, Content: "streamed reply"})
	h := newTestServer(t, mock).Handler()

	w := do(t, h, "POST", "/v1/chat", readerKey, coreapi.ChatRequest{
		Messages: []coreapi.ChatMessage{{Role: "user", Content: "hi"}},
		Stream:   true,
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type %q", ct)
	}

	var sawDone bool
	var content strings.Builder
	scanner := bufio.NewScanner(w.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		payload := strings.TrimPrefix(line, "data: ")
		if payload == "[DONE]" {
			sawDone = true
			break
		}
		var chunk coreapi.ChatStreamResponse
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			t.Fatalf("bad chunk %q: %v", payload, err)
		}
		for _, c := range chunk.Choices {
			content.WriteString(c.Delta.Content)
		}
	}
	if !sawDone {
		t.Fatal("stream not terminated by [DONE]")
	}
	if content.String() != "streamed reply" {
		t.Fatalf("concatenated deltas %q", content.String())
	}
}

func TestListSkillsAnnotatesPermission(t *testing.T) {
	h := newTestServer(t, nil).Handler()

	w := do(t, h, "GET", "/v1/skills", readerKey, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	var resp coreapi.SkillsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Total != 2 {
		t.Fatalf("total %d, want 2", resp.Total)
	}
	byName := map[string]coreapi.SkillInfo{}
	for _, s := range resp.Skills {
		byName[s.Name] = s
	}
	if !byName["math"].Allowed {
		t.Fatal("reader should be allowed the low-risk math skill")
	}
	if byName["docker"].Allowed {
		t.Fatal("reader must not be allowed the critical docker skill")
	}
}

func TestGetSkillNotFound(t *testing.T) {
	h := newTestServer(t, nil).Handler()
	w := do(t, h, "GET", "/v1/skills/nonexistent", readerKey, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status %d, want 404", w.Code)
	}
}

func TestCallToolScopeEnforcement(t *testing.T) {
	h := newTestServer(t, nil).Handler()

	// Reader lacks tool:call entirely.
	w := do(t, h, "POST", "/v1/skills/call", readerKey, coreapi.ToolCallRequest{
		Skill: "math", Tool: "add", Arguments: map[string]any{"a": 2, "b": 3},
	})
	if w.Code != http.StatusForbidden {
		t.Fatalf("status %d, want 403", w.Code)
	}

	// Admin passes every check.
	w = do(t, h, "POST", "/v1/skills/call", adminKey, coreapi.ToolCallRequest{
		Skill: "math", Tool: "add", Arguments: map[string]any{"a": 2, "b": 3},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body.String())
	}
	var resp coreapi.ToolCallResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if !resp.Success || resp.Result != "5" {
		t.Fatalf("unexpected result: %+v", resp)
	}
}

func TestCallToolUnknownToolReportedInBody(t *testing.T) {
	h := newTestServer(t, nil).Handler()
	w := do(t, h, "POST", "/v1/skills/call", adminKey, coreapi.ToolCallRequest{
		Skill: "math", Tool: "subtract",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	var resp coreapi.ToolCallResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Success || resp.Error == "" {
		t.Fatalf("expected in-body failure, got %+v", resp)
	}
}

func TestLoginAndIntrospect(t *testing.T) {
	srv := newTestServer(t, nil)
	h := srv.Handler()

	hash, err := auth.HashPassword("s3cret")
	if err != nil {
		t.Fatal(err)
	}
	srv.auth.Store().CreateUser(&auth.User{
		UserID:       "u-alice",
		Username:     "alice",
		PasswordHash: hash,
		Scopes:       []permissions.Scope{permissions.ScopeChat, permissions.ScopeRead},
	})

	w := do(t, h, "POST", "/v1/auth/login", "", coreapi.LoginRequest{Username: "alice", Password: "wrong"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("bad password: status %d, want 401", w.Code)
	}

	w = do(t, h, "POST", "/v1/auth/login", "", coreapi.LoginRequest{Username: "alice", Password: "s3cret"})
	if w.Code != http.StatusOK {
		t.Fatalf("login status %d: %s", w.Code, w.Body.String())
	}
	var tok coreapi.TokenResponse
	if err := json.Unmarshal(w.Body.Bytes(), &tok); err != nil {
		t.Fatal(err)
	}
	if tok.AccessToken == "" || tok.TokenType != "bearer" {
		t.Fatalf("token response %+v", tok)
	}

	req := httptest.NewRequest("GET", "/v1/auth/introspect", nil)
	req.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("introspect status %d: %s", rec.Code, rec.Body.String())
	}
	var intro coreapi.IntrospectResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &intro); err != nil {
		t.Fatal(err)
	}
	if intro.Username != "alice" {
		t.Fatalf("introspect username %q", intro.Username)
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	srv := newTestServer(t, nil)
	h := srv.Handler()

	w := do(t, h, "POST", "/v1/auth/keys", adminKey, coreapi.CreateKeyRequest{
		Name:   "ci",
		Scopes: []string{"read"},
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("create status %d: %s", w.Code, w.Body.String())
	}
	var created coreapi.CreateKeyResponse
	if err := json.Unmarshal(w.Body.Bytes(), &created); err != nil {
		t.Fatal(err)
	}
	if created.Key == "" || created.KeyID == "" {
		t.Fatalf("raw key missing: %+v", created)
	}

	// The fresh key authenticates with its granted scopes.
	if w := do(t, h, "GET", "/v1/skills", created.Key, nil); w.Code != http.StatusOK {
		t.Fatalf("new key rejected: %d", w.Code)
	}

	w = do(t, h, "DELETE", "/v1/auth/keys/"+created.KeyID, adminKey, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("revoke status %d", w.Code)
	}

	// Revoked key no longer authenticates.
	if w := do(t, h, "GET", "/v1/skills", created.Key, nil); w.Code != http.StatusUnauthorized {
		t.Fatalf("revoked key status %d, want 401", w.Code)
	}
}

func TestCreateKeyCannotEscalateScopes(t *testing.T) {
	h := newTestServer(t, nil).Handler()
	w := do(t, h, "POST", "/v1/auth/keys", readerKey, coreapi.CreateKeyRequest{
		Scopes: []string{"admin"},
	})
	if w.Code != http.StatusForbidden {
		t.Fatalf("status %d, want 403", w.Code)
	}
}

func TestDistributedLifecycle(t *testing.T) {
	h := newTestServer(t, nil).Handler()

	// Reader cannot mutate the cluster.
	w := do(t, h, "POST", "/v1/distributed/nodes", readerKey, coreapi.AddNodeRequest{
		Name: "peer", Host: "10.0.0.2", MemoryGB: 16,
	})
	if w.Code != http.StatusForbidden {
		t.Fatalf("reader add node status %d, want 403", w.Code)
	}

	w = do(t, h, "POST", "/v1/distributed/nodes", adminKey, coreapi.AddNodeRequest{
		Name: "peer", Host: "10.0.0.2", MemoryGB: 16, MLXAvailable: true,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("add node status %d: %s", w.Code, w.Body.String())
	}
	var added coreapi.AddNodeResponse
	if err := json.Unmarshal(w.Body.Bytes(), &added); err != nil {
		t.Fatal(err)
	}

	w = do(t, h, "POST", "/v1/distributed/models/check", readerKey, coreapi.ModelCheckRequest{
		Model: "llama-70b", Quantization: "4bit",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("check status %d", w.Code)
	}
	var check coreapi.ModelCheckResponse
	if err := json.Unmarshal(w.Body.Bytes(), &check); err != nil {
		t.Fatal(err)
	}
	if check.CanRun {
		t.Fatal("32 GB cluster must refuse a 70b model")
	}

	w = do(t, h, "POST", "/v1/distributed/models/load", adminKey, coreapi.LoadModelRequest{
		Model: "mistral-7b", Quantization: "4bit",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("load status %d: %s", w.Code, w.Body.String())
	}
	var load coreapi.LoadModelResponse
	if err := json.Unmarshal(w.Body.Bytes(), &load); err != nil {
		t.Fatal(err)
	}
	if !load.Success || load.TotalLayers != 32 || len(load.Assignments) != 2 {
		t.Fatalf("load result %+v", load)
	}

	w = do(t, h, "GET", "/v1/distributed/assignments", readerKey, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("assignments status %d", w.Code)
	}
	var asg coreapi.AssignmentsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &asg); err != nil {
		t.Fatal(err)
	}
	if asg.Model != "mistral-7b" || len(asg.Assignments) != 2 {
		t.Fatalf("assignments %+v", asg)
	}

	w = do(t, h, "POST", "/v1/distributed/generate", adminKey, coreapi.GenerateRequest{
		Prompt: "hello",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("generate status %d: %s", w.Code, w.Body.String())
	}
	var gen coreapi.GenerateResponse
	if err := json.Unmarshal(w.Body.Bytes(), &gen); err != nil {
		t.Fatal(err)
	}
	if gen.Text != "generated text" || gen.RequestID == "" {
		t.Fatalf("generate result %+v", gen)
	}

	w = do(t, h, "POST", "/v1/distributed/models/unload", adminKey, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("unload status %d", w.Code)
	}

	// After unload, generation without a model name is unavailable.
	w = do(t, h, "POST", "/v1/distributed/generate", adminKey, coreapi.GenerateRequest{Prompt: "hello"})
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("post-unload generate status %d, want 503", w.Code)
	}

	w = do(t, h, "DELETE", "/v1/distributed/nodes/"+added.NodeID, adminKey, nil)
	if w.Code != http.StatusNoContent {
		t.Fatalf("remove node status %d", w.Code)
	}
	w = do(t, h, "DELETE", "/v1/distributed/nodes/"+added.NodeID, adminKey, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("double remove status %d, want 404", w.Code)
	}
}

func TestSyncMergesPeers(t *testing.T) {
	h := newTestServer(t, nil).Handler()

	w := do(t, h, "POST", "/v1/distributed/sync", adminKey, coreapi.SyncRequest{
		Nodes: []coreapi.AddNodeRequest{
			{Name: "peer-a", Host: "10.0.0.3", MemoryGB: 8},
			{Name: "peer-b", Host: "10.0.0.4", MemoryGB: 8},
			{Name: "", Host: ""}, // malformed entries are skipped
		},
	})
	if w.Code != http.StatusOK {
		t.Fatalf("sync status %d: %s", w.Code, w.Body.String())
	}
	var resp coreapi.SyncResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Merged != 2 {
		t.Fatalf("merged %d, want 2", resp.Merged)
	}
	if len(resp.Nodes) != 3 { // local + 2 peers
		t.Fatalf("node count %d, want 3", len(resp.Nodes))
	}
}

func TestHeavyEndpointRateLimited(t *testing.T) {
	// Standard tier allows 10 heavy rpm with a 1.5x burst: the heavy
	// bucket admits 15 chat calls before refusing.
	responses := make([]models.Message, 16)
	for i := range responses {
		responses[i] = models.Message{Role: models.RoleAssistant, Content: "ok"}
	}
	h := newTestServer(t, backend.NewMockBackend(responses...)).Handler()

	var last *httptest.ResponseRecorder
	for i := 0; i < 16; i++ {
		last = do(t, h, "POST", "/v1/chat", readerKey, coreapi.ChatRequest{
			Messages: []coreapi.ChatMessage{{Role: "user", Content: "hi"}},
		})
		if last.Code == http.StatusTooManyRequests {
			break
		}
	}
	if last.Code != http.StatusTooManyRequests {
		t.Fatalf("heavy bucket never tripped; final status %d", last.Code)
	}
	if last.Header().Get("Retry-After") == "" {
		t.Fatal("429 must carry Retry-After")
	}
}
