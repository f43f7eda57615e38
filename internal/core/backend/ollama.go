package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/haasonsaas/r-core/internal/core/models"
)

// ollamaProbeTimeout bounds the /api/tags availability and listing
// probes.
const ollamaProbeTimeout = 2 * time.Second

// OllamaBackend talks to a local Ollama daemon. Model listing and
// availability use Ollama's native /api/tags endpoint, while chat
// traffic goes through Ollama's OpenAI-compatible /v1 surface so the
// core shares one request/response translation layer with
// OpenAICompatBackend.
type OllamaBackend struct {
	httpClient *http.Client
	baseURL    string
	compat     *OpenAICompatBackend
}

// NewOllamaBackend points at baseURL (default http://localhost:11434).
func NewOllamaBackend(baseURL, model string) *OllamaBackend {
	baseURL = strings.TrimRight(baseURL, "/")
	return &OllamaBackend{
		httpClient: &http.Client{Timeout: ollamaProbeTimeout},
		baseURL:    baseURL,
		compat:     NewOpenAICompatBackend(baseURL+"/v1", "ollama", model),
	}
}

func (b *OllamaBackend) Name() string { return "ollama" }

// IsAvailable checks /api/tags, Ollama's native health probe.
func (b *OllamaBackend) IsAvailable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

type ollamaTagsResponse struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

// ListModels reads the locally pulled model names from /api/tags.
func (b *OllamaBackend) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := b.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var parsed ollamaTagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(parsed.Models))
	for _, m := range parsed.Models {
		out = append(out, m.Name)
	}
	return out, nil
}

func (b *OllamaBackend) Chat(ctx context.Context, history []models.Message, tools []models.Tool, opts ChatOptions) (models.Message, error) {
	return b.compat.Chat(ctx, history, tools, opts)
}

func (b *OllamaBackend) ChatStream(ctx context.Context, history []models.Message, tools []models.Tool, opts ChatOptions) (<-chan string, error) {
	return b.compat.ChatStream(ctx, history, tools, opts)
}
