package backend

import (
	"context"
	"errors"
	"time"
)

// Variant names a runtime kind, used for configuration and status
// reporting.
type Variant string

const (
	VariantOpenAICompat Variant = "openai_compat"
	VariantOllama       Variant = "ollama"
	VariantMLX          Variant = "mlx"
	VariantMock         Variant = "mock"
	VariantNone         Variant = "none"
)

// probeTimeout bounds each availability check during auto-detection, so a
// dead endpoint never stalls startup.
const probeTimeout = 2 * time.Second

// ErrNoBackendAvailable is returned when no candidate backend answers
// its probe.
var ErrNoBackendAvailable = errors.New("no llm backend available")

// Candidates is the fixed probing order auto-detection walks when no
// preferred variant is requested or the preferred one is unavailable:
// MLX (in-process, fastest on Apple Silicon), then Ollama, then a
// generic OpenAI-compatible server (LM Studio, vLLM, ...).
func Candidates(mlx *MLXBackend, ollama *OllamaBackend, openaiCompat *OpenAICompatBackend) []Backend {
	out := make([]Backend, 0, 3)
	if mlx != nil {
		out = append(out, mlx)
	}
	if ollama != nil {
		out = append(out, ollama)
	}
	if openaiCompat != nil {
		out = append(out, openaiCompat)
	}
	return out
}

// AutoDetect returns the first available backend, trying preferred first
// (if non-nil, whether or not it is among candidates) and then falling back to
// Candidates' fixed order. Each probe is bounded by probeTimeout so one
// unreachable endpoint cannot delay the rest.
func AutoDetect(ctx context.Context, preferred Backend, candidates []Backend) (Backend, error) {
	ordered := make([]Backend, 0, len(candidates)+1)
	if preferred != nil {
		ordered = append(ordered, preferred)
	}
	for _, c := range candidates {
		if c == preferred {
			continue
		}
		ordered = append(ordered, c)
	}

	for _, b := range ordered {
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		available := b.IsAvailable(probeCtx)
		cancel()
		if available {
			return b, nil
		}
	}
	return nil, ErrNoBackendAvailable
}
