package backend

import (
	"context"
	"errors"
	"runtime"
	"strings"

	"github.com/haasonsaas/r-core/internal/core/models"
)

// Generator is the in-process inference call an MLXBackend delegates to:
// a loaded mlx-lm model generating text for prompt. The core does not
// implement MLX's tensor runtime itself (that lives in a cgo/Python side
// process out of scope here); callers supply it from whatever loads the
// model locally.
type Generator func(ctx context.Context, prompt string, maxTokens int, temperature float64) (string, error)

// MLXBackend runs models in-process on Apple Silicon via MLX: no
// server, no network hop, and no tool-calling support (mlx-lm has none
// natively).
type MLXBackend struct {
	generate Generator
}

// NewMLXBackend wraps gen. gen may be nil, in which case IsAvailable
// always reports false (no model loaded).
func NewMLXBackend(gen Generator) *MLXBackend {
	return &MLXBackend{generate: gen}
}

// IsAppleSilicon reports whether the process runs on macOS/arm64, the
// only platform MLX supports.
func IsAppleSilicon() bool {
	return runtime.GOOS == "darwin" && runtime.GOARCH == "arm64"
}

func (b *MLXBackend) Name() string { return "mlx" }

func (b *MLXBackend) IsAvailable(ctx context.Context) bool {
	return IsAppleSilicon() && b.generate != nil
}

func (b *MLXBackend) ListModels(ctx context.Context) ([]string, error) {
	return nil, errors.New("mlx backend does not enumerate remote models")
}

// Chat ignores tools: MLX-LM has no native tool-calling support.
func (b *MLXBackend) Chat(ctx context.Context, history []models.Message, tools []models.Tool, opts ChatOptions) (models.Message, error) {
	if b.generate == nil {
		return models.Message{}, errors.New("no mlx model loaded")
	}
	text, err := b.generate(ctx, renderPrompt(history), opts.MaxTokens, opts.Temperature)
	if err != nil {
		return models.Message{}, err
	}
	return models.Message{Role: models.RoleAssistant, Content: text}, nil
}

func (b *MLXBackend) ChatStream(ctx context.Context, history []models.Message, tools []models.Tool, opts ChatOptions) (<-chan string, error) {
	reply, err := b.Chat(ctx, history, tools, opts)
	if err != nil {
		return nil, err
	}
	out := make(chan string, 1)
	out <- reply.Content
	close(out)
	return out, nil
}

// renderPrompt flattens a message history into the plain-text prompt
// mlx-lm's generate() expects, since MLX talks tokens, not chat JSON.
func renderPrompt(history []models.Message) string {
	var b strings.Builder
	for _, m := range history {
		b.WriteString(string(m.Role))
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	return b.String()
}
