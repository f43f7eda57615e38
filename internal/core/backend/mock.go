package backend

import (
	"context"
	"errors"
	"sync"

	"github.com/haasonsaas/r-core/internal/core/models"
)

// MockBackend replays a scripted queue of responses, for deterministic
// agent-loop tests without a real model server.
type MockBackend struct {
	mu        sync.Mutex
	responses []models.Message
	available bool
	calls     int
}

// NewMockBackend returns a backend that yields responses in order, one
// per Chat call, then errors once exhausted.
func NewMockBackend(responses ...models.Message) *MockBackend {
	return &MockBackend{responses: responses, available: true}
}

// SetAvailable overrides IsAvailable, for exercising auto-detect fallback.
func (b *MockBackend) SetAvailable(v bool) { b.available = v }

// Calls reports how many times Chat has been invoked.
func (b *MockBackend) Calls() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.calls
}

func (b *MockBackend) Name() string { return "mock" }

func (b *MockBackend) IsAvailable(ctx context.Context) bool { return b.available }

func (b *MockBackend) ListModels(ctx context.Context) ([]string, error) {
	return []string{"mock-model"}, nil
}

func (b *MockBackend) Chat(ctx context.Context, history []models.Message, tools []models.Tool, opts ChatOptions) (models.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.calls >= len(b.responses) {
		return models.Message{}, errors.New("mock backend: response queue exhausted")
	}
	resp := b.responses[b.calls]
	b.calls++
	return resp, nil
}

func (b *MockBackend) ChatStream(ctx context.Context, history []models.Message, tools []models.Tool, opts ChatOptions) (<-chan string, error) {
	reply, err := b.Chat(ctx, history, tools, opts)
	if err != nil {
		return nil, err
	}
	out := make(chan string, 1)
	if reply.Content != "" {
		out <- reply.Content
	}
	close(out)
	return out, nil
}
