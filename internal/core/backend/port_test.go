package backend

import (
	"context"
	"testing"

	"github.com/haasonsaas/r-core/internal/core/models"
)

func TestChatAppendsUserAndAssistantMessages(t *testing.T) {
	mock := NewMockBackend(models.Message{Role: models.RoleAssistant, Content: "hi there"})
	port := NewPort(mock)

	reply := port.Chat(context.Background(), "hello", nil, DefaultChatOptions())
	if reply.Content != "hi there" {
		t.Fatalf("expected 'hi there', got %q", reply.Content)
	}
	if port.History.Len() != 2 {
		t.Fatalf("expected 2 messages in history, got %d", port.History.Len())
	}
}

func TestChatFoldsBackendErrorIntoMessage(t *testing.T) {
	mock := NewMockBackend() // empty queue: every Chat call errors
	port := NewPort(mock)

	reply := port.Chat(context.Background(), "hello", nil, DefaultChatOptions())
	if reply.Role != models.RoleAssistant {
		t.Fatalf("expected assistant role, got %q", reply.Role)
	}
	if len(reply.Content) < len("Error: ") || reply.Content[:7] != "Error: " {
		t.Fatalf("expected content to start with 'Error: ', got %q", reply.Content)
	}
}

func TestChatWithToolsExecutesThenReturnsFinalAnswer(t *testing.T) {
	called := false
	tool := models.Tool{
		Name: "lookup",
		Handler: func(tctx models.ToolContext, args map[string]any) (string, error) {
			called = true
			return "42", nil
		},
	}

	mock := NewMockBackend(
		models.Message{
			Role: models.RoleAssistant,
			ToolCalls: []models.ToolCall{
				{ID: "call_1", Name: "lookup", Arguments: map[string]any{}},
			},
		},
		models.Message{Role: models.RoleAssistant, Content: "the answer is 42"},
	)
	port := NewPort(mock)

	result := port.ChatWithTools(context.Background(), models.ToolContext{}, "what is it?", []models.Tool{tool}, DefaultChatOptions())

	if !called {
		t.Fatal("expected tool handler to be invoked")
	}
	if result != "the answer is 42" {
		t.Fatalf("expected final answer, got %q", result)
	}
	if mock.Calls() != 2 {
		t.Fatalf("expected 2 chat rounds, got %d", mock.Calls())
	}
}

func TestChatWithToolsUnknownToolReportsNotFound(t *testing.T) {
	mock := NewMockBackend(
		models.Message{
			Role: models.RoleAssistant,
			ToolCalls: []models.ToolCall{
				{ID: "call_1", Name: "missing", Arguments: map[string]any{}},
			},
		},
		models.Message{Role: models.RoleAssistant, Content: "done"},
	)
	port := NewPort(mock)

	port.ChatWithTools(context.Background(), models.ToolContext{}, "go", nil, DefaultChatOptions())

	var sawNotFound bool
	for _, m := range port.History.Messages() {
		if m.Role == models.RoleTool && m.Content == "Tool not found: missing" {
			sawNotFound = true
		}
	}
	if !sawNotFound {
		t.Fatal("expected a tool-not-found result recorded in history")
	}
}

func TestChatWithToolsHitsIterationLimit(t *testing.T) {
	tool := models.Tool{
		Name: "loop",
		Handler: func(tctx models.ToolContext, args map[string]any) (string, error) {
			return "again", nil
		},
	}

	responses := make([]models.Message, 0, MaxToolIterations)
	for i := 0; i < MaxToolIterations; i++ {
		responses = append(responses, models.Message{
			Role:      models.RoleAssistant,
			ToolCalls: []models.ToolCall{{ID: "call", Name: "loop", Arguments: map[string]any{}}},
		})
	}
	mock := NewMockBackend(responses...)
	port := NewPort(mock)

	result := port.ChatWithTools(context.Background(), models.ToolContext{}, "start", []models.Tool{tool}, DefaultChatOptions())
	if result != IterationLimitMessage {
		t.Fatalf("expected iteration-limit message, got %q", result)
	}
}

func TestAutoDetectPrefersPreferredWhenAvailable(t *testing.T) {
	preferred := NewMockBackend()
	preferred.SetAvailable(true)
	fallback := NewMockBackend()
	fallback.SetAvailable(true)

	chosen, err := AutoDetect(context.Background(), preferred, []Backend{fallback})
	if err != nil {
		t.Fatalf("AutoDetect: %v", err)
	}
	if chosen != preferred {
		t.Fatal("expected preferred backend to be chosen")
	}
}

func TestAutoDetectFallsBackWhenPreferredUnavailable(t *testing.T) {
	preferred := NewMockBackend()
	preferred.SetAvailable(false)
	fallback := NewMockBackend()
	fallback.SetAvailable(true)

	chosen, err := AutoDetect(context.Background(), preferred, []Backend{fallback})
	if err != nil {
		t.Fatalf("AutoDetect: %v", err)
	}
	if chosen != fallback {
		t.Fatal("expected fallback backend to be chosen")
	}
}

func TestAutoDetectNoneAvailable(t *testing.T) {
	a := NewMockBackend()
	a.SetAvailable(false)
	b := NewMockBackend()
	b.SetAvailable(false)

	_, err := AutoDetect(context.Background(), nil, []Backend{a, b})
	if err != ErrNoBackendAvailable {
		t.Fatalf("expected ErrNoBackendAvailable, got %v", err)
	}
}
