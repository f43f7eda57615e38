package backend

import (
	"context"
	"encoding/json"
	"errors"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/r-core/internal/core/models"
)

// OpenAICompatBackend talks to any server exposing the OpenAI chat
// completions API: LM Studio, vLLM, LocalAI, text-generation-webui's
// openai extension.
type OpenAICompatBackend struct {
	client *openai.Client
	model  string
}

// NewOpenAICompatBackend points at baseURL (e.g. http://localhost:1234/v1).
// apiKey may be empty; most local servers ignore it.
func NewOpenAICompatBackend(baseURL, apiKey, model string) *OpenAICompatBackend {
	if apiKey == "" {
		apiKey = "not-needed"
	}
	cfg := openai.DefaultConfig(apiKey)
	cfg.BaseURL = baseURL
	return &OpenAICompatBackend{client: openai.NewClientWithConfig(cfg), model: model}
}

func (b *OpenAICompatBackend) Name() string { return "openai-compatible" }

func (b *OpenAICompatBackend) IsAvailable(ctx context.Context) bool {
	_, err := b.client.ListModels(ctx)
	return err == nil
}

func (b *OpenAICompatBackend) ListModels(ctx context.Context) ([]string, error) {
	list, err := b.client.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, 0, len(list.Models))
	for _, m := range list.Models {
		out = append(out, m.ID)
	}
	return out, nil
}

func (b *OpenAICompatBackend) Chat(ctx context.Context, history []models.Message, tools []models.Tool, opts ChatOptions) (models.Message, error) {
	req := openai.ChatCompletionRequest{
		Model:       b.model,
		Messages:    toOpenAIMessages(history),
		Temperature: float32(opts.Temperature),
		MaxTokens:   opts.MaxTokens,
	}
	if len(tools) > 0 {
		req.Tools = toOpenAITools(tools)
		req.ToolChoice = "auto"
	}

	resp, err := b.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return models.Message{}, err
	}
	if len(resp.Choices) == 0 {
		return models.Message{}, errors.New("openai-compatible server returned no choices")
	}
	return fromOpenAIMessage(resp.Choices[0].Message), nil
}

func (b *OpenAICompatBackend) ChatStream(ctx context.Context, history []models.Message, tools []models.Tool, opts ChatOptions) (<-chan string, error) {
	req := openai.ChatCompletionRequest{
		Model:       b.model,
		Messages:    toOpenAIMessages(history),
		Temperature: float32(opts.Temperature),
		MaxTokens:   opts.MaxTokens,
		Stream:      true,
	}
	if len(tools) > 0 {
		req.Tools = toOpenAITools(tools)
		req.ToolChoice = "auto"
	}

	stream, err := b.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, err
	}

	out := make(chan string)
	go func() {
		defer close(out)
		defer stream.Close()
		for {
			chunk, err := stream.Recv()
			if err != nil {
				return
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			if content := chunk.Choices[0].Delta.Content; content != "" {
				out <- content
			}
		}
	}()
	return out, nil
}

func toOpenAIMessages(history []models.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(history))
	for _, m := range history {
		oaiMsg := openai.ChatCompletionMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			args, err := tc.MarshalArguments()
			if err != nil {
				args = "{}"
			}
			oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: args,
				},
			})
		}
		out = append(out, oaiMsg)
	}
	return out
}

func toOpenAITools(tools []models.Tool) []openai.Tool {
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}
	return out
}

func fromOpenAIMessage(m openai.ChatCompletionMessage) models.Message {
	out := models.Message{Role: models.RoleAssistant, Content: m.Content}
	for _, tc := range m.ToolCalls {
		var args map[string]any
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
			args = map[string]any{}
		}
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: args,
		})
	}
	return out
}
