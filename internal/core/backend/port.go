// Package backend abstracts the local language-model runtime a core
// process talks to. Every variant (OpenAI-compatible server, Ollama, MLX,
// Mock) implements the same narrow Backend interface; the
// tool-execution loop that turns a single chat call into a multi-round
// agent exchange is shared across all of them.
package backend

import (
	"context"
	"fmt"

	"github.com/haasonsaas/r-core/internal/core/models"
)

// ChatOptions carries the sampling parameters every variant accepts.
type ChatOptions struct {
	Temperature float64
	MaxTokens   int
}

// DefaultChatOptions is the sampling configuration used absent an
// explicit override.
func DefaultChatOptions() ChatOptions {
	return ChatOptions{Temperature: 0.7, MaxTokens: 4096}
}

// Backend is the minimal surface a runtime variant must provide. It never
// mutates caller state: Port owns the conversation history and appends
// what Chat/ChatStream return.
type Backend interface {
	// Name identifies the variant for status reporting and logging.
	Name() string
	// IsAvailable probes whether the backend can currently serve
	// requests. Implementations must return quickly (a few seconds at
	// most) and never panic — detection treats any failure as "no".
	IsAvailable(ctx context.Context) bool
	// ListModels enumerates models the backend can currently serve.
	ListModels(ctx context.Context) ([]string, error)
	// Chat sends the full message history plus available tools and
	// returns the assistant's reply. Transport or decode failures are
	// reported via err; Port converts those into a user-visible
	// "Error: ..." message rather than propagating a Go error to the
	// agent loop.
	Chat(ctx context.Context, history []models.Message, tools []models.Tool, opts ChatOptions) (models.Message, error)
	// ChatStream is the incremental counterpart to Chat. It sends
	// content chunks on the returned channel and closes it once the
	// response is complete or failed. A backend with no native
	// streaming support may implement this by yielding the whole
	// response in one chunk.
	ChatStream(ctx context.Context, history []models.Message, tools []models.Tool, opts ChatOptions) (<-chan string, error)
}

// MaxToolIterations bounds the model↔tool rounds of one ChatWithTools
// call.
const MaxToolIterations = 10

// IterationLimitMessage is returned verbatim when ChatWithTools
// exhausts MaxToolIterations without the model producing a final
// answer.
const IterationLimitMessage = "Reached the tool iteration limit without a final answer."

// Port wraps a Backend with the conversation history and the
// tool-execution loop every variant shares.
type Port struct {
	Backend Backend
	History *models.ChatHistory
}

// NewPort returns a Port over b with a fresh, empty history.
func NewPort(b Backend) *Port {
	return &Port{Backend: b, History: models.NewChatHistory()}
}

// Chat appends message (if non-empty) to the history, calls the backend,
// and appends+returns its reply. Backend errors are folded into an
// "Error: ..." assistant message rather than returned, so callers never
// need a second error-handling path for transport failures.
func (p *Port) Chat(ctx context.Context, message string, tools []models.Tool, opts ChatOptions) models.Message {
	if message != "" {
		p.History.Append(models.Message{Role: models.RoleUser, Content: message})
	}

	reply, err := p.Backend.Chat(ctx, p.History.Messages(), tools, opts)
	if err != nil {
		reply = models.Message{Role: models.RoleAssistant, Content: fmt.Sprintf("Error: %v", err)}
	}
	p.History.Append(reply)
	return reply
}

// ChatStream is the streaming counterpart to Chat; it appends the user
// message up front and the accumulated assistant reply once the returned
// channel closes.
func (p *Port) ChatStream(ctx context.Context, message string, tools []models.Tool, opts ChatOptions) <-chan string {
	if message != "" {
		p.History.Append(models.Message{Role: models.RoleUser, Content: message})
	}

	upstream, err := p.Backend.ChatStream(ctx, p.History.Messages(), tools, opts)
	out := make(chan string)
	if err != nil {
		go func() {
			defer close(out)
			out <- fmt.Sprintf("Error: %v", err)
			p.History.Append(models.Message{Role: models.RoleAssistant, Content: fmt.Sprintf("Error: %v", err)})
		}()
		return out
	}

	go func() {
		defer close(out)
		var full string
		for chunk := range upstream {
			full += chunk
			select {
			case out <- chunk:
			case <-ctx.Done():
				// Consumer went away; record what was generated so far
				// and stop delivering.
				p.History.Append(models.Message{Role: models.RoleAssistant, Content: full})
				return
			}
		}
		p.History.Append(models.Message{Role: models.RoleAssistant, Content: full})
	}()
	return out
}

// ExecuteTools runs each call against the matching tool's Handler, in
// order, and appends a tool-role message per result to the history.
// A call naming a tool absent from tools yields a "tool not found"
// result rather than an error, so the model can recover.
func (p *Port) ExecuteTools(tctx models.ToolContext, calls []models.ToolCall, tools []models.Tool) []models.Message {
	byName := make(map[string]models.Tool, len(tools))
	for _, t := range tools {
		byName[t.Name] = t
	}

	results := make([]models.Message, 0, len(calls))
	for _, call := range calls {
		var content string
		if tool, ok := byName[call.Name]; ok {
			out, err := tool.Handler(tctx, call.Arguments)
			if err != nil {
				content = fmt.Sprintf("Error: %v", err)
			} else {
				content = out
			}
		} else {
			content = fmt.Sprintf("Tool not found: %s", call.Name)
		}

		msg := models.Message{Role: models.RoleTool, Content: content, ToolCallID: call.ID}
		results = append(results, msg)
		p.History.Append(msg)
	}
	return results
}

// ChatWithTools runs the iterate-until-final-answer loop: call Chat, and
// if the reply carries tool calls, execute them and loop with an empty
// user message (the next round resends the full history, now ending
// with the tool results); otherwise return its content.
func (p *Port) ChatWithTools(ctx context.Context, tctx models.ToolContext, message string, tools []models.Tool, opts ChatOptions) string {
	for iteration := 1; iteration <= MaxToolIterations; iteration++ {
		input := ""
		if iteration == 1 {
			input = message
		}

		reply := p.Chat(ctx, input, tools, opts)
		if len(reply.ToolCalls) == 0 {
			return reply.Content
		}
		p.ExecuteTools(tctx, reply.ToolCalls, tools)
	}
	return IterationLimitMessage
}
