package agent

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/haasonsaas/r-core/internal/core/backend"
	"github.com/haasonsaas/r-core/internal/core/memoryport"
	"github.com/haasonsaas/r-core/internal/core/models"
)

// SkillFactory builds a models.Skill, failing if the skill's
// dependencies or configuration are unavailable.
type SkillFactory func() (models.Skill, error)

// LoadResult reports what happened when loading one candidate skill.
type LoadResult struct {
	Name string
	Err  error // nil on success
}

// LoadSkills instantiates each factory and registers the ones that
// succeed, recording a LoadResult for every attempt (success or
// failure) instead of aborting on the first error: one broken skill
// must not take down the rest.
func (r *Registry) LoadSkills(factories []SkillFactory) []LoadResult {
	results := make([]LoadResult, 0, len(factories))
	for _, factory := range factories {
		skill, err := factory()
		if err != nil {
			results = append(results, LoadResult{Err: err})
			continue
		}
		r.Register(skill)
		results = append(results, LoadResult{Name: skill.Name})
	}
	return results
}

// LoadEnabled instantiates only the named factories present in the
// enabled set; an empty set enables everything. Skipped skills produce
// no LoadResult — they were never attempted.
func (r *Registry) LoadEnabled(factories map[string]SkillFactory, enabled []string) []LoadResult {
	enabledSet := make(map[string]bool, len(enabled))
	for _, name := range enabled {
		enabledSet[name] = true
	}

	// Sorted iteration keeps load order and result order stable.
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)

	results := make([]LoadResult, 0, len(names))
	for _, name := range names {
		if len(enabledSet) > 0 && !enabledSet[name] {
			continue
		}
		skill, err := factories[name]()
		if err != nil {
			results = append(results, LoadResult{Name: name, Err: err})
			continue
		}
		r.Register(skill)
		results = append(results, LoadResult{Name: skill.Name})
	}
	return results
}

// Config controls an Agent's tool-selection and iteration behavior.
type Config struct {
	SystemPrompt string
	SmartTools   bool // filter tools by relevance before each call
	MaxTools     int
}

// DefaultConfig enables smart tool filtering, capped at
// DefaultMaxTools.
func DefaultConfig() Config {
	return Config{SmartTools: true, MaxTools: DefaultMaxTools}
}

// Agent orchestrates a backend.Port, a skill Registry, and a
// memoryport.Memory into the run/run_stream entry points a caller uses.
type Agent struct {
	port      *backend.Port
	registry  *Registry
	memory    memoryport.Memory
	cfg       Config
	sessionID string
	logger    *slog.Logger
}

// New wires an Agent from its dependencies. sessionID scopes all
// memory reads/writes to one conversation. logger may be nil.
func New(port *backend.Port, registry *Registry, memory memoryport.Memory, cfg Config, sessionID string, logger *slog.Logger) *Agent {
	if registry == nil {
		registry = NewRegistry()
	}
	if memory == nil {
		memory = memoryport.NoOp{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxTools <= 0 {
		cfg.MaxTools = DefaultMaxTools
	}
	if cfg.SystemPrompt != "" {
		port.History.SetSystemPrompt(cfg.SystemPrompt)
	}
	return &Agent{
		port:      port,
		registry:  registry,
		memory:    memory,
		cfg:       cfg,
		sessionID: sessionID,
		logger:    logger.With("component", "agent"),
	}
}

// rememberTurn records one turn in memory. Persistence failures are
// logged, never fatal.
func (a *Agent) rememberTurn(ctx context.Context, role, content string) {
	if err := a.memory.Add(ctx, a.sessionID, role, content); err != nil {
		a.logger.Warn("memory add failed", "session_id", a.sessionID, "role", role, "error", err)
	}
}

func (a *Agent) persistSession(ctx context.Context) {
	if err := a.memory.SaveSession(ctx, a.sessionID); err != nil {
		a.logger.Warn("session save failed", "session_id", a.sessionID, "error", err)
	}
}

// augment appends any memory-retrieved context to userInput as a
// trailing "[Available context]" block.
func (a *Agent) augment(ctx context.Context, userInput string) string {
	snippets, err := a.memory.GetRelevantContext(ctx, a.sessionID, userInput)
	if err != nil {
		a.logger.Warn("memory context retrieval failed", "session_id", a.sessionID, "error", err)
		return userInput
	}
	if len(snippets) == 0 {
		return userInput
	}
	out := userInput + "\n\n[Available context]\n"
	for i, s := range snippets {
		if i > 0 {
			out += "\n"
		}
		out += s
	}
	return out
}

// Run processes one user turn to completion and returns the agent's
// reply. When the registry holds tools, it runs the tool-execution loop
// (using relevance-filtered tools if cfg.SmartTools is set); otherwise it
// falls back to a plain chat call.
func (a *Agent) Run(ctx context.Context, tctx models.ToolContext, userInput string) string {
	a.rememberTurn(ctx, "user", userInput)

	augmented := a.augment(ctx, userInput)

	var reply string
	allTools := a.registry.Tools()
	if len(allTools) > 0 {
		toolsToUse := allTools
		if a.cfg.SmartTools {
			toolsToUse = a.registry.RelevantTools(userInput, a.cfg.MaxTools)
		}
		reply = a.port.ChatWithTools(ctx, tctx, augmented, toolsToUse, backend.DefaultChatOptions())
	} else {
		reply = a.port.Chat(ctx, augmented, nil, backend.DefaultChatOptions()).Content
	}

	a.rememberTurn(ctx, "assistant", reply)
	a.persistSession(ctx)

	return reply
}

// RunStream processes one user turn with incremental delivery.
// Streaming never carries tools; callers needing tool use should use
// Run.
func (a *Agent) RunStream(ctx context.Context, userInput string) <-chan string {
	a.rememberTurn(ctx, "user", userInput)
	augmented := a.augment(ctx, userInput)

	upstream := a.port.ChatStream(ctx, augmented, nil, backend.DefaultChatOptions())
	out := make(chan string)
	go func() {
		defer close(out)
		var full string
		for chunk := range upstream {
			full += chunk
			select {
			case out <- chunk:
			case <-ctx.Done():
				return
			}
		}
		a.rememberTurn(ctx, "assistant", full)
		a.persistSession(ctx)
	}()
	return out
}

// RunSkillDirectly invokes a registered skill's tool by name without
// going through the model, for direct CLI commands (e.g. `r-core call
// <skill> <tool>`). It returns an error if the tool is not registered.
func (a *Agent) RunSkillDirectly(tctx models.ToolContext, toolName string, args map[string]any) (string, error) {
	for _, t := range a.registry.Tools() {
		if t.Name == toolName {
			return t.Handler(tctx, args)
		}
	}
	return "", fmt.Errorf("tool not found: %s", toolName)
}
