// Package memoryport declares the opaque long-term-memory/RAG boundary
// the Agent consumes. The vector store behind it lives elsewhere; the
// core only depends on this narrow interface.
package memoryport

import "context"

// Memory is the port the agent loop calls into for context retrieval
// and session persistence.
type Memory interface {
	// Add records a turn (role + content) for later retrieval.
	Add(ctx context.Context, sessionID, role, content string) error
	// GetRelevantContext returns context snippets relevant to input,
	// used to augment the user message before the model call.
	GetRelevantContext(ctx context.Context, sessionID, input string) ([]string, error)
	// SaveSession persists the full session state.
	SaveSession(ctx context.Context, sessionID string) error
}

// NoOp is a Memory implementation that does nothing, useful for CLI
// single-shot mode where no persistence is configured.
type NoOp struct{}

var _ Memory = NoOp{}

func (NoOp) Add(context.Context, string, string, string) error { return nil }

func (NoOp) GetRelevantContext(context.Context, string, string) ([]string, error) {
	return nil, nil
}

func (NoOp) SaveSession(context.Context, string) error { return nil }
