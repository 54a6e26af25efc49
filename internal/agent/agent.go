// Package agent defines the agent contract the hub dispatches work to, the
// default LLM-backed agent with its tool-calling loop, and the registry that
// hydrates agents from persisted configuration.
package agent

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/grouphub/pkg/models"
)

// Agent is a named responder producing a stream of events in reply to an
// AgentRequest. Implementations are driven by a single worker goroutine per
// session; they do not need to be safe for concurrent runs.
type Agent interface {
	// Name returns the agent's registered name.
	Name() string

	// Run processes the request and streams events on the returned channel,
	// closing it when the run completes. Events are AgentResponses,
	// PermissionRequests, and FeedbackRequests; the caller must answer
	// request events before the stream continues. Updates are messages the
	// agent observed since its last run; context threads travel on the
	// request. Internal failures surface as a final error AgentResponse,
	// never as a panic.
	Run(ctx context.Context, req *models.AgentRequest, updates []models.Message) <-chan models.AgentEvent

	// SessionScope acquires per-session resources. The returned release
	// function is called when the owning worker shuts down.
	SessionScope(ctx context.Context) (release func(), err error)

	// RequestScope acquires per-request resources parameterized by the
	// sender's secrets (tool-server credential substitution). The returned
	// release function is called after the run's event stream closes.
	RequestScope(ctx context.Context, secrets map[string]string) (release func(), err error)

	// State returns the agent's opaque serialized conversation state.
	State() (json.RawMessage, error)

	// SetState restores previously serialized state.
	SetState(state json.RawMessage) error
}

// Registry is a named catalog of agent configurations that produces Agent
// instances on demand.
type Registry interface {
	// CreateAgent hydrates a new Agent for the given name.
	CreateAgent(ctx context.Context, name string) (Agent, error)

	// RegisteredNames returns the set of registered agent names.
	RegisteredNames(ctx context.Context) (map[string]struct{}, error)

	// Catalog renders the registered agents as a textual listing for the
	// selector's model context.
	Catalog(ctx context.Context) (string, error)
}
