package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/haasonsaas/grouphub/pkg/models"
)

// HandoffAgent forwards every query it receives to a fixed target agent.
// It keeps no model conversation; its state is empty.
type HandoffAgent struct {
	name   string
	target string
}

// NewHandoffAgent creates an agent that routes all queries to target.
func NewHandoffAgent(name, target string) *HandoffAgent {
	return &HandoffAgent{name: name, target: target}
}

// Name returns the agent's registered name.
func (a *HandoffAgent) Name() string { return a.name }

// Run emits a single final response handing the query to the target agent.
func (a *HandoffAgent) Run(_ context.Context, req *models.AgentRequest, _ []models.Message) <-chan models.AgentEvent {
	events := make(chan models.AgentEvent, 1)
	events <- &models.AgentResponse{
		Text:     fmt.Sprintf("Forwarding to %q.", a.target),
		Final:    true,
		Handoffs: map[string]string{a.target: req.Query},
	}
	close(events)
	return events
}

// SessionScope is a no-op.
func (a *HandoffAgent) SessionScope(context.Context) (func(), error) { return func() {}, nil }

// RequestScope is a no-op.
func (a *HandoffAgent) RequestScope(context.Context, map[string]string) (func(), error) {
	return func() {}, nil
}

// State returns empty state.
func (a *HandoffAgent) State() (json.RawMessage, error) { return json.RawMessage("null"), nil }

// SetState ignores restored state; the agent is stateless.
func (a *HandoffAgent) SetState(json.RawMessage) error { return nil }
