package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/haasonsaas/grouphub/internal/agent/providers"
	"github.com/haasonsaas/grouphub/internal/tools"
	"github.com/haasonsaas/grouphub/pkg/models"
)

const (
	// feedbackToolName is the reserved tool an agent calls to ask its user a
	// question mid-run. It is answered through the session's request channel.
	feedbackToolName = "ask_user"

	// handoffToolName is the reserved tool an agent calls to route a
	// follow-up query to another agent after its own response is delivered.
	handoffToolName = "handoff"

	defaultMaxIterations = 10
)

// Settings configures a DefaultAgent.
type Settings struct {
	// Instructions is the agent's system prompt.
	Instructions string

	// Model overrides the provider's default model when non-empty.
	Model string

	// MaxTokens bounds each model turn; 0 uses the provider default.
	MaxTokens int

	// MaxIterations bounds the tool-calling loop per request.
	MaxIterations int

	// Tools are the hydrated tools this agent may call.
	Tools []tools.Tool

	// Servers are tool-server configs; their string values undergo ${NAME}
	// substitution from the sender's secrets at request scope.
	Servers []ServerConfig

	// AskUser exposes the ask_user feedback tool.
	AskUser bool

	// Handoffs lists agent names this agent may hand follow-up queries to.
	Handoffs []string
}

// ServerConfig is a named tool-server configuration.
type ServerConfig struct {
	Name   string         `yaml:"name" json:"name"`
	Config map[string]any `yaml:"config" json:"config"`
}

// DefaultAgent is the standard LLM-backed agent. Each run drives a
// tool-calling loop against its provider; tool calls are forwarded to the
// session as PermissionRequests before execution, and the reserved ask_user
// tool turns into a FeedbackRequest.
type DefaultAgent struct {
	name     string
	settings Settings
	provider providers.Provider
	logger   *slog.Logger

	// history accumulates across runs within a session; it is the agent's
	// opaque persisted state. The run goroutine appends while checkpoints
	// read it, so access goes through historyMu.
	historyMu sync.Mutex
	history   []providers.CompletionMessage

	// serverConfigs holds the ${NAME}-resolved configs for the request in
	// flight. Only the worker goroutine touches it.
	serverConfigs map[string]map[string]any
}

// NewDefaultAgent creates an agent with the given provider and settings.
func NewDefaultAgent(name string, provider providers.Provider, settings Settings, logger *slog.Logger) *DefaultAgent {
	if logger == nil {
		logger = slog.Default()
	}
	return &DefaultAgent{
		name:     name,
		settings: settings,
		provider: provider,
		logger:   logger.With("agent", name),
	}
}

// Name returns the agent's registered name.
func (a *DefaultAgent) Name() string { return a.name }

// SessionScope is a no-op for the default agent.
func (a *DefaultAgent) SessionScope(context.Context) (func(), error) {
	return func() {}, nil
}

// RequestScope resolves the agent's tool-server configs against the sender's
// secrets merged over the process environment.
func (a *DefaultAgent) RequestScope(_ context.Context, secrets map[string]string) (func(), error) {
	values := tools.MergedValues(secrets)
	resolved := make(map[string]map[string]any, len(a.settings.Servers))
	for _, server := range a.settings.Servers {
		resolved[server.Name] = tools.ResolveConfig(server.Config, values)
	}
	a.serverConfigs = resolved
	return func() { a.serverConfigs = nil }, nil
}

// State returns the agent's conversation history as opaque JSON. Safe to
// call while a run is in flight.
func (a *DefaultAgent) State() (json.RawMessage, error) {
	a.historyMu.Lock()
	defer a.historyMu.Unlock()
	return json.Marshal(a.history)
}

// SetState restores the conversation history.
func (a *DefaultAgent) SetState(state json.RawMessage) error {
	if len(state) == 0 {
		a.historyMu.Lock()
		a.history = nil
		a.historyMu.Unlock()
		return nil
	}
	var history []providers.CompletionMessage
	if err := json.Unmarshal(state, &history); err != nil {
		return fmt.Errorf("agent %s: restore state: %w", a.name, err)
	}
	a.historyMu.Lock()
	a.history = history
	a.historyMu.Unlock()
	return nil
}

func (a *DefaultAgent) appendHistory(msg providers.CompletionMessage) {
	a.historyMu.Lock()
	a.history = append(a.history, msg)
	a.historyMu.Unlock()
}

func (a *DefaultAgent) historySnapshot() []providers.CompletionMessage {
	a.historyMu.Lock()
	defer a.historyMu.Unlock()
	out := make([]providers.CompletionMessage, len(a.history))
	copy(out, a.history)
	return out
}

// Run processes the request and streams events until the run completes.
func (a *DefaultAgent) Run(ctx context.Context, req *models.AgentRequest, updates []models.Message) <-chan models.AgentEvent {
	events := make(chan models.AgentEvent)
	go func() {
		defer close(events)
		a.run(ctx, req, updates, events)
	}()
	return events
}

func (a *DefaultAgent) run(ctx context.Context, req *models.AgentRequest, updates []models.Message, events chan<- models.AgentEvent) {
	a.appendHistory(providers.CompletionMessage{
		Role:    providers.RoleUser,
		Content: formatInput(req, a.name, updates),
	})

	handoffs := make(map[string]string)
	maxIterations := a.settings.MaxIterations
	if maxIterations <= 0 {
		maxIterations = defaultMaxIterations
	}

	for iteration := 0; iteration < maxIterations; iteration++ {
		resp, err := a.provider.Complete(ctx, &providers.CompletionRequest{
			Model:     a.settings.Model,
			System:    a.settings.Instructions,
			Messages:  a.historySnapshot(),
			Tools:     a.toolSpecs(),
			MaxTokens: a.settings.MaxTokens,
		})
		if err != nil {
			a.logger.Error("model call failed", "error", err)
			events <- &models.AgentResponse{Text: fmt.Sprintf("Error: %v", err), Final: true}
			return
		}

		a.appendHistory(providers.CompletionMessage{
			Role:      providers.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		if len(resp.ToolCalls) == 0 {
			events <- &models.AgentResponse{Text: resp.Content, Final: true, Handoffs: handoffs}
			return
		}

		for _, call := range resp.ToolCalls {
			result, err := a.dispatchToolCall(ctx, call, handoffs, events)
			if err != nil {
				a.logger.Error("tool call aborted", "tool", call.Name, "error", err)
				events <- &models.AgentResponse{Text: fmt.Sprintf("Error: %v", err), Final: true}
				return
			}
			a.appendHistory(providers.CompletionMessage{
				Role:       providers.RoleTool,
				Content:    result,
				ToolCallID: call.ID,
				ToolName:   call.Name,
			})
		}
	}

	a.logger.Warn("tool loop exhausted", "max_iterations", maxIterations)
	events <- &models.AgentResponse{
		Text:     fmt.Sprintf("Stopped after %d tool iterations without a final answer.", maxIterations),
		Final:    true,
		Handoffs: handoffs,
	}
}

// dispatchToolCall executes one model-requested tool call. Reserved tools
// (ask_user, handoff) are handled inline; everything else requires a
// permission grant collected through the event stream.
func (a *DefaultAgent) dispatchToolCall(ctx context.Context, call providers.ToolCall, handoffs map[string]string, events chan<- models.AgentEvent) (string, error) {
	args := make(map[string]any)
	if len(call.Args) > 0 {
		if err := json.Unmarshal(call.Args, &args); err != nil {
			return fmt.Sprintf("Invalid arguments for tool %q: %v", call.Name, err), nil
		}
	}

	switch call.Name {
	case feedbackToolName:
		question, _ := args["question"].(string)
		request := models.NewFeedbackRequest(question)
		events <- request
		answer, err := request.Response(ctx)
		if err != nil {
			return "", err
		}
		return answer, nil

	case handoffToolName:
		target, _ := args["agent"].(string)
		query, _ := args["query"].(string)
		if target == "" || query == "" {
			return "Handoff requires both an agent and a query.", nil
		}
		handoffs[target] = query
		return fmt.Sprintf("Handoff to %q recorded; it runs after your final response.", target), nil
	}

	tool, ok := a.lookupTool(call.Name)
	if !ok {
		return fmt.Sprintf("Unknown tool %q.", call.Name), nil
	}

	request := models.NewPermissionRequest(call.Name, nil, args)
	events <- request
	level, err := request.Response(ctx)
	if err != nil {
		return "", err
	}
	if !level.Granted() {
		return fmt.Sprintf("Permission to call %q was denied by the user.", call.Name), nil
	}

	result, err := tool.Execute(tools.WithServerConfigs(ctx, a.serverConfigs), args)
	if err != nil {
		a.logger.Warn("tool execution failed", "tool", call.Name, "error", err)
		return fmt.Sprintf("Tool %q failed: %v", call.Name, err), nil
	}
	return result, nil
}

func (a *DefaultAgent) lookupTool(name string) (tools.Tool, bool) {
	for _, tool := range a.settings.Tools {
		if tool.Name() == name {
			return tool, true
		}
	}
	return nil, false
}

// toolSpecs renders the agent's tool surface for the model, including the
// reserved feedback and handoff tools where configured.
func (a *DefaultAgent) toolSpecs() []providers.ToolSpec {
	specs := make([]providers.ToolSpec, 0, len(a.settings.Tools)+2)
	for _, tool := range a.settings.Tools {
		specs = append(specs, providers.ToolSpec{
			Name:        tool.Name(),
			Description: tool.Description(),
			Schema:      tool.Schema(),
		})
	}
	if a.settings.AskUser {
		specs = append(specs, providers.ToolSpec{
			Name:        feedbackToolName,
			Description: "Ask the user a clarifying question and wait for their answer.",
			Schema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"question": map[string]any{"type": "string"}},
				"required":   []string{"question"},
			},
		})
	}
	if len(a.settings.Handoffs) > 0 {
		specs = append(specs, providers.ToolSpec{
			Name:        handoffToolName,
			Description: "Route a follow-up query to another agent after your final response.",
			Schema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"agent": map[string]any{"type": "string", "enum": a.settings.Handoffs},
					"query": map[string]any{"type": "string"},
				},
				"required": []string{"agent", "query"},
			},
		})
	}
	return specs
}
