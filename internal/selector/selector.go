// Package selector implements the LLM-backed router that decides which
// registered agent, if any, should answer an unaddressed user message.
package selector

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/haasonsaas/grouphub/internal/agent"
	"github.com/haasonsaas/grouphub/internal/agent/providers"
	"github.com/haasonsaas/grouphub/pkg/models"
)

// DefaultInstructions is the selector's default system prompt.
const DefaultInstructions = `You route messages in a group conversation to registered agents.

For every message, decide whether one of the registered agents should be
invited to answer. Only propose an agent when the message clearly calls for
that agent's capabilities; social chatter, replies addressed to other humans,
and messages already being handled need no agent.

Respond with a JSON object:
{"agent_name": <string or null>, "query": <string or null>, "reasoning": <string or null>}

agent_name must be one of the registered agent names or null. query is the
self-contained task for the agent, rephrased from the conversation so the
agent needs no further context. When no agent should run, set both to null.`

// catalogToolName labels the synthetic tool exchange that seeds the agents
// catalog into the model history.
const catalogToolName = "get_registered_agents"

// Selection is the selector's parsed output.
type Selection struct {
	AgentName string `json:"agent_name"`
	Query     string `json:"query"`
	Reasoning string `json:"reasoning,omitempty"`
}

// Settings configures a Selector.
type Settings struct {
	Instructions string
	Model        string
	MaxTokens    int
}

// Selector is a stateful LLM router. Its conversation history accumulates
// across turns and round-trips through the session document as opaque bytes.
type Selector struct {
	registry agent.Registry
	provider providers.Provider
	settings Settings
	logger   *slog.Logger

	mu      sync.Mutex
	history []providers.CompletionMessage
}

// New creates a selector over the given registry and provider.
func New(registry agent.Registry, provider providers.Provider, settings Settings, logger *slog.Logger) *Selector {
	if settings.Instructions == "" {
		settings.Instructions = DefaultInstructions
	}
	if settings.MaxTokens <= 0 {
		settings.MaxTokens = 1024
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{registry: registry, provider: provider, settings: settings, logger: logger}
}

// Add injects a message into the history without producing a selection.
// Used for messages that are intrinsically not up for routing.
func (s *Selector) Add(ctx context.Context, msg models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.seedLocked(ctx); err != nil {
		return err
	}
	s.history = append(s.history, providers.CompletionMessage{
		Role:    providers.RoleUser,
		Content: formatMessage(msg),
	})
	// Close the turn with an empty routing result so the model sees that no
	// selection happened for this message.
	s.appendResultLocked(Selection{})
	return nil
}

// Run appends the message, asks the model, records its output in the history,
// and returns the parsed selection.
func (s *Selector) Run(ctx context.Context, msg models.Message) (Selection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.seedLocked(ctx); err != nil {
		return Selection{}, err
	}
	s.history = append(s.history, providers.CompletionMessage{
		Role:    providers.RoleUser,
		Content: formatMessage(msg),
	})

	resp, err := s.provider.Complete(ctx, &providers.CompletionRequest{
		Model:     s.settings.Model,
		Messages:  s.history,
		MaxTokens: s.settings.MaxTokens,
		JSONOnly:  true,
	})
	if err != nil {
		return Selection{}, fmt.Errorf("selector: model call failed: %w", err)
	}

	s.history = append(s.history, providers.CompletionMessage{
		Role:    providers.RoleAssistant,
		Content: resp.Content,
	})

	selection, err := parseSelection(resp.Content)
	if err != nil {
		s.logger.Warn("unparseable selection", "error", err, "content", resp.Content)
		return Selection{}, nil
	}
	return selection, nil
}

// seedLocked initializes an empty history with the system instructions and a
// synthetic tool-return carrying the current agents catalog.
func (s *Selector) seedLocked(ctx context.Context) error {
	if len(s.history) > 0 {
		return nil
	}
	catalog, err := s.registry.Catalog(ctx)
	if err != nil {
		return fmt.Errorf("selector: load agents catalog: %w", err)
	}
	s.history = append(s.history,
		providers.CompletionMessage{Role: providers.RoleSystem, Content: s.settings.Instructions},
		providers.CompletionMessage{
			Role:      providers.RoleAssistant,
			ToolCalls: []providers.ToolCall{{ID: "catalog-0", Name: catalogToolName, Args: json.RawMessage(`{}`)}},
		},
		providers.CompletionMessage{
			Role:       providers.RoleTool,
			Content:    catalog,
			ToolCallID: "catalog-0",
			ToolName:   catalogToolName,
		},
	)
	return nil
}

func (s *Selector) appendResultLocked(selection Selection) {
	encoded, err := json.Marshal(selection)
	if err != nil {
		encoded = []byte(`{"agent_name":null,"query":null}`)
	}
	s.history = append(s.history, providers.CompletionMessage{
		Role:    providers.RoleAssistant,
		Content: string(encoded),
	})
}

// State returns the serialized selector history.
func (s *Selector) State() (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return json.Marshal(s.history)
}

// SetState restores a serialized history.
func (s *Selector) SetState(state json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(state) == 0 {
		s.history = nil
		return nil
	}
	var history []providers.CompletionMessage
	if err := json.Unmarshal(state, &history); err != nil {
		return fmt.Errorf("selector: restore state: %w", err)
	}
	s.history = history
	return nil
}

// parseSelection decodes the model's JSON output, tolerating surrounding
// prose and JSON nulls.
func parseSelection(content string) (Selection, error) {
	content = strings.TrimSpace(content)
	start := strings.IndexByte(content, '{')
	end := strings.LastIndexByte(content, '}')
	if start < 0 || end <= start {
		return Selection{}, fmt.Errorf("no JSON object in %q", content)
	}
	var raw struct {
		AgentName *string `json:"agent_name"`
		Query     *string `json:"query"`
		Reasoning *string `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(content[start:end+1]), &raw); err != nil {
		return Selection{}, err
	}
	var selection Selection
	if raw.AgentName != nil {
		selection.AgentName = *raw.AgentName
	}
	if raw.Query != nil {
		selection.Query = *raw.Query
	}
	if raw.Reasoning != nil {
		selection.Reasoning = *raw.Reasoning
	}
	return selection, nil
}

func formatMessage(msg models.Message) string {
	return fmt.Sprintf("<message sender=%q receiver=%q>\n%s\n</message>", msg.Sender, msg.Receiver, msg.Text)
}
