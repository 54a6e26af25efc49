// Package providers implements LLM backends for agents and the selector.
//
// Providers expose a small non-streaming completion surface: the hub's agent
// loop consumes whole model turns, forwarding tool calls to the session for
// permission arbitration before execution.
package providers

import (
	"context"
	"encoding/json"
	"time"
)

// Role values for completion messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ToolCall is a model-requested tool invocation.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args"`
}

// CompletionMessage is one turn of a model conversation.
type CompletionMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`

	// ToolCalls is set on assistant turns that requested tools.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID links a tool-role turn to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`

	// ToolName is the name of the tool a tool-role turn answers.
	ToolName string `json:"tool_name,omitempty"`
}

// ToolSpec describes a tool offered to the model.
type ToolSpec struct {
	Name        string
	Description string
	Schema      map[string]any
}

// CompletionRequest is a single model call.
type CompletionRequest struct {
	Model     string
	System    string
	Messages  []CompletionMessage
	Tools     []ToolSpec
	MaxTokens int

	// JSONOnly forces a JSON object response where the backend supports it.
	JSONOnly bool
}

// CompletionResponse is a whole model turn.
type CompletionResponse struct {
	Content   string
	ToolCalls []ToolCall
}

// Provider is a completion backend.
type Provider interface {
	// Name returns the provider identifier used for routing and logging.
	Name() string

	// Complete performs one model call.
	Complete(ctx context.Context, req *CompletionRequest) (*CompletionResponse, error)
}

// BaseProvider holds shared retry configuration for LLM providers.
type BaseProvider struct {
	name       string
	maxRetries int
	retryDelay time.Duration
}

// NewBaseProvider creates a base provider with sane defaults.
func NewBaseProvider(name string, maxRetries int, retryDelay time.Duration) BaseProvider {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	if retryDelay <= 0 {
		retryDelay = time.Second
	}
	return BaseProvider{name: name, maxRetries: maxRetries, retryDelay: retryDelay}
}

// Retry executes op with linear backoff if isRetryable returns true.
func (b *BaseProvider) Retry(ctx context.Context, isRetryable func(error) bool, op func() error) error {
	if op == nil {
		return nil
	}
	var lastErr error
	for attempt := 1; attempt <= b.maxRetries; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := op()
		if err == nil {
			return nil
		}
		lastErr = err
		if isRetryable == nil || !isRetryable(err) {
			return err
		}
		if attempt >= b.maxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.retryDelay * time.Duration(attempt)):
		}
	}
	return lastErr
}
