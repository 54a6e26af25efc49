package providers

import (
	"encoding/json"
	"testing"

	openai "github.com/sashabaranov/go-openai"
)

func testOpenAIProvider(t *testing.T) *OpenAIProvider {
	t.Helper()
	p, err := NewOpenAIProvider(OpenAIConfig{APIKey: "test-key"})
	if err != nil {
		t.Fatalf("NewOpenAIProvider() error = %v", err)
	}
	return p
}

func TestConvertMessagesPlacesSystemFirst(t *testing.T) {
	p := testOpenAIProvider(t)
	req := &CompletionRequest{
		System: "be brief",
		Messages: []CompletionMessage{
			{Role: RoleUser, Content: "hi"},
		},
	}
	converted := p.convertMessages(req)
	if len(converted) != 2 {
		t.Fatalf("len = %d, want 2", len(converted))
	}
	if converted[0].Role != openai.ChatMessageRoleSystem || converted[0].Content != "be brief" {
		t.Fatalf("first message = %+v, want system prompt", converted[0])
	}
	if converted[1].Role != openai.ChatMessageRoleUser {
		t.Fatalf("second message role = %q", converted[1].Role)
	}
}

func TestConvertMessagesCarriesToolCallsAndResults(t *testing.T) {
	p := testOpenAIProvider(t)
	req := &CompletionRequest{
		Messages: []CompletionMessage{
			{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "c1", Name: "fetch", Args: json.RawMessage(`{"url":"x"}`)}}},
			{Role: RoleTool, ToolCallID: "c1", Content: "result"},
		},
	}
	converted := p.convertMessages(req)
	if len(converted) != 2 {
		t.Fatalf("len = %d, want 2", len(converted))
	}
	if len(converted[0].ToolCalls) != 1 || converted[0].ToolCalls[0].Function.Name != "fetch" {
		t.Fatalf("tool call not carried: %+v", converted[0])
	}
	if converted[1].Role != openai.ChatMessageRoleTool || converted[1].ToolCallID != "c1" {
		t.Fatalf("tool result not linked: %+v", converted[1])
	}
}

func TestConvertToolsBuildsFunctionDefinitions(t *testing.T) {
	p := testOpenAIProvider(t)
	converted := p.convertTools([]ToolSpec{{
		Name:        "fetch",
		Description: "fetch a URL",
		Schema:      map[string]any{"type": "object"},
	}})
	if len(converted) != 1 {
		t.Fatalf("len = %d, want 1", len(converted))
	}
	if converted[0].Function.Name != "fetch" || converted[0].Type != openai.ToolTypeFunction {
		t.Fatalf("unexpected tool conversion: %+v", converted[0])
	}
}
