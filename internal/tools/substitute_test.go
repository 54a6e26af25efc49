package tools

import (
	"context"
	"testing"
)

func TestResolveConfigSubstitutesValues(t *testing.T) {
	config := map[string]any{
		"token":   "Bearer ${GITHUB_TOKEN}",
		"url":     "https://api.example.com",
		"retries": 3,
	}
	values := map[string]string{"GITHUB_TOKEN": "abc123"}

	resolved := ResolveConfig(config, values)

	if got := resolved["token"]; got != "Bearer abc123" {
		t.Fatalf("token = %v, want %q", got, "Bearer abc123")
	}
	if got := resolved["url"]; got != "https://api.example.com" {
		t.Fatalf("url = %v", got)
	}
	if got := resolved["retries"]; got != 3 {
		t.Fatalf("non-string value should pass through, got %v", got)
	}
}

func TestResolveConfigLookupIsCaseInsensitive(t *testing.T) {
	config := map[string]any{"key": "${github_token}"}
	resolved := ResolveConfig(config, map[string]string{"GITHUB_TOKEN": "x"})
	if got := resolved["key"]; got != "x" {
		t.Fatalf("key = %v, want %q", got, "x")
	}
}

func TestResolveConfigDropsUnresolvedKeys(t *testing.T) {
	config := map[string]any{
		"ok":      "${A} and ${B}",
		"partial": "${A} and ${MISSING}",
	}
	resolved := ResolveConfig(config, map[string]string{"A": "1", "B": "2"})

	if got := resolved["ok"]; got != "1 and 2" {
		t.Fatalf("ok = %v", got)
	}
	if _, present := resolved["partial"]; present {
		t.Fatalf("key with unresolved placeholder should be dropped")
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	reg := NewRegistry()
	echo := &Func{
		ToolName: "echo",
		Fn: func(_ context.Context, args map[string]any) (string, error) {
			text, _ := args["text"].(string)
			return text, nil
		},
	}
	if err := reg.Register(echo); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := reg.Register(echo); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
	if _, ok := reg.Get("echo"); !ok {
		t.Fatalf("expected echo to be registered")
	}
}
