package models

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// PermissionLevel governs how long a tool-use decision is remembered.
type PermissionLevel int

const (
	// PermissionDeny rejects the tool call.
	PermissionDeny PermissionLevel = 0
	// PermissionOnce grants this call only.
	PermissionOnce PermissionLevel = 1
	// PermissionSession grants the tool for the rest of the session.
	PermissionSession PermissionLevel = 2
	// PermissionAlways grants the tool permanently for this user.
	PermissionAlways PermissionLevel = 3
)

// Granted reports whether the level permits execution.
func (l PermissionLevel) Granted() bool { return l > PermissionDeny }

// PermissionRequest asks a user to authorize a single tool call. It is a
// one-shot promise: Respond completes it exactly once, Response awaits the
// decision.
type PermissionRequest struct {
	ToolName   string         `json:"tool_name"`
	ToolArgs   []any          `json:"tool_args,omitempty"`
	ToolKwargs map[string]any `json:"tool_kwargs,omitempty"`

	once sync.Once
	ch   chan PermissionLevel
}

// NewPermissionRequest creates a pending permission request for a tool call.
func NewPermissionRequest(toolName string, args []any, kwargs map[string]any) *PermissionRequest {
	return &PermissionRequest{
		ToolName:   toolName,
		ToolArgs:   args,
		ToolKwargs: kwargs,
		ch:         make(chan PermissionLevel, 1),
	}
}

// Call renders the pending tool call as a signature, e.g. fetch("url", depth=2).
func (r *PermissionRequest) Call() string {
	parts := make([]string, 0, len(r.ToolArgs)+len(r.ToolKwargs))
	for _, arg := range r.ToolArgs {
		parts = append(parts, fmt.Sprintf("%#v", arg))
	}
	for _, k := range sortedKeys(r.ToolKwargs) {
		parts = append(parts, fmt.Sprintf("%s=%#v", k, r.ToolKwargs[k]))
	}
	return fmt.Sprintf("%s(%s)", r.ToolName, strings.Join(parts, ", "))
}

// Respond completes the request. Later calls are ignored.
func (r *PermissionRequest) Respond(level PermissionLevel) {
	r.once.Do(func() { r.ch <- level })
}

// Deny completes the request with PermissionDeny.
func (r *PermissionRequest) Deny() { r.Respond(PermissionDeny) }

// GrantOnce completes the request with PermissionOnce.
func (r *PermissionRequest) GrantOnce() { r.Respond(PermissionOnce) }

// GrantSession completes the request with PermissionSession.
func (r *PermissionRequest) GrantSession() { r.Respond(PermissionSession) }

// GrantAlways completes the request with PermissionAlways.
func (r *PermissionRequest) GrantAlways() { r.Respond(PermissionAlways) }

// Response blocks until the request is answered or ctx is done.
func (r *PermissionRequest) Response(ctx context.Context) (PermissionLevel, error) {
	select {
	case level := <-r.ch:
		return level, nil
	case <-ctx.Done():
		return PermissionDeny, ctx.Err()
	}
}

// FeedbackRequest asks a user a free-form question mid-run.
type FeedbackRequest struct {
	Question string `json:"question"`

	once sync.Once
	ch   chan string
}

// NewFeedbackRequest creates a pending feedback request.
func NewFeedbackRequest(question string) *FeedbackRequest {
	return &FeedbackRequest{Question: question, ch: make(chan string, 1)}
}

// Respond completes the request with the user's answer.
func (r *FeedbackRequest) Respond(text string) {
	r.once.Do(func() { r.ch <- text })
}

// Response blocks until the request is answered or ctx is done.
func (r *FeedbackRequest) Response(ctx context.Context) (string, error) {
	select {
	case text := <-r.ch:
		return text, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// ConfirmationResponse is a user's answer to a selector confirmation.
type ConfirmationResponse struct {
	Confirmed bool   `json:"confirmed"`
	Comment   string `json:"comment,omitempty"`
}

// ConfirmationRequest asks the original sender to confirm running the agent
// the selector proposed for an unaddressed message.
type ConfirmationRequest struct {
	AgentName string `json:"agent_name"`
	Query     string `json:"query"`

	// Reasoning is the selector's explanation for the proposal, if any.
	Reasoning string `json:"reasoning,omitempty"`

	once sync.Once
	ch   chan ConfirmationResponse
}

// NewConfirmationRequest creates a pending confirmation request.
func NewConfirmationRequest(agentName, query, reasoning string) *ConfirmationRequest {
	return &ConfirmationRequest{
		AgentName: agentName,
		Query:     query,
		Reasoning: reasoning,
		ch:        make(chan ConfirmationResponse, 1),
	}
}

// Respond completes the request.
func (r *ConfirmationRequest) Respond(confirmed bool, comment string) {
	r.once.Do(func() { r.ch <- ConfirmationResponse{Confirmed: confirmed, Comment: comment} })
}

// Response blocks until the request is answered or ctx is done.
func (r *ConfirmationRequest) Response(ctx context.Context) (ConfirmationResponse, error) {
	select {
	case resp := <-r.ch:
		return resp, nil
	case <-ctx.Done():
		return ConfirmationResponse{}, ctx.Err()
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
