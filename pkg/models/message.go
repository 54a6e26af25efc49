// Package models defines the shared data model for the hub: conversation
// messages, agent requests and responses, and the one-shot request objects
// used for human-in-the-loop arbitration.
package models

// SystemSender is the reserved sender name for hub-originated messages.
const SystemSender = "system"

// Message is one entry in a session's conversation log.
type Message struct {
	// Sender is the user or agent name that produced the message. Never empty.
	Sender string `json:"sender"`

	// Receiver is the addressed participant, if any.
	Receiver string `json:"receiver,omitempty"`

	// Text is the message body.
	Text string `json:"text"`

	// Handoffs maps agent names to follow-up queries carried by this message.
	Handoffs map[string]string `json:"handoffs,omitempty"`

	// ID is the gateway-assigned deduplication token. Empty for
	// system-originated messages.
	ID string `json:"id,omitempty"`
}

// Thread is a read-only snapshot of another session's messages, loaded to
// serve as context for an agent request.
type Thread struct {
	SessionID string    `json:"session_id"`
	Messages  []Message `json:"messages"`
}

// AgentRequest asks an agent to answer a query on behalf of a sender.
type AgentRequest struct {
	Query   string   `json:"query"`
	Sender  string   `json:"sender"`
	Threads []Thread `json:"threads,omitempty"`

	// ID is the gateway message id of the triggering message, if any.
	ID string `json:"id,omitempty"`
}

// AgentResponse is an agent's answer to an AgentRequest.
type AgentResponse struct {
	Text string `json:"text"`

	// Final is false for streaming partials. Not every agent emits partials.
	Final bool `json:"final"`

	// Handoffs instructs the session to invoke other agents with follow-up
	// queries after this response is delivered.
	Handoffs map[string]string `json:"handoffs,omitempty"`
}

// AgentEvent is an element of an agent's run stream: an AgentResponse, a
// PermissionRequest, or a FeedbackRequest.
type AgentEvent interface {
	agentEvent()
}

func (*AgentResponse) agentEvent()     {}
func (*PermissionRequest) agentEvent() {}
func (*FeedbackRequest) agentEvent()   {}
