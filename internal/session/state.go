package session

import (
	"encoding/json"

	"github.com/haasonsaas/grouphub/pkg/models"
)

// AgentState is the persisted slice of one worker: its pending updates and
// the agent's opaque history.
type AgentState struct {
	Updates []models.Message `json:"updates"`
	History json.RawMessage  `json:"history,omitempty"`
}

// StateDoc is the persisted session document, one JSON file per session.
type StateDoc struct {
	Messages []models.Message      `json:"messages"`
	Agents   map[string]AgentState `json:"agents"`

	// Selector is the opaque selector history, present iff a selector exists.
	Selector json.RawMessage `json:"selector,omitempty"`
}
