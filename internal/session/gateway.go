package session

import (
	"context"

	"github.com/haasonsaas/grouphub/pkg/models"
)

// Gateway is the narrow contract the hub uses to emit outbound responses and
// UI hints back to a transport. Transports implement it and feed inbound
// messages through Session.Update and Session.Invoke.
type Gateway interface {
	// HandleAgentResponse emits an outbound response attributed to sender,
	// addressed to receiver.
	HandleAgentResponse(ctx context.Context, resp *models.AgentResponse, sender, receiver, sessionID string) error

	// HandleSelectorActivation signals that selection started for a message.
	// Transports may use it to show a progress hint.
	HandleSelectorActivation(ctx context.Context, messageID, sessionID string)

	// HandleAgentActivation signals that an agent invocation started for a
	// message.
	HandleAgentActivation(ctx context.Context, messageID, sessionID string)
}

// UserStore is the slice of the user registry the session consults: sender
// authentication and decrypted secrets for tool-server substitution.
type UserStore interface {
	Authenticated(name string) bool
	Secrets(name string) (map[string]string, error)
}
