// Package requests delivers permission, feedback, and confirmation requests
// to a human and collects the response. Two interchangeable channels exist: an
// in-process console handler and a websocket server for remote users.
package requests

import (
	"context"

	"github.com/haasonsaas/grouphub/pkg/models"
)

// Handler is the transport-neutral request channel. Sender is the agent the
// request originates from, receiver the user asked to answer it.
// Implementations block until the receiver answers (or an auto-response
// applies) and return the answer; they never complete the request object
// themselves.
type Handler interface {
	// HandlePermission asks receiver to authorize sender's tool call in req.
	HandlePermission(ctx context.Context, req *models.PermissionRequest, sender, receiver, sessionID string) (models.PermissionLevel, error)

	// HandleFeedback asks receiver sender's free-form question in req.
	HandleFeedback(ctx context.Context, req *models.FeedbackRequest, sender, receiver, sessionID string) (string, error)

	// HandleConfirmation asks receiver to confirm inviting the proposed agent;
	// sender names that agent.
	HandleConfirmation(ctx context.Context, req *models.ConfirmationRequest, sender, receiver, sessionID string) (models.ConfirmationResponse, error)
}
