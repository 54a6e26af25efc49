package requests

import (
	"context"
	"errors"
	"fmt"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/grouphub/pkg/models"
)

// ErrLoginRefused is returned when the server rejects the login frame.
var ErrLoginRefused = errors.New("login refused")

// Responder answers the three request kinds on behalf of the connected user.
type Responder interface {
	Permission(ctx context.Context, env Envelope) models.PermissionLevel
	Feedback(ctx context.Context, env Envelope) string
	Confirmation(ctx context.Context, env Envelope) models.ConfirmationResponse
}

// Client is a user's end of the remote request channel.
type Client struct {
	ws *websocket.Conn
}

// Dial connects to the server at url and performs the login handshake.
func Dial(ctx context.Context, url, username, password string) (*Client, error) {
	ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial request channel: %w", err)
	}
	if err := ws.WriteJSON(Envelope{Type: TypeLogin, Username: username, Password: password}); err != nil {
		ws.Close()
		return nil, fmt.Errorf("send login: %w", err)
	}
	var resp Envelope
	if err := ws.ReadJSON(&resp); err != nil {
		ws.Close()
		return nil, fmt.Errorf("read login response: %w", err)
	}
	if resp.Type != TypeLoginResponse || !resp.Success {
		ws.Close()
		if resp.Message != "" {
			return nil, fmt.Errorf("%w: %s", ErrLoginRefused, resp.Message)
		}
		return nil, ErrLoginRefused
	}
	return &Client{ws: ws}, nil
}

// Listen reads requests and answers them through r until the connection
// closes or ctx is cancelled.
func (c *Client) Listen(ctx context.Context, r Responder) error {
	for {
		var env Envelope
		if err := c.ws.ReadJSON(&env); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read request: %w", err)
		}

		var reply Envelope
		switch env.Type {
		case TypePermissionRequest:
			granted := int(r.Permission(ctx, env))
			reply = Envelope{Type: TypePermissionResponse, RequestID: env.RequestID, Granted: &granted}
		case TypeFeedbackRequest:
			reply = Envelope{Type: TypeFeedbackResponse, RequestID: env.RequestID, Text: r.Feedback(ctx, env)}
		case TypeConfirmationRequest:
			resp := r.Confirmation(ctx, env)
			reply = Envelope{Type: TypeConfirmationResponse, RequestID: env.RequestID, Confirmed: &resp.Confirmed, Comment: resp.Comment}
		default:
			continue
		}
		if err := c.ws.WriteJSON(reply); err != nil {
			return fmt.Errorf("send response: %w", err)
		}
	}
}

// Close tears down the websocket.
func (c *Client) Close() error { return c.ws.Close() }
