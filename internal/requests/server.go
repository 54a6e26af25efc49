package requests

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/haasonsaas/grouphub/pkg/models"
)

// Authenticator verifies a user's password and drops their in-memory
// session when their connection goes away. Implemented by users.Registry.
type Authenticator interface {
	Authenticate(name, password string) (bool, error)
	Deauthenticate(name string)
}

const loginTimeout = 30 * time.Second

// Server is the remote request channel: it accepts one websocket per
// authenticated user and forwards requests as JSON envelopes. Users without a
// connection get the offline auto-responses (deny, empty feedback, refused
// confirmation).
type Server struct {
	auth     Authenticator
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu      sync.Mutex
	conns   map[string]*userConn
	pending map[string]chan Envelope
}

type userConn struct {
	username string
	ws       *websocket.Conn

	writeMu sync.Mutex
}

func (c *userConn) write(env Envelope) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteJSON(env)
}

// NewServer creates a request channel server authenticating against auth.
func NewServer(auth Authenticator, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		auth:    auth,
		logger:  logger,
		conns:   make(map[string]*userConn),
		pending: make(map[string]chan Envelope),
	}
}

// ServeHTTP upgrades the connection and runs its read loop. The first client
// frame must be a login envelope.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer ws.Close()

	conn := &userConn{ws: ws}
	ws.SetReadDeadline(time.Now().Add(loginTimeout))
	var login Envelope
	if err := ws.ReadJSON(&login); err != nil || login.Type != TypeLogin {
		conn.write(Envelope{Type: TypeLoginResponse, Message: "expected login frame"})
		return
	}
	ws.SetReadDeadline(time.Time{})

	ok, err := s.auth.Authenticate(login.Username, login.Password)
	if err != nil || !ok {
		conn.write(Envelope{Type: TypeLoginResponse, Message: "authentication failed"})
		return
	}
	conn.username = login.Username

	s.mu.Lock()
	if _, taken := s.conns[conn.username]; taken {
		s.mu.Unlock()
		conn.write(Envelope{Type: TypeLoginResponse, Message: "user already connected"})
		return
	}
	s.conns[conn.username] = conn
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		owned := s.conns[conn.username] == conn
		if owned {
			delete(s.conns, conn.username)
		}
		s.mu.Unlock()
		// A gone client must not leave decrypted secrets behind.
		if owned {
			s.auth.Deauthenticate(conn.username)
		}
	}()

	if err := conn.write(Envelope{Type: TypeLoginResponse, Success: true}); err != nil {
		return
	}
	s.logger.Info("request channel connected", "user", conn.username)

	for {
		var env Envelope
		if err := ws.ReadJSON(&env); err != nil {
			s.logger.Info("request channel disconnected", "user", conn.username, "error", err)
			return
		}
		if env.RequestID == "" {
			continue
		}
		s.mu.Lock()
		ch, ok := s.pending[env.RequestID]
		if ok {
			delete(s.pending, env.RequestID)
		}
		s.mu.Unlock()
		if ok {
			ch <- env
		}
	}
}

// Connected reports whether the user has a live websocket.
func (s *Server) Connected(user string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.conns[user]
	return ok
}

// HandlePermission implements Handler. Offline users auto-deny.
func (s *Server) HandlePermission(ctx context.Context, req *models.PermissionRequest, sender, receiver, sessionID string) (models.PermissionLevel, error) {
	env := Envelope{
		Type:       TypePermissionRequest,
		ToolName:   req.ToolName,
		ToolArgs:   req.ToolArgs,
		ToolKwargs: req.ToolKwargs,
		Sender:     sender,
		SessionID:  sessionID,
	}
	resp, ok, err := s.roundTrip(ctx, receiver, env)
	if err != nil {
		return models.PermissionDeny, err
	}
	if !ok || resp.Granted == nil {
		return models.PermissionDeny, nil
	}
	level := models.PermissionLevel(*resp.Granted)
	if level < models.PermissionDeny || level > models.PermissionAlways {
		return models.PermissionDeny, nil
	}
	return level, nil
}

// HandleFeedback implements Handler. Offline users answer with empty text.
func (s *Server) HandleFeedback(ctx context.Context, req *models.FeedbackRequest, sender, receiver, sessionID string) (string, error) {
	env := Envelope{
		Type:      TypeFeedbackRequest,
		Question:  req.Question,
		Sender:    sender,
		SessionID: sessionID,
	}
	resp, ok, err := s.roundTrip(ctx, receiver, env)
	if err != nil || !ok {
		return "", err
	}
	return resp.Text, nil
}

// HandleConfirmation implements Handler. Offline users refuse with a comment.
func (s *Server) HandleConfirmation(ctx context.Context, req *models.ConfirmationRequest, sender, receiver, sessionID string) (models.ConfirmationResponse, error) {
	env := Envelope{
		Type:      TypeConfirmationRequest,
		Query:     req.Query,
		Thoughts:  req.Reasoning,
		AgentName: req.AgentName,
		Sender:    sender,
		SessionID: sessionID,
	}
	resp, ok, err := s.roundTrip(ctx, receiver, env)
	if err != nil {
		return models.ConfirmationResponse{}, err
	}
	if !ok {
		return models.ConfirmationResponse{Confirmed: false, Comment: "User not connected"}, nil
	}
	confirmed := resp.Confirmed != nil && *resp.Confirmed
	return models.ConfirmationResponse{Confirmed: confirmed, Comment: resp.Comment}, nil
}

// roundTrip sends env to the user's connection and awaits the matching
// response. The bool return is false when the user is offline or disconnects
// before answering.
func (s *Server) roundTrip(ctx context.Context, user string, env Envelope) (Envelope, bool, error) {
	s.mu.Lock()
	conn, online := s.conns[user]
	if !online {
		s.mu.Unlock()
		return Envelope{}, false, nil
	}
	env.RequestID = uuid.NewString()
	ch := make(chan Envelope, 1)
	s.pending[env.RequestID] = ch
	s.mu.Unlock()

	cleanup := func() {
		s.mu.Lock()
		delete(s.pending, env.RequestID)
		s.mu.Unlock()
	}

	if err := conn.write(env); err != nil {
		cleanup()
		return Envelope{}, false, fmt.Errorf("send request to %s: %w", user, err)
	}

	select {
	case resp := <-ch:
		return resp, true, nil
	case <-ctx.Done():
		cleanup()
		return Envelope{}, false, ctx.Err()
	}
}
