package requests

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/haasonsaas/grouphub/pkg/models"
)

type fixedAuth struct {
	users map[string]string

	mu      sync.Mutex
	dropped []string
}

func (a *fixedAuth) Authenticate(name, password string) (bool, error) {
	pw, ok := a.users[name]
	return ok && pw == password, nil
}

func (a *fixedAuth) Deauthenticate(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dropped = append(a.dropped, name)
}

func (a *fixedAuth) deauthenticated(name string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, n := range a.dropped {
		if n == name {
			return true
		}
	}
	return false
}

// scriptedResponder answers every request the same way and keeps the last
// envelope it saw.
type scriptedResponder struct {
	permission models.PermissionLevel
	feedback   string
	confirm    models.ConfirmationResponse

	mu   sync.Mutex
	last Envelope
}

func (r *scriptedResponder) record(env Envelope) {
	r.mu.Lock()
	r.last = env
	r.mu.Unlock()
}

func (r *scriptedResponder) lastEnvelope() Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.last
}

func (r *scriptedResponder) Permission(_ context.Context, env Envelope) models.PermissionLevel {
	r.record(env)
	return r.permission
}

func (r *scriptedResponder) Feedback(_ context.Context, env Envelope) string {
	r.record(env)
	return r.feedback
}

func (r *scriptedResponder) Confirmation(_ context.Context, env Envelope) models.ConfirmationResponse {
	r.record(env)
	return r.confirm
}

func startServer(t *testing.T) (*Server, *fixedAuth, string) {
	t.Helper()
	auth := &fixedAuth{users: map[string]string{"alice": "pw"}}
	srv := NewServer(auth, nil)
	ts := httptest.NewServer(srv)
	t.Cleanup(ts.Close)
	return srv, auth, "ws" + strings.TrimPrefix(ts.URL, "http")
}

func connect(t *testing.T, url string, responder Responder) *Client {
	t.Helper()
	client, err := Dial(context.Background(), url, "alice", "pw")
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	t.Cleanup(func() { client.Close() })
	if responder != nil {
		go client.Listen(context.Background(), responder)
	}
	return client
}

func waitConnected(t *testing.T, srv *Server, user string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !srv.Connected(user) {
		if time.Now().After(deadline) {
			t.Fatalf("user %s never connected", user)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServerPermissionRoundTrip(t *testing.T) {
	srv, _, url := startServer(t)
	responder := &scriptedResponder{permission: models.PermissionAlways}
	connect(t, url, responder)
	waitConnected(t, srv, "alice")

	req := models.NewPermissionRequest("fetch", nil, map[string]any{"url": "https://x"})
	level, err := srv.HandlePermission(context.Background(), req, "bot", "alice", "S")
	if err != nil {
		t.Fatalf("HandlePermission() error = %v", err)
	}
	if level != models.PermissionAlways {
		t.Fatalf("level = %v, want Always", level)
	}
	// The client sees the requesting agent in the envelope's sender field.
	if env := responder.lastEnvelope(); env.Sender != "bot" || env.ToolName != "fetch" {
		t.Fatalf("envelope = %+v, want sender bot and tool fetch", env)
	}
}

func TestServerFeedbackAndConfirmationRoundTrip(t *testing.T) {
	srv, _, url := startServer(t)
	responder := &scriptedResponder{
		feedback: "use the blue one",
		confirm:  models.ConfirmationResponse{Confirmed: true, Comment: "go ahead"},
	}
	connect(t, url, responder)
	waitConnected(t, srv, "alice")

	text, err := srv.HandleFeedback(context.Background(), models.NewFeedbackRequest("which?"), "bot", "alice", "S")
	if err != nil || text != "use the blue one" {
		t.Fatalf("HandleFeedback() = %q, %v", text, err)
	}
	if env := responder.lastEnvelope(); env.Sender != "bot" {
		t.Fatalf("feedback envelope sender = %q, want bot", env.Sender)
	}

	resp, err := srv.HandleConfirmation(context.Background(), models.NewConfirmationRequest("bot", "q", "because"), "bot", "alice", "S")
	if err != nil {
		t.Fatalf("HandleConfirmation() error = %v", err)
	}
	if !resp.Confirmed || resp.Comment != "go ahead" {
		t.Fatalf("HandleConfirmation() = %+v", resp)
	}
}

func TestServerOfflineAutoResponses(t *testing.T) {
	srv, _, _ := startServer(t)

	level, err := srv.HandlePermission(context.Background(), models.NewPermissionRequest("fetch", nil, nil), "bot", "alice", "S")
	if err != nil || level != models.PermissionDeny {
		t.Fatalf("offline permission = %v, %v, want Deny", level, err)
	}
	text, err := srv.HandleFeedback(context.Background(), models.NewFeedbackRequest("?"), "bot", "alice", "S")
	if err != nil || text != "" {
		t.Fatalf("offline feedback = %q, %v, want empty", text, err)
	}
	resp, err := srv.HandleConfirmation(context.Background(), models.NewConfirmationRequest("bot", "q", ""), "bot", "alice", "S")
	if err != nil {
		t.Fatalf("HandleConfirmation() error = %v", err)
	}
	if resp.Confirmed || resp.Comment != "User not connected" {
		t.Fatalf("offline confirmation = %+v", resp)
	}
}

func TestServerRejectsWrongPassword(t *testing.T) {
	_, _, url := startServer(t)
	if _, err := Dial(context.Background(), url, "alice", "wrong"); err == nil {
		t.Fatalf("Dial() with wrong password succeeded")
	}
}

func TestServerRejectsSecondConnection(t *testing.T) {
	srv, _, url := startServer(t)
	connect(t, url, nil)
	waitConnected(t, srv, "alice")

	if _, err := Dial(context.Background(), url, "alice", "pw"); err == nil {
		t.Fatalf("second Dial() for same user succeeded")
	}
}

func TestServerDeauthenticatesOnDisconnect(t *testing.T) {
	srv, auth, url := startServer(t)
	client, err := Dial(context.Background(), url, "alice", "pw")
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	waitConnected(t, srv, "alice")

	client.Close()

	deadline := time.Now().Add(5 * time.Second)
	for !auth.deauthenticated("alice") {
		if time.Now().After(deadline) {
			t.Fatalf("disconnect did not deauthenticate the user")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if srv.Connected("alice") {
		t.Fatalf("connection still registered after disconnect")
	}
}

func TestServerRequiresLoginFirst(t *testing.T) {
	_, _, url := startServer(t)
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial error = %v", err)
	}
	defer ws.Close()

	// A non-login first frame must be refused.
	if err := ws.WriteJSON(Envelope{Type: TypeFeedbackResponse, RequestID: "x", Text: "hi"}); err != nil {
		t.Fatalf("write error = %v", err)
	}
	var resp Envelope
	if err := ws.ReadJSON(&resp); err != nil {
		t.Fatalf("read error = %v", err)
	}
	if resp.Type != TypeLoginResponse || resp.Success {
		t.Fatalf("response = %+v, want failed login_response", resp)
	}
}
