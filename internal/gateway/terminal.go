package gateway

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/haasonsaas/grouphub/internal/session"
	"github.com/haasonsaas/grouphub/pkg/models"
)

// Terminal is the built-in interactive gateway: one user, one session, lines
// in and lines out. A leading @agent mention invokes that agent; anything
// else is an unaddressed update routed by the selector.
type Terminal struct {
	manager  *session.Manager
	username string
	in       io.Reader
	out      io.Writer
	logger   *slog.Logger

	mu      sync.Mutex
	session *session.Session
}

// NewTerminal creates a terminal gateway for the given hub user.
func NewTerminal(manager *session.Manager, username string, in io.Reader, out io.Writer, logger *slog.Logger) *Terminal {
	if logger == nil {
		logger = slog.Default()
	}
	return &Terminal{manager: manager, username: username, in: in, out: out, logger: logger}
}

// Run reads lines until EOF or ctx cancellation, feeding them into a fresh
// session. An existing session id resumes that conversation.
func (t *Terminal) Run(ctx context.Context, sessionID string) error {
	s, err := t.attach(ctx, sessionID)
	if err != nil {
		return err
	}

	scanner := bufio.NewScanner(t.in)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := t.deliver(ctx, s, line); err != nil {
			t.logger.Error("message delivery failed", "session", s.ID(), "error", err)
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read terminal input: %w", err)
	}
	return nil
}

// Session returns the gateway's active session, if attached.
func (t *Terminal) Session() *session.Session {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.session
}

func (t *Terminal) attach(ctx context.Context, sessionID string) (*session.Session, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.session != nil {
		return t.session, nil
	}
	if sessionID != "" {
		s, err := t.manager.Load(ctx, sessionID, t)
		if err != nil {
			return nil, err
		}
		if s != nil {
			t.session = s
			return s, nil
		}
	}
	t.session = t.manager.Create(sessionID, t)
	fmt.Fprintf(t.out, "session %s\n", t.session.ID())
	return t.session, nil
}

// deliver turns one input line into an Update or an Invoke. The per-session
// ordering contract is upheld by the single read loop.
func (t *Terminal) deliver(ctx context.Context, s *session.Session, line string) error {
	receiver, body := ExtractInitialMention(line)
	threads := t.manager.LoadThreads(ctx, ExtractThreadReferences(body))
	id := uuid.NewString()

	if receiver != "" {
		req := &models.AgentRequest{Query: body, Sender: t.username, Threads: threads, ID: id}
		return s.Invoke(ctx, req, receiver)
	}
	return s.Update(ctx, models.Message{Sender: t.username, Text: line, ID: id})
}

// HandleAgentResponse implements session.Gateway.
func (t *Terminal) HandleAgentResponse(_ context.Context, resp *models.AgentResponse, sender, receiver, _ string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, err := fmt.Fprintf(t.out, "[%s -> %s] %s\n", sender, receiver, resp.Text); err != nil {
		return fmt.Errorf("write terminal output: %w", err)
	}
	return nil
}

// HandleSelectorActivation implements session.Gateway.
func (t *Terminal) HandleSelectorActivation(_ context.Context, _, _ string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintln(t.out, "(routing...)")
}

// HandleAgentActivation implements session.Gateway.
func (t *Terminal) HandleAgentActivation(context.Context, string, string) {}
