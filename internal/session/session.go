// Package session implements the conversational state machine at the heart of
// the hub: the message log, per-agent workers, the selection subprocess, and
// the human-in-the-loop arbitration for permissions and feedback. The session
// manager in this package creates, restores, and checkpoints sessions.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/haasonsaas/grouphub/internal/agent"
	"github.com/haasonsaas/grouphub/internal/permissions"
	"github.com/haasonsaas/grouphub/internal/requests"
	"github.com/haasonsaas/grouphub/internal/selector"
	"github.com/haasonsaas/grouphub/pkg/models"
)

// Selector is the routing surface the session drives for unaddressed
// messages. Implemented by selector.Selector.
type Selector interface {
	Add(ctx context.Context, msg models.Message) error
	Run(ctx context.Context, msg models.Message) (selector.Selection, error)
	State() (json.RawMessage, error)
	SetState(state json.RawMessage) error
}

// Session owns one conversation: its message log, its agent workers, and its
// selector. Update and Invoke must be serialized per session by the caller;
// internal re-entry (handoffs, selection confirmations) goes through the same
// locked paths.
type Session struct {
	id          string
	gateway     Gateway
	registry    agent.Registry
	permissions permissions.Store
	users       UserStore
	requests    requests.Handler
	selector    Selector
	manager     *Manager
	logger      *slog.Logger
	metrics     *Metrics

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	messages []models.Message
	seen     map[string]struct{}
	workers  map[string]*worker
}

// ID returns the session's identifier.
func (s *Session) ID() string { return s.id }

// Contains reports whether a message with the given id was already ingested.
func (s *Session) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[id]
	return ok
}

// Update appends the message to the log, fans it out to every worker not
// named as its sender or receiver, and spawns the selection subprocess.
// Messages whose id was already seen are ignored.
func (s *Session) Update(ctx context.Context, msg models.Message) error {
	s.mu.Lock()
	if msg.ID != "" {
		if _, dup := s.seen[msg.ID]; dup {
			s.mu.Unlock()
			return nil
		}
		s.seen[msg.ID] = struct{}{}
	}
	s.messages = append(s.messages, msg)
	for name, w := range s.workers {
		if name == msg.Sender || name == msg.Receiver {
			continue
		}
		w.enqueueUpdate(msg)
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.Messages.Inc()
	}

	// Selection runs detached; its effect, a confirmed invocation, re-enters
	// through Invoke.
	go s.runSelection(context.WithoutCancel(ctx), msg)
	return nil
}

// Invoke dispatches an agent request to the named receiver. Unauthenticated
// senders and unknown agents produce a system response instead of an error.
func (s *Session) Invoke(ctx context.Context, req *models.AgentRequest, receiver string) error {
	if !s.users.Authenticated(req.Sender) {
		s.countInvocation("unauthenticated")
		return s.systemResponse(ctx, fmt.Sprintf("User %q is not authenticated", req.Sender), req.Sender)
	}

	w, err := s.workerFor(ctx, receiver)
	if err != nil {
		s.logger.Warn("agent hydration failed", "session", s.id, "agent", receiver, "error", err)
		s.countInvocation("unknown_agent")
		return s.systemResponse(ctx, fmt.Sprintf("Agent %q does not exist", receiver), req.Sender)
	}

	secrets, err := s.users.Secrets(req.Sender)
	if err != nil {
		// Authenticated above; a race with deauthentication degrades to an
		// empty substitution map.
		s.logger.Warn("secrets unavailable", "session", s.id, "user", req.Sender, "error", err)
		secrets = nil
	}

	w.enqueueInvoke(req, secrets)
	s.countInvocation("dispatched")

	derived := models.Message{Sender: req.Sender, Receiver: receiver, Text: req.Query, ID: req.ID}
	if err := s.Update(ctx, derived); err != nil {
		return err
	}
	s.gateway.HandleAgentActivation(ctx, req.ID, s.id)
	return nil
}

// HandleAgentResponse records an agent's response in the log, issues handoff
// invocations, and forwards the response to the gateway.
func (s *Session) HandleAgentResponse(ctx context.Context, resp *models.AgentResponse, sender, receiver string) error {
	msg := models.Message{Sender: sender, Receiver: receiver, Text: resp.Text, Handoffs: resp.Handoffs}
	if err := s.Update(ctx, msg); err != nil {
		return err
	}

	// Handoffs are issued in name order so reissue order is deterministic.
	targets := make([]string, 0, len(resp.Handoffs))
	for name := range resp.Handoffs {
		targets = append(targets, name)
	}
	sort.Strings(targets)
	for _, name := range targets {
		req := &models.AgentRequest{Query: resp.Handoffs[name], Sender: receiver}
		if err := s.Invoke(ctx, req, name); err != nil {
			s.logger.Warn("handoff invocation failed", "session", s.id, "agent", name, "error", err)
		}
	}

	if s.metrics != nil {
		s.metrics.AgentResponses.WithLabelValues(sender).Inc()
	}
	return s.gateway.HandleAgentResponse(ctx, resp, sender, receiver, s.id)
}

// HandlePermissionRequest arbitrates a tool-use request from agent sender
// addressed to user receiver: a remembered store decision answers
// immediately, otherwise the user is asked and Session or Always answers are
// persisted.
func (s *Session) HandlePermissionRequest(ctx context.Context, req *models.PermissionRequest, sender, receiver string) error {
	level, ok, err := s.permissions.Get(ctx, req.ToolName, receiver, s.id)
	if err != nil {
		s.logger.Error("permission lookup failed", "session", s.id, "tool", req.ToolName, "error", err)
	}
	if ok {
		if s.metrics != nil {
			s.metrics.PermissionCached.Inc()
		}
		req.Respond(level)
		return nil
	}

	if s.metrics != nil {
		s.metrics.PermissionPrompts.Inc()
	}
	level, err = s.requests.HandlePermission(ctx, req, sender, receiver, s.id)
	if err != nil {
		req.Deny()
		return fmt.Errorf("permission request to %s: %w", receiver, err)
	}
	if level == models.PermissionSession || level == models.PermissionAlways {
		if err := s.permissions.Set(ctx, req.ToolName, receiver, s.id, level); err != nil {
			s.logger.Error("permission persist failed", "session", s.id, "tool", req.ToolName, "error", err)
		}
	}
	req.Respond(level)
	return nil
}

// HandleFeedbackRequest forwards agent sender's question to user receiver and
// completes the request with their answer.
func (s *Session) HandleFeedbackRequest(ctx context.Context, req *models.FeedbackRequest, sender, receiver string) error {
	text, err := s.requests.HandleFeedback(ctx, req, sender, receiver, s.id)
	if err != nil {
		req.Respond("")
		return fmt.Errorf("feedback request to %s: %w", receiver, err)
	}
	req.Respond(text)
	return nil
}

// runSelection decides whether an unaddressed message should invite an agent.
// System and agent traffic is merely added to the selector transcript.
func (s *Session) runSelection(ctx context.Context, msg models.Message) {
	if s.selector == nil {
		return
	}

	names, err := s.registry.RegisteredNames(ctx)
	if err != nil {
		s.logger.Warn("selection skipped", "session", s.id, "error", err)
		return
	}
	_, senderIsAgent := names[msg.Sender]
	_, receiverIsAgent := names[msg.Receiver]
	if msg.Sender == models.SystemSender || senderIsAgent || receiverIsAgent {
		if err := s.selector.Add(ctx, msg); err != nil {
			s.logger.Warn("selector add failed", "session", s.id, "error", err)
		}
		return
	}

	s.gateway.HandleSelectorActivation(ctx, msg.ID, s.id)
	if s.metrics != nil {
		s.metrics.SelectorRuns.Inc()
	}
	selection, err := s.selector.Run(ctx, msg)
	if err != nil {
		s.logger.Warn("selection failed", "session", s.id, "error", err)
		return
	}
	if selection.AgentName == "" || selection.Query == "" {
		return
	}
	if _, known := names[selection.AgentName]; !known {
		s.logger.Warn("selector proposed unknown agent", "session", s.id, "agent", selection.AgentName)
		return
	}

	confirm := models.NewConfirmationRequest(selection.AgentName, selection.Query, selection.Reasoning)
	resp, err := s.requests.HandleConfirmation(ctx, confirm, selection.AgentName, msg.Sender, s.id)
	if err != nil {
		s.logger.Warn("confirmation failed", "session", s.id, "error", err)
		return
	}
	if !resp.Confirmed {
		return
	}
	if err := s.Invoke(ctx, &models.AgentRequest{Query: selection.Query, Sender: msg.Sender}, selection.AgentName); err != nil {
		s.logger.Warn("confirmed invocation failed", "session", s.id, "agent", selection.AgentName, "error", err)
	}
}

// workerFor returns the receiver's worker, hydrating the agent lazily.
func (s *Session) workerFor(ctx context.Context, name string) (*worker, error) {
	s.mu.Lock()
	if w, ok := s.workers[name]; ok {
		s.mu.Unlock()
		return w, nil
	}
	s.mu.Unlock()

	a, err := s.registry.CreateAgent(ctx, name)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if w, ok := s.workers[name]; ok {
		return w, nil
	}
	// A late-joining agent sees the conversation so far as pending updates.
	backlog := make([]models.Message, len(s.messages))
	copy(backlog, s.messages)
	w := newWorker(s, name, a, backlog, s.logger)
	s.workers[name] = w
	go w.run(s.ctx)
	return w, nil
}

// systemResponse notifies the gateway directly; refusals are not part of the
// conversation log or the selector transcript.
func (s *Session) systemResponse(ctx context.Context, text, receiver string) error {
	resp := &models.AgentResponse{Text: text, Final: true}
	return s.gateway.HandleAgentResponse(ctx, resp, models.SystemSender, receiver, s.id)
}

func (s *Session) countInvocation(outcome string) {
	if s.metrics != nil {
		s.metrics.Invocations.WithLabelValues(outcome).Inc()
	}
}

// Close stops the session's workers. Pending queue items are abandoned; the
// in-flight item finishes its current step first.
func (s *Session) Close() {
	s.cancel()
}

// Snapshot captures the session's persistable state.
func (s *Session) Snapshot() (*StateDoc, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc := &StateDoc{
		Messages: make([]models.Message, len(s.messages)),
		Agents:   make(map[string]AgentState, len(s.workers)),
	}
	copy(doc.Messages, s.messages)

	for name, w := range s.workers {
		history, err := w.agent.State()
		if err != nil {
			return nil, fmt.Errorf("snapshot agent %s: %w", name, err)
		}
		doc.Agents[name] = AgentState{Updates: w.pendingUpdates(), History: history}
	}

	if s.selector != nil {
		state, err := s.selector.State()
		if err != nil {
			return nil, fmt.Errorf("snapshot selector: %w", err)
		}
		doc.Selector = state
	}
	return doc, nil
}

// restore rebuilds workers and selector state from a persisted document.
// Called before the session is handed to a gateway, so no locking races.
func (s *Session) restore(ctx context.Context, doc *StateDoc) error {
	s.messages = doc.Messages
	for _, msg := range s.messages {
		if msg.ID != "" {
			s.seen[msg.ID] = struct{}{}
		}
	}

	names := make([]string, 0, len(doc.Agents))
	for name := range doc.Agents {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		state := doc.Agents[name]
		a, err := s.registry.CreateAgent(ctx, name)
		if err != nil {
			return fmt.Errorf("restore agent %s: %w", name, err)
		}
		if len(state.History) > 0 {
			if err := a.SetState(state.History); err != nil {
				return fmt.Errorf("restore agent %s state: %w", name, err)
			}
		}
		w := newWorker(s, name, a, state.Updates, s.logger)
		s.workers[name] = w
		go w.run(s.ctx)
	}

	if s.selector != nil && len(doc.Selector) > 0 {
		if err := s.selector.SetState(doc.Selector); err != nil {
			return fmt.Errorf("restore selector state: %w", err)
		}
	}
	return nil
}
