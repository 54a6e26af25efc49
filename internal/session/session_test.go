package session

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/haasonsaas/grouphub/internal/agent"
	"github.com/haasonsaas/grouphub/internal/permissions"
	"github.com/haasonsaas/grouphub/internal/selector"
	"github.com/haasonsaas/grouphub/pkg/models"
)

// fakeAgent runs a scripted event stream and records what it saw.
type fakeAgent struct {
	name   string
	script func(req *models.AgentRequest, updates []models.Message, emit func(models.AgentEvent))

	mu         sync.Mutex
	state      json.RawMessage
	gotUpdates [][]models.Message
	gotSecrets []map[string]string
}

func (a *fakeAgent) Name() string { return a.name }

func (a *fakeAgent) Run(_ context.Context, req *models.AgentRequest, updates []models.Message) <-chan models.AgentEvent {
	a.mu.Lock()
	copied := make([]models.Message, len(updates))
	copy(copied, updates)
	a.gotUpdates = append(a.gotUpdates, copied)
	a.mu.Unlock()

	ch := make(chan models.AgentEvent)
	go func() {
		defer close(ch)
		if a.script != nil {
			a.script(req, updates, func(ev models.AgentEvent) { ch <- ev })
		}
	}()
	return ch
}

func (a *fakeAgent) SessionScope(context.Context) (func(), error) { return func() {}, nil }

func (a *fakeAgent) RequestScope(_ context.Context, secrets map[string]string) (func(), error) {
	a.mu.Lock()
	a.gotSecrets = append(a.gotSecrets, secrets)
	a.mu.Unlock()
	return func() {}, nil
}

func (a *fakeAgent) State() (json.RawMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == nil {
		return json.RawMessage(`null`), nil
	}
	return a.state, nil
}

func (a *fakeAgent) SetState(state json.RawMessage) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state = state
	return nil
}

// fakeRegistry hands out pre-built agents.
type fakeRegistry struct {
	agents map[string]agent.Agent
}

func (r *fakeRegistry) CreateAgent(_ context.Context, name string) (agent.Agent, error) {
	a, ok := r.agents[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", agent.ErrAgentNotFound, name)
	}
	return a, nil
}

func (r *fakeRegistry) RegisteredNames(context.Context) (map[string]struct{}, error) {
	names := make(map[string]struct{}, len(r.agents))
	for name := range r.agents {
		names[name] = struct{}{}
	}
	return names, nil
}

func (r *fakeRegistry) Catalog(context.Context) (string, error) { return "agents", nil }

// fakeUsers marks a fixed set of users authenticated.
type fakeUsers struct {
	authenticated map[string]bool
	secrets       map[string]map[string]string
}

func (u *fakeUsers) Authenticated(name string) bool { return u.authenticated[name] }

func (u *fakeUsers) Secrets(name string) (map[string]string, error) {
	return u.secrets[name], nil
}

// fakeHandler answers requests from scripts, counts prompts, and records who
// each prompt named.
type fakeHandler struct {
	mu             sync.Mutex
	permission     models.PermissionLevel
	permissionAsks int
	feedback       string
	confirmation   models.ConfirmationResponse
	lastSender     string
	lastReceiver   string
}

func (h *fakeHandler) HandlePermission(_ context.Context, _ *models.PermissionRequest, sender, receiver, _ string) (models.PermissionLevel, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.permissionAsks++
	h.lastSender, h.lastReceiver = sender, receiver
	return h.permission, nil
}

func (h *fakeHandler) HandleFeedback(_ context.Context, _ *models.FeedbackRequest, sender, receiver, _ string) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastSender, h.lastReceiver = sender, receiver
	return h.feedback, nil
}

func (h *fakeHandler) HandleConfirmation(_ context.Context, _ *models.ConfirmationRequest, sender, receiver, _ string) (models.ConfirmationResponse, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.lastSender, h.lastReceiver = sender, receiver
	return h.confirmation, nil
}

func (h *fakeHandler) asks() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.permissionAsks
}

func (h *fakeHandler) addressing() (string, string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastSender, h.lastReceiver
}

// delivered is one gateway emission.
type delivered struct {
	resp     *models.AgentResponse
	sender   string
	receiver string
}

// fakeGateway records emissions on a channel for the test to await.
type fakeGateway struct {
	ch chan delivered
}

func newFakeGateway() *fakeGateway { return &fakeGateway{ch: make(chan delivered, 32)} }

func (g *fakeGateway) HandleAgentResponse(_ context.Context, resp *models.AgentResponse, sender, receiver, _ string) error {
	g.ch <- delivered{resp: resp, sender: sender, receiver: receiver}
	return nil
}

func (g *fakeGateway) HandleSelectorActivation(context.Context, string, string) {}
func (g *fakeGateway) HandleAgentActivation(context.Context, string, string)    {}

func (g *fakeGateway) await(t *testing.T) delivered {
	t.Helper()
	select {
	case d := <-g.ch:
		return d
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for gateway delivery")
		return delivered{}
	}
}

func (g *fakeGateway) awaitNone(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case d := <-g.ch:
		t.Fatalf("unexpected delivery %+v", d)
	case <-time.After(wait):
	}
}

// fakeSelector returns scripted selections.
type fakeSelector struct {
	mu        sync.Mutex
	selection selector.Selection
	added     []models.Message
	runs      int
	state     json.RawMessage
}

func (s *fakeSelector) Add(_ context.Context, msg models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.added = append(s.added, msg)
	return nil
}

func (s *fakeSelector) Run(_ context.Context, _ models.Message) (selector.Selection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs++
	return s.selection, nil
}

func (s *fakeSelector) State() (json.RawMessage, error) {
	if s.state == nil {
		return json.RawMessage(`null`), nil
	}
	return s.state, nil
}

func (s *fakeSelector) SetState(state json.RawMessage) error { s.state = state; return nil }

type fixture struct {
	manager  *Manager
	gateway  *fakeGateway
	handler  *fakeHandler
	registry *fakeRegistry
	users    *fakeUsers
	selector *fakeSelector
}

func newFixture(t *testing.T, agents map[string]agent.Agent, sel *fakeSelector) *fixture {
	t.Helper()
	store, err := permissions.NewFileStore(filepath.Join(t.TempDir(), "permissions.json"))
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	f := &fixture{
		gateway:  newFakeGateway(),
		handler:  &fakeHandler{},
		registry: &fakeRegistry{agents: agents},
		users: &fakeUsers{
			authenticated: map[string]bool{"u": true, "alice": true},
			secrets:       map[string]map[string]string{"u": {"API_KEY": "k"}},
		},
		selector: sel,
	}
	opts := ManagerOptions{
		Dir:         t.TempDir(),
		Registry:    f.registry,
		Permissions: store,
		Users:       f.users,
		Requests:    f.handler,
	}
	if sel != nil {
		opts.NewSelector = func() Selector { return sel }
	}
	m, err := NewManager(opts)
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	t.Cleanup(m.Close)
	f.manager = m
	return f
}

func respond(text string) func(*models.AgentRequest, []models.Message, func(models.AgentEvent)) {
	return func(_ *models.AgentRequest, _ []models.Message, emit func(models.AgentEvent)) {
		emit(&models.AgentResponse{Text: text, Final: true})
	}
}

func TestUpdateDeduplicatesByID(t *testing.T) {
	f := newFixture(t, nil, nil)
	s := f.manager.Create("S", f.gateway)

	msg := models.Message{Sender: "a", Text: "hi", ID: "m1"}
	if err := s.Update(context.Background(), msg); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if err := s.Update(context.Background(), msg); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	s.mu.Lock()
	n := len(s.messages)
	s.mu.Unlock()
	if n != 1 {
		t.Fatalf("messages = %d, want 1", n)
	}
	if !s.Contains("m1") {
		t.Fatalf("Contains(m1) = false")
	}
}

func TestAddressedInvocation(t *testing.T) {
	bot := &fakeAgent{name: "bot", script: respond("r")}
	f := newFixture(t, map[string]agent.Agent{"bot": bot}, nil)
	s := f.manager.Create("S", f.gateway)

	if err := s.Invoke(context.Background(), &models.AgentRequest{Query: "q", Sender: "u"}, "bot"); err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}

	d := f.gateway.await(t)
	if d.sender != "bot" || d.receiver != "u" || d.resp.Text != "r" {
		t.Fatalf("delivery = %+v", d)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.messages) != 2 {
		t.Fatalf("messages = %d, want invocation and response", len(s.messages))
	}
	if s.messages[0].Sender != "u" || s.messages[0].Receiver != "bot" || s.messages[0].Text != "q" {
		t.Fatalf("messages[0] = %+v", s.messages[0])
	}
	if s.messages[1].Sender != "bot" || s.messages[1].Receiver != "u" || s.messages[1].Text != "r" {
		t.Fatalf("messages[1] = %+v", s.messages[1])
	}
}

func TestInvokePassesSenderSecrets(t *testing.T) {
	bot := &fakeAgent{name: "bot", script: respond("r")}
	f := newFixture(t, map[string]agent.Agent{"bot": bot}, nil)
	s := f.manager.Create("S", f.gateway)

	if err := s.Invoke(context.Background(), &models.AgentRequest{Query: "q", Sender: "u"}, "bot"); err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	f.gateway.await(t)

	bot.mu.Lock()
	defer bot.mu.Unlock()
	if len(bot.gotSecrets) != 1 || bot.gotSecrets[0]["API_KEY"] != "k" {
		t.Fatalf("secrets = %v", bot.gotSecrets)
	}
}

func TestHandoffReissuesInvocation(t *testing.T) {
	bot := &fakeAgent{name: "bot", script: func(_ *models.AgentRequest, _ []models.Message, emit func(models.AgentEvent)) {
		emit(&models.AgentResponse{Text: "ok", Final: true, Handoffs: map[string]string{"search": "find X"}})
	}}
	var searchReq *models.AgentRequest
	var searchMu sync.Mutex
	search := &fakeAgent{name: "search", script: func(req *models.AgentRequest, _ []models.Message, emit func(models.AgentEvent)) {
		searchMu.Lock()
		searchReq = req
		searchMu.Unlock()
		emit(&models.AgentResponse{Text: "found", Final: true})
	}}
	f := newFixture(t, map[string]agent.Agent{"bot": bot, "search": search}, nil)
	s := f.manager.Create("S", f.gateway)

	if err := s.Invoke(context.Background(), &models.AgentRequest{Query: "go", Sender: "u"}, "bot"); err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}

	first := f.gateway.await(t)
	if first.sender != "bot" || first.resp.Handoffs["search"] != "find X" {
		t.Fatalf("first delivery = %+v", first)
	}
	second := f.gateway.await(t)
	if second.sender != "search" || second.resp.Text != "found" {
		t.Fatalf("second delivery = %+v", second)
	}

	searchMu.Lock()
	defer searchMu.Unlock()
	if searchReq == nil || searchReq.Query != "find X" || searchReq.Sender != "u" {
		t.Fatalf("handoff request = %+v", searchReq)
	}
}

func TestUnknownAgentProducesSystemResponse(t *testing.T) {
	f := newFixture(t, nil, nil)
	s := f.manager.Create("S", f.gateway)

	if err := s.Invoke(context.Background(), &models.AgentRequest{Query: "q", Sender: "u"}, "ghost"); err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	d := f.gateway.await(t)
	if d.sender != models.SystemSender || d.receiver != "u" {
		t.Fatalf("delivery = %+v", d)
	}
	if d.resp.Text != `Agent "ghost" does not exist` {
		t.Fatalf("text = %q", d.resp.Text)
	}

	// Refusals reach the gateway only; the conversation log stays clean.
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.messages) != 0 {
		t.Fatalf("messages = %d, want refusal kept out of the log", len(s.messages))
	}
}

func TestUnauthenticatedSenderIsRefused(t *testing.T) {
	bot := &fakeAgent{name: "bot", script: respond("r")}
	f := newFixture(t, map[string]agent.Agent{"bot": bot}, nil)
	s := f.manager.Create("S", f.gateway)

	if err := s.Invoke(context.Background(), &models.AgentRequest{Query: "q", Sender: "mallory"}, "bot"); err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	d := f.gateway.await(t)
	if d.sender != models.SystemSender || d.receiver != "mallory" {
		t.Fatalf("delivery = %+v", d)
	}
	if d.resp.Text != `User "mallory" is not authenticated` {
		t.Fatalf("text = %q", d.resp.Text)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.workers) != 0 {
		t.Fatalf("workers = %d, want none created", len(s.workers))
	}
	if len(s.messages) != 0 {
		t.Fatalf("messages = %d, want refusal kept out of the log", len(s.messages))
	}
}

func TestWorkerUpdatesFanOutAndClear(t *testing.T) {
	release := make(chan struct{})
	bot := &fakeAgent{name: "bot", script: func(_ *models.AgentRequest, _ []models.Message, emit func(models.AgentEvent)) {
		<-release
		emit(&models.AgentResponse{Text: "done", Final: true})
	}}
	f := newFixture(t, map[string]agent.Agent{"bot": bot}, nil)
	s := f.manager.Create("S", f.gateway)

	// First run drains the (empty) buffer; hold it open while updates arrive.
	if err := s.Invoke(context.Background(), &models.AgentRequest{Query: "q1", Sender: "u"}, "bot"); err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if err := s.Update(context.Background(), models.Message{Sender: "alice", Text: "fyi", ID: "m1"}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	// A message sent by the agent itself must not fan out to it.
	if err := s.Update(context.Background(), models.Message{Sender: "bot", Text: "self", ID: "m2"}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	close(release)
	f.gateway.await(t)

	if err := s.Invoke(context.Background(), &models.AgentRequest{Query: "q2", Sender: "u"}, "bot"); err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	f.gateway.await(t)

	deadline := time.Now().Add(5 * time.Second)
	for {
		bot.mu.Lock()
		runs := len(bot.gotUpdates)
		bot.mu.Unlock()
		if runs >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("second run never started")
		}
		time.Sleep(10 * time.Millisecond)
	}

	bot.mu.Lock()
	defer bot.mu.Unlock()
	second := bot.gotUpdates[1]
	var texts []string
	for _, m := range second {
		texts = append(texts, m.Text)
	}
	joined := strings.Join(texts, "|")
	if !strings.Contains(joined, "fyi") {
		t.Fatalf("second run updates = %v, want alice's message", texts)
	}
	if strings.Contains(joined, "self") {
		t.Fatalf("agent's own message fanned back to it: %v", texts)
	}
}

func TestPermissionEscalationPersistsSessionGrant(t *testing.T) {
	script := func(_ *models.AgentRequest, _ []models.Message, emit func(models.AgentEvent)) {
		req := models.NewPermissionRequest("T", nil, map[string]any{"x": 1})
		emit(req)
		level, err := req.Response(context.Background())
		if err != nil {
			emit(&models.AgentResponse{Text: "error", Final: true})
			return
		}
		emit(&models.AgentResponse{Text: fmt.Sprintf("level=%d", level), Final: true})
	}
	bot := &fakeAgent{name: "bot", script: script}
	bot2 := &fakeAgent{name: "bot", script: script}
	f := newFixture(t, map[string]agent.Agent{"bot": bot}, nil)
	f.handler.permission = models.PermissionSession

	s := f.manager.Create("S", f.gateway)
	if err := s.Invoke(context.Background(), &models.AgentRequest{Query: "q1", Sender: "u"}, "bot"); err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if d := f.gateway.await(t); d.resp.Text != "level=2" {
		t.Fatalf("first delivery = %+v", d)
	}
	if f.handler.asks() != 1 {
		t.Fatalf("asks = %d, want 1", f.handler.asks())
	}
	// The prompt names the requesting agent and the addressed user.
	if sender, receiver := f.handler.addressing(); sender != "bot" || receiver != "u" {
		t.Fatalf("prompt addressed (%q, %q), want (bot, u)", sender, receiver)
	}

	// Second call in the same session is answered from the store.
	if err := s.Invoke(context.Background(), &models.AgentRequest{Query: "q2", Sender: "u"}, "bot"); err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if d := f.gateway.await(t); d.resp.Text != "level=2" {
		t.Fatalf("second delivery = %+v", d)
	}
	if f.handler.asks() != 1 {
		t.Fatalf("asks = %d, want still 1", f.handler.asks())
	}

	// A different session prompts again.
	f.registry.agents["bot"] = bot2
	other := f.manager.Create("S2", f.gateway)
	if err := other.Invoke(context.Background(), &models.AgentRequest{Query: "q3", Sender: "u"}, "bot"); err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	f.gateway.await(t)
	if f.handler.asks() != 2 {
		t.Fatalf("asks = %d, want 2 after new session", f.handler.asks())
	}
}

func TestFeedbackRequestReachesUser(t *testing.T) {
	bot := &fakeAgent{name: "bot", script: func(_ *models.AgentRequest, _ []models.Message, emit func(models.AgentEvent)) {
		req := models.NewFeedbackRequest("which?")
		emit(req)
		answer, _ := req.Response(context.Background())
		emit(&models.AgentResponse{Text: "picked " + answer, Final: true})
	}}
	f := newFixture(t, map[string]agent.Agent{"bot": bot}, nil)
	f.handler.feedback = "the red one"
	s := f.manager.Create("S", f.gateway)

	if err := s.Invoke(context.Background(), &models.AgentRequest{Query: "choose", Sender: "u"}, "bot"); err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if d := f.gateway.await(t); d.resp.Text != "picked the red one" {
		t.Fatalf("delivery = %+v", d)
	}
}

func TestAgentPanicBecomesErrorResponse(t *testing.T) {
	calls := 0
	bot := &fakeAgent{name: "bot"}
	bot.script = func(_ *models.AgentRequest, _ []models.Message, emit func(models.AgentEvent)) {
		calls++
		if calls == 1 {
			panic("boom")
		}
		emit(&models.AgentResponse{Text: "recovered", Final: true})
	}
	f := newFixture(t, map[string]agent.Agent{"bot": bot}, nil)
	s := f.manager.Create("S", f.gateway)

	if err := s.Invoke(context.Background(), &models.AgentRequest{Query: "q1", Sender: "u"}, "bot"); err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	d := f.gateway.await(t)
	if d.sender != "bot" || !strings.Contains(d.resp.Text, "boom") {
		t.Fatalf("delivery = %+v", d)
	}

	// The worker survives and serves the next item.
	if err := s.Invoke(context.Background(), &models.AgentRequest{Query: "q2", Sender: "u"}, "bot"); err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	if d := f.gateway.await(t); d.resp.Text != "recovered" {
		t.Fatalf("delivery after panic = %+v", d)
	}
}

func TestSelectorNullChoiceProducesNoInvocation(t *testing.T) {
	bot := &fakeAgent{name: "bot", script: respond("r")}
	sel := &fakeSelector{}
	f := newFixture(t, map[string]agent.Agent{"bot": bot}, sel)
	s := f.manager.Create("S", f.gateway)

	if err := s.Update(context.Background(), models.Message{Sender: "alice", Text: "morning", ID: "m1"}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	f.gateway.awaitNone(t, 200*time.Millisecond)
}

func TestSelectorRefusedConfirmationProducesNoInvocation(t *testing.T) {
	bot := &fakeAgent{name: "bot", script: respond("r")}
	sel := &fakeSelector{selection: selector.Selection{AgentName: "bot", Query: "do it"}}
	f := newFixture(t, map[string]agent.Agent{"bot": bot}, sel)
	f.handler.confirmation = models.ConfirmationResponse{Confirmed: false}
	s := f.manager.Create("S", f.gateway)

	if err := s.Update(context.Background(), models.Message{Sender: "alice", Text: "hm", ID: "m1"}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	f.gateway.awaitNone(t, 200*time.Millisecond)
}

func TestSelectorConfirmedChoiceInvokesAgent(t *testing.T) {
	bot := &fakeAgent{name: "bot", script: respond("r")}
	sel := &fakeSelector{selection: selector.Selection{AgentName: "bot", Query: "do it"}}
	f := newFixture(t, map[string]agent.Agent{"bot": bot}, sel)
	f.handler.confirmation = models.ConfirmationResponse{Confirmed: true}
	s := f.manager.Create("S", f.gateway)

	if err := s.Update(context.Background(), models.Message{Sender: "alice", Text: "please", ID: "m1"}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	d := f.gateway.await(t)
	if d.sender != "bot" || d.receiver != "alice" || d.resp.Text != "r" {
		t.Fatalf("delivery = %+v", d)
	}
	// The confirmation prompt names the proposed agent.
	if sender, receiver := f.handler.addressing(); sender != "bot" || receiver != "alice" {
		t.Fatalf("confirmation addressed (%q, %q), want (bot, alice)", sender, receiver)
	}
}

func TestSelectorOnlyObservesAgentTraffic(t *testing.T) {
	bot := &fakeAgent{name: "bot", script: respond("r")}
	sel := &fakeSelector{selection: selector.Selection{AgentName: "bot", Query: "x"}}
	f := newFixture(t, map[string]agent.Agent{"bot": bot}, sel)
	f.handler.confirmation = models.ConfirmationResponse{Confirmed: false}
	s := f.manager.Create("S", f.gateway)

	if err := s.Update(context.Background(), models.Message{Sender: models.SystemSender, Text: "notice", ID: "m1"}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}
	if err := s.Update(context.Background(), models.Message{Sender: "bot", Receiver: "alice", Text: "reply", ID: "m2"}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		sel.mu.Lock()
		added, runs := len(sel.added), sel.runs
		sel.mu.Unlock()
		if added == 2 && runs == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("added = %d, runs = %d, want 2 and 0", added, runs)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	bot := &fakeAgent{name: "bot", script: respond("r"), state: json.RawMessage(`{"turns":3}`)}
	sel := &fakeSelector{state: json.RawMessage(`{"n":1}`)}
	f := newFixture(t, map[string]agent.Agent{"bot": bot}, sel)
	s := f.manager.Create("S", f.gateway)

	if err := s.Invoke(context.Background(), &models.AgentRequest{Query: "q", Sender: "u"}, "bot"); err != nil {
		t.Fatalf("Invoke() error = %v", err)
	}
	f.gateway.await(t)

	// Settle so both messages are in the log before snapshotting.
	deadline := time.Now().Add(5 * time.Second)
	for {
		s.mu.Lock()
		n := len(s.messages)
		s.mu.Unlock()
		if n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("log never settled")
		}
		time.Sleep(10 * time.Millisecond)
	}

	doc, err := s.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if err := f.manager.SaveSessionState("S", doc); err != nil {
		t.Fatalf("SaveSessionState() error = %v", err)
	}
	loaded, err := f.manager.LoadSessionState("S")
	if err != nil {
		t.Fatalf("LoadSessionState() error = %v", err)
	}
	if !reflect.DeepEqual(doc.Messages, loaded.Messages) {
		t.Fatalf("messages round trip mismatch:\n%v\n%v", doc.Messages, loaded.Messages)
	}
	if string(loaded.Agents["bot"].History) != `{"turns":3}` {
		t.Fatalf("agent history = %s", loaded.Agents["bot"].History)
	}
	if string(loaded.Selector) != `{"n":1}` {
		t.Fatalf("selector state = %s", loaded.Selector)
	}
}

func TestManagerLoadRestoresSession(t *testing.T) {
	bot := &fakeAgent{name: "bot", script: respond("r")}
	sel := &fakeSelector{}
	f := newFixture(t, map[string]agent.Agent{"bot": bot}, sel)

	doc := &StateDoc{
		Messages: []models.Message{{Sender: "u", Receiver: "bot", Text: "q", ID: "m1"}},
		Agents: map[string]AgentState{
			"bot": {Updates: []models.Message{{Sender: "alice", Text: "fyi"}}, History: json.RawMessage(`{"turns":1}`)},
		},
		Selector: json.RawMessage(`{"n":2}`),
	}
	if err := f.manager.SaveSessionState("S", doc); err != nil {
		t.Fatalf("SaveSessionState() error = %v", err)
	}

	s, err := f.manager.Load(context.Background(), "S", f.gateway)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if s == nil {
		t.Fatalf("Load() = nil for existing state")
	}
	if !s.Contains("m1") {
		t.Fatalf("restored session lost dedup state")
	}
	if string(bot.state) != `{"turns":1}` {
		t.Fatalf("agent state = %s", bot.state)
	}
	if string(sel.state) != `{"n":2}` {
		t.Fatalf("selector state = %s", sel.state)
	}

	if s2, err := f.manager.Load(context.Background(), "missing", f.gateway); err != nil || s2 != nil {
		t.Fatalf("Load(missing) = %v, %v, want nil, nil", s2, err)
	}
}

func TestSyncWritesNewSessionImmediately(t *testing.T) {
	f := newFixture(t, nil, nil)
	s := f.manager.Create("S", f.gateway)
	if err := s.Update(context.Background(), models.Message{Sender: "a", Text: "hi", ID: "m1"}); err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.manager.Sync(ctx, time.Hour)
	}()

	deadline := time.Now().Add(5 * time.Second)
	for {
		doc, err := f.manager.LoadSessionState("S")
		if err == nil && doc != nil {
			if len(doc.Messages) != 1 {
				t.Errorf("messages = %d, want 1", len(doc.Messages))
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("initial checkpoint never written")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("Sync() did not stop on cancellation")
	}
}

func TestLoadThreadsSkipsUnknownIDs(t *testing.T) {
	f := newFixture(t, nil, nil)
	if err := f.manager.SaveSessionState("t1", &StateDoc{
		Messages: []models.Message{{Sender: "a", Text: "one"}},
		Agents:   map[string]AgentState{},
	}); err != nil {
		t.Fatalf("SaveSessionState() error = %v", err)
	}

	threads := f.manager.LoadThreads(context.Background(), []string{"t1", "nope"})
	if len(threads) != 1 || threads[0].SessionID != "t1" || len(threads[0].Messages) != 1 {
		t.Fatalf("threads = %+v", threads)
	}
}
