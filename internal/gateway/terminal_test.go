package gateway

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/haasonsaas/grouphub/internal/agent"
	"github.com/haasonsaas/grouphub/internal/permissions"
	"github.com/haasonsaas/grouphub/internal/requests"
	"github.com/haasonsaas/grouphub/internal/session"
	"github.com/haasonsaas/grouphub/internal/users"
)

func newTestManager(t *testing.T, userReg *users.Registry, sessionDir string) *session.Manager {
	t.Helper()
	dir := t.TempDir()
	if sessionDir == "" {
		sessionDir = filepath.Join(dir, "sessions")
	}
	agentReg, err := agent.NewFileRegistry(filepath.Join(dir, "agents.yaml"), nil, nil, nil)
	if err != nil {
		t.Fatalf("NewFileRegistry() error = %v", err)
	}
	permStore, err := permissions.NewFileStore(filepath.Join(dir, "permissions.json"))
	if err != nil {
		t.Fatalf("NewFileStore() error = %v", err)
	}
	m, err := session.NewManager(session.ManagerOptions{
		Dir:         sessionDir,
		Registry:    agentReg,
		Permissions: permStore,
		Users:       userReg,
		Requests:    requests.NewConsole(strings.NewReader(""), &bytes.Buffer{}, requests.ConsoleOptions{}),
	})
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	t.Cleanup(m.Close)
	return m
}

func newAuthenticatedUsers(t *testing.T) *users.Registry {
	t.Helper()
	reg, err := users.NewRegistry(filepath.Join(t.TempDir(), "users.json"))
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	if err := reg.Register("term", "pw", nil, nil); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if ok, err := reg.Authenticate("term", "pw"); err != nil || !ok {
		t.Fatalf("Authenticate() = %v, %v", ok, err)
	}
	return reg
}

func TestTerminalUnknownAgentPrintsSystemResponse(t *testing.T) {
	m := newTestManager(t, newAuthenticatedUsers(t), "")
	var out bytes.Buffer
	term := NewTerminal(m, "term", strings.NewReader("@ghost hello\n"), &out, nil)

	if err := term.Run(context.Background(), ""); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if !strings.Contains(out.String(), `Agent "ghost" does not exist`) {
		t.Fatalf("output = %q, want unknown-agent response", out.String())
	}
}

func TestTerminalUnaddressedLineBecomesUpdate(t *testing.T) {
	m := newTestManager(t, newAuthenticatedUsers(t), "")
	var out bytes.Buffer
	term := NewTerminal(m, "term", strings.NewReader("just chatting\n"), &out, nil)

	if err := term.Run(context.Background(), ""); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	doc, err := term.Session().Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if len(doc.Messages) != 1 || doc.Messages[0].Text != "just chatting" || doc.Messages[0].Sender != "term" {
		t.Fatalf("messages = %+v", doc.Messages)
	}
	if doc.Messages[0].ID == "" {
		t.Fatalf("terminal message missing deduplication id")
	}
}

func TestTerminalResumesExistingSession(t *testing.T) {
	sessionDir := filepath.Join(t.TempDir(), "sessions")
	m := newTestManager(t, newAuthenticatedUsers(t), sessionDir)
	var out bytes.Buffer
	first := NewTerminal(m, "term", strings.NewReader("one\n"), &out, nil)
	if err := first.Run(context.Background(), "S"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	doc, err := first.Session().Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if err := m.SaveSessionState("S", doc); err != nil {
		t.Fatalf("SaveSessionState() error = %v", err)
	}
	first.Session().Close()

	// A fresh manager over the same directory simulates a restart.
	m2 := newTestManager(t, newAuthenticatedUsers(t), sessionDir)

	second := NewTerminal(m2, "term", strings.NewReader("two\n"), &out, nil)
	if err := second.Run(context.Background(), "S"); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	doc2, err := second.Session().Snapshot()
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if len(doc2.Messages) != 2 {
		t.Fatalf("messages = %+v, want resumed log plus new line", doc2.Messages)
	}
}
