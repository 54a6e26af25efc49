package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/grouphub/internal/agent"
	"github.com/haasonsaas/grouphub/internal/permissions"
	"github.com/haasonsaas/grouphub/internal/requests"
	"github.com/haasonsaas/grouphub/pkg/models"
)

// ManagerOptions carries the shared collaborators every session binds to.
type ManagerOptions struct {
	Dir         string
	Registry    agent.Registry
	Permissions permissions.Store
	Users       UserStore
	Requests    requests.Handler

	// NewSelector builds a fresh per-session selector. Nil disables routing
	// of unaddressed messages.
	NewSelector func() Selector

	Logger  *slog.Logger
	Metrics *Metrics
}

// Manager creates, restores, and checkpoints sessions. It is shared across
// gateways; all its methods are safe for concurrent use.
type Manager struct {
	opts ManagerOptions

	mu       sync.Mutex
	sessions map[string]*Session

	saveMu sync.Mutex
}

// NewManager creates a manager persisting session documents under opts.Dir.
func NewManager(opts ManagerOptions) (*Manager, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	return &Manager{opts: opts, sessions: make(map[string]*Session)}, nil
}

// Create builds a new in-memory session bound to the given gateway. An empty
// id gets a generated one.
func (m *Manager) Create(id string, gw Gateway) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	s := m.newSession(id, gw)
	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	return s
}

// Get returns the in-memory session with the given id, if any.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Load restores a session from its persisted document. Returns (nil, nil)
// when no document exists or it cannot be read.
func (m *Manager) Load(ctx context.Context, id string, gw Gateway) (*Session, error) {
	doc, err := m.LoadSessionState(id)
	if err != nil {
		m.opts.Logger.Warn("session state unreadable, treating as missing", "session", id, "error", err)
		return nil, nil
	}
	if doc == nil {
		return nil, nil
	}

	s := m.newSession(id, gw)
	if err := s.restore(ctx, doc); err != nil {
		s.Close()
		return nil, fmt.Errorf("restore session %s: %w", id, err)
	}
	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	return s, nil
}

// SaveSessionState writes the session document to <dir>/<id>.json.
func (m *Manager) SaveSessionState(id string, doc *StateDoc) error {
	m.saveMu.Lock()
	defer m.saveMu.Unlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session %s: %w", id, err)
	}
	path := m.statePath(id)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write session %s: %w", id, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit session %s: %w", id, err)
	}
	return nil
}

// LoadSessionState reads the persisted document for id, or nil when absent.
func (m *Manager) LoadSessionState(id string) (*StateDoc, error) {
	data, err := os.ReadFile(m.statePath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read session %s: %w", id, err)
	}
	var doc StateDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse session %s: %w", id, err)
	}
	return &doc, nil
}

// LoadThreads resolves session ids to read-only Threads in input order,
// silently skipping unknown ids. In-memory sessions win over their on-disk
// documents.
func (m *Manager) LoadThreads(ctx context.Context, ids []string) []models.Thread {
	var threads []models.Thread
	for _, id := range ids {
		if s, ok := m.Get(id); ok {
			s.mu.Lock()
			msgs := make([]models.Message, len(s.messages))
			copy(msgs, s.messages)
			s.mu.Unlock()
			threads = append(threads, models.Thread{SessionID: id, Messages: msgs})
			continue
		}
		doc, err := m.LoadSessionState(id)
		if err != nil || doc == nil {
			continue
		}
		threads = append(threads, models.Thread{SessionID: id, Messages: doc.Messages})
	}
	return threads
}

// SaveAll checkpoints every in-memory session.
func (m *Manager) SaveAll() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	sort.Strings(ids)

	for _, id := range ids {
		s, ok := m.Get(id)
		if !ok {
			continue
		}
		doc, err := s.Snapshot()
		if err != nil {
			m.logSaveError(id, err)
			continue
		}
		if err := m.SaveSessionState(id, doc); err != nil {
			m.logSaveError(id, err)
		}
	}
}

// Sync is the background checkpoint loop. Sessions without a prior on-disk
// document are written once immediately; all sessions are written at each
// interval. Returns when ctx is cancelled, after a final save.
func (m *Manager) Sync(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	m.saveNew()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.SaveAll()
			return
		case <-ticker.C:
			m.SaveAll()
		}
	}
}

// saveNew writes sessions that have no on-disk document yet.
func (m *Manager) saveNew() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		if _, err := os.Stat(m.statePath(id)); err == nil {
			continue
		}
		s, ok := m.Get(id)
		if !ok {
			continue
		}
		doc, err := s.Snapshot()
		if err != nil {
			m.logSaveError(id, err)
			continue
		}
		if err := m.SaveSessionState(id, doc); err != nil {
			m.logSaveError(id, err)
		}
	}
}

// Close stops all in-memory sessions.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		s.Close()
	}
}

func (m *Manager) newSession(id string, gw Gateway) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	var sel Selector
	if m.opts.NewSelector != nil {
		sel = m.opts.NewSelector()
	}
	return &Session{
		id:          id,
		gateway:     gw,
		registry:    m.opts.Registry,
		permissions: m.opts.Permissions,
		users:       m.opts.Users,
		requests:    m.opts.Requests,
		selector:    sel,
		manager:     m,
		logger:      m.opts.Logger,
		metrics:     m.opts.Metrics,
		ctx:         ctx,
		cancel:      cancel,
		seen:        make(map[string]struct{}),
		workers:     make(map[string]*worker),
	}
}

func (m *Manager) statePath(id string) string {
	return filepath.Join(m.opts.Dir, id+".json")
}

func (m *Manager) logSaveError(id string, err error) {
	m.opts.Logger.Error("session checkpoint failed", "session", id, "error", err)
	if m.opts.Metrics != nil {
		m.opts.Metrics.SaveErrors.Inc()
	}
}
