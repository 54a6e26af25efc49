package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/haasonsaas/grouphub/internal/agent"
	"github.com/haasonsaas/grouphub/pkg/models"
)

// workItem is one queue entry: either a passive update or an invocation.
type workItem struct {
	update  *models.Message
	request *models.AgentRequest
	secrets map[string]string
}

// worker is the per-agent serializing actor inside a session. It owns its
// Agent instance, buffers updates between runs, and processes queue items
// strictly FIFO.
type worker struct {
	name    string
	agent   agent.Agent
	session *Session
	logger  *slog.Logger

	mu      sync.Mutex
	items   []workItem
	updates []models.Message
	wake    chan struct{}
}

func newWorker(s *Session, name string, a agent.Agent, backlog []models.Message, logger *slog.Logger) *worker {
	return &worker{
		name:    name,
		agent:   a,
		session: s,
		logger:  logger,
		updates: backlog,
		wake:    make(chan struct{}, 1),
	}
}

// enqueueUpdate appends a passive update to the queue. Never blocks, so the
// session may call it while holding its own lock.
func (w *worker) enqueueUpdate(msg models.Message) {
	w.enqueue(workItem{update: &msg})
}

// enqueueInvoke appends an invocation with the sender's decrypted secrets.
func (w *worker) enqueueInvoke(req *models.AgentRequest, secrets map[string]string) {
	w.enqueue(workItem{request: req, secrets: secrets})
}

func (w *worker) enqueue(item workItem) {
	w.mu.Lock()
	w.items = append(w.items, item)
	w.mu.Unlock()
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// pendingUpdates returns a copy of the update buffer for snapshots.
func (w *worker) pendingUpdates() []models.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]models.Message, len(w.updates))
	copy(out, w.updates)
	return out
}

// run is the worker loop. Cancellation takes effect between items.
func (w *worker) run(ctx context.Context) {
	release, err := w.agent.SessionScope(ctx)
	if err != nil {
		w.logger.Error("agent session scope failed", "agent", w.name, "error", err)
		return
	}
	defer release()

	for {
		item, ok := w.next(ctx)
		if !ok {
			return
		}
		if item.update != nil {
			w.mu.Lock()
			w.updates = append(w.updates, *item.update)
			w.mu.Unlock()
			continue
		}
		w.process(ctx, item.request, item.secrets)
	}
}

func (w *worker) next(ctx context.Context) (workItem, bool) {
	for {
		w.mu.Lock()
		if len(w.items) > 0 {
			item := w.items[0]
			w.items = w.items[1:]
			w.mu.Unlock()
			return item, true
		}
		w.mu.Unlock()
		select {
		case <-ctx.Done():
			return workItem{}, false
		case <-w.wake:
		}
	}
}

// process drives one agent run. A panic inside the agent or the event loop is
// reported as a synthetic final response; the worker stays alive for the next
// item.
func (w *worker) process(ctx context.Context, req *models.AgentRequest, secrets map[string]string) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("agent run panicked", "agent", w.name, "panic", r)
			resp := &models.AgentResponse{Text: fmt.Sprintf("Error: agent %q failed: %v", w.name, r), Final: true}
			if err := w.session.HandleAgentResponse(ctx, resp, w.name, req.Sender); err != nil {
				w.logger.Error("error response delivery failed", "agent", w.name, "error", err)
			}
		}
	}()

	release, err := w.agent.RequestScope(ctx, secrets)
	if err != nil {
		w.logger.Error("agent request scope failed", "agent", w.name, "error", err)
		resp := &models.AgentResponse{Text: fmt.Sprintf("Error: agent %q failed: %v", w.name, err), Final: true}
		if derr := w.session.HandleAgentResponse(ctx, resp, w.name, req.Sender); derr != nil {
			w.logger.Error("error response delivery failed", "agent", w.name, "error", derr)
		}
		return
	}
	defer release()

	w.mu.Lock()
	pending := w.updates
	w.updates = nil
	w.mu.Unlock()

	for event := range w.agent.Run(ctx, req, pending) {
		switch ev := event.(type) {
		case *models.AgentResponse:
			if err := w.session.HandleAgentResponse(ctx, ev, w.name, req.Sender); err != nil {
				w.logger.Error("response delivery failed", "agent", w.name, "error", err)
			}
		case *models.PermissionRequest:
			if err := w.session.HandlePermissionRequest(ctx, ev, w.name, req.Sender); err != nil {
				w.logger.Warn("permission arbitration failed", "agent", w.name, "error", err)
			}
		case *models.FeedbackRequest:
			if err := w.session.HandleFeedbackRequest(ctx, ev, w.name, req.Sender); err != nil {
				w.logger.Warn("feedback arbitration failed", "agent", w.name, "error", err)
			}
		}
	}
}
