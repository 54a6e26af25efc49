// Package permissions persists remembered tool-use decisions. Only
// session-scoped and permanent grants are stored; deny and grant-once are
// transient by definition.
package permissions

import (
	"context"

	"github.com/haasonsaas/grouphub/pkg/models"
)

// Entry is one remembered decision. SessionID is empty for permanent grants.
type Entry struct {
	ToolName  string                 `json:"tool_name"`
	Username  string                 `json:"username"`
	SessionID string                 `json:"session_id,omitempty"`
	Level     models.PermissionLevel `json:"permission"`
}

// Store looks up and records remembered tool-use decisions. Implementations
// are safe for concurrent use across sessions.
type Store interface {
	// Get returns the remembered level for (tool, user) in the given session.
	// A permanent grant wins over a session-scoped one. The second return is
	// false when no decision is remembered.
	Get(ctx context.Context, tool, user, sessionID string) (models.PermissionLevel, bool, error)

	// Set records a decision. PermissionAlways replaces every existing entry
	// for (tool, user) with a single permanent one. PermissionSession upserts
	// on (tool, user, session). Deny and Once are not persisted.
	Set(ctx context.Context, tool, user, sessionID string, level models.PermissionLevel) error

	// Close releases the backing resource.
	Close() error
}
