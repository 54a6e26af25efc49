package permissions

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/haasonsaas/grouphub/pkg/models"
)

// FileStore keeps the permission table as a JSON list on disk. Every mutation
// rewrites the file under the store's mutex.
type FileStore struct {
	mu      sync.Mutex
	path    string
	entries []Entry
}

// NewFileStore opens (or creates) the store at path.
func NewFileStore(path string) (*FileStore, error) {
	s := &FileStore{path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read permission store: %w", err)
	}
	if err := json.Unmarshal(data, &s.entries); err != nil {
		return nil, fmt.Errorf("parse permission store: %w", err)
	}
	return s, nil
}

// Get implements Store.
func (s *FileStore) Get(_ context.Context, tool, user, sessionID string) (models.PermissionLevel, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.entries {
		if e.ToolName == tool && e.Username == user && e.SessionID == "" {
			return e.Level, true, nil
		}
	}
	for _, e := range s.entries {
		if e.ToolName == tool && e.Username == user && e.SessionID == sessionID {
			return e.Level, true, nil
		}
	}
	return models.PermissionDeny, false, nil
}

// Set implements Store.
func (s *FileStore) Set(_ context.Context, tool, user, sessionID string, level models.PermissionLevel) error {
	switch level {
	case models.PermissionAlways:
		s.mu.Lock()
		defer s.mu.Unlock()
		kept := s.entries[:0]
		for _, e := range s.entries {
			if e.ToolName == tool && e.Username == user {
				continue
			}
			kept = append(kept, e)
		}
		s.entries = append(kept, Entry{ToolName: tool, Username: user, Level: level})
		return s.saveLocked()
	case models.PermissionSession:
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, e := range s.entries {
			if e.ToolName == tool && e.Username == user && e.SessionID == sessionID {
				s.entries[i].Level = level
				return s.saveLocked()
			}
		}
		s.entries = append(s.entries, Entry{ToolName: tool, Username: user, SessionID: sessionID, Level: level})
		return s.saveLocked()
	default:
		// Deny and Once never shadow an existing decision.
		return nil
	}
}

// Close implements Store.
func (s *FileStore) Close() error { return nil }

func (s *FileStore) saveLocked() error {
	data, err := json.MarshalIndent(s.entries, "", "  ")
	if err != nil {
		return fmt.Errorf("encode permission store: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create permission store dir: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return fmt.Errorf("write permission store: %w", err)
	}
	return nil
}
