package users

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Preferences is the file-backed store for per-user preference text. The
// preference string is free-form; agents receive it verbatim as steering
// context for the user it belongs to.
type Preferences struct {
	mu   sync.Mutex
	path string
	data map[string]string
}

// NewPreferences opens (or creates) the preferences store at path.
func NewPreferences(path string) (*Preferences, error) {
	p := &Preferences{path: path, data: make(map[string]string)}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return p, nil
		}
		return nil, fmt.Errorf("read preferences: %w", err)
	}
	if len(data) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(data, &p.data); err != nil {
		return nil, fmt.Errorf("parse preferences: %w", err)
	}
	return p, nil
}

// Get returns the user's preference string, if one was set.
func (p *Preferences) Get(name string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	prefs, ok := p.data[name]
	return prefs, ok
}

// Set stores the user's preference string and persists.
func (p *Preferences) Set(name, prefs string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.data[name] = prefs
	return p.saveLocked()
}

// Delete removes the user's preference string and persists.
func (p *Preferences) Delete(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.data[name]; !ok {
		return nil
	}
	delete(p.data, name)
	return p.saveLocked()
}

func (p *Preferences) saveLocked() error {
	data, err := json.MarshalIndent(p.data, "", "  ")
	if err != nil {
		return fmt.Errorf("encode preferences: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("create preferences dir: %w", err)
	}
	if err := os.WriteFile(p.path, data, 0o600); err != nil {
		return fmt.Errorf("write preferences: %w", err)
	}
	return nil
}
