// Package tools defines the tool contract agents execute against, a process
// wide tool registry, and the variable substitution applied to tool-server
// configurations before each request.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Tool is a callable capability exposed to agents. Implementations must be
// safe for concurrent use; a tool may be shared by several agent workers.
type Tool interface {
	// Name is the unique tool identifier, e.g. "fetch".
	Name() string

	// Description tells the model what the tool does.
	Description() string

	// Schema is the JSON schema of the tool's arguments object.
	Schema() map[string]any

	// Execute runs the tool and returns its textual result.
	Execute(ctx context.Context, args map[string]any) (string, error)
}

// Registry is a named catalog of tools. Agent configurations reference tools
// by name and resolve them here at hydration time.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
}

// NewRegistry creates an empty tool registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool. Registering a duplicate name is an error.
func (r *Registry) Register(tool Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tools[tool.Name()]; ok {
		return fmt.Errorf("tool already registered: %s", tool.Name())
	}
	r.tools[tool.Name()] = tool
	return nil
}

// Get returns the tool with the given name, if registered.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Names returns all registered tool names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Func adapts a plain function to the Tool interface.
type Func struct {
	ToolName        string
	ToolDescription string
	ToolSchema      map[string]any
	Fn              func(ctx context.Context, args map[string]any) (string, error)
}

func (f *Func) Name() string           { return f.ToolName }
func (f *Func) Description() string    { return f.ToolDescription }
func (f *Func) Schema() map[string]any { return f.ToolSchema }

func (f *Func) Execute(ctx context.Context, args map[string]any) (string, error) {
	return f.Fn(ctx, args)
}
