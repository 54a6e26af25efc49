package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/haasonsaas/grouphub/internal/agent/providers"
	"github.com/haasonsaas/grouphub/internal/tools"
)

// ErrAgentExists is returned when registering a name that is already taken.
var ErrAgentExists = errors.New("agent already registered")

// ErrAgentNotFound is returned when no agent is registered under a name.
var ErrAgentNotFound = errors.New("agent not registered")

// Config is the persisted configuration for one agent.
type Config struct {
	Name        string `yaml:"name" json:"name"`
	Description string `yaml:"description" json:"description"`

	// Handoff, when set, makes this a forwarding agent instead of an LLM one.
	Handoff *HandoffConfig `yaml:"handoff,omitempty" json:"handoff,omitempty"`

	Provider      string `yaml:"provider,omitempty" json:"provider,omitempty"`
	Model         string `yaml:"model,omitempty" json:"model,omitempty"`
	Instructions  string `yaml:"instructions,omitempty" json:"instructions,omitempty"`
	MaxTokens     int    `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
	MaxIterations int    `yaml:"max_iterations,omitempty" json:"max_iterations,omitempty"`
	AskUser       bool   `yaml:"ask_user,omitempty" json:"ask_user,omitempty"`

	// Tools lists tool names resolved against the process tool registry at
	// hydration time. Unknown names are logged and dropped.
	Tools []string `yaml:"tools,omitempty" json:"tools,omitempty"`

	// Servers are tool-server configs subject to ${NAME} substitution.
	Servers []ServerConfig `yaml:"servers,omitempty" json:"servers,omitempty"`

	// Handoffs lists agents this agent may route follow-up queries to.
	Handoffs []string `yaml:"handoffs,omitempty" json:"handoffs,omitempty"`
}

// HandoffConfig configures a forwarding agent.
type HandoffConfig struct {
	Target string `yaml:"target" json:"target"`
}

// Factory builds an agent programmatically, bypassing configuration.
type Factory func() Agent

// FileRegistry is a yaml-file-backed agent registry. Configurations persist
// across restarts; factories are process-local.
type FileRegistry struct {
	mu        sync.Mutex
	path      string
	configs   map[string]Config
	factories map[string]factoryEntry
	providers map[string]providers.Provider
	tools     *tools.Registry
	logger    *slog.Logger
}

type factoryEntry struct {
	description string
	factory     Factory
}

type registryDoc struct {
	Agents []Config `yaml:"agents"`
}

// NewFileRegistry opens (or creates) the registry file at path.
func NewFileRegistry(path string, provs map[string]providers.Provider, toolReg *tools.Registry, logger *slog.Logger) (*FileRegistry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if toolReg == nil {
		toolReg = tools.NewRegistry()
	}
	r := &FileRegistry{
		path:      path,
		configs:   make(map[string]Config),
		factories: make(map[string]factoryEntry),
		providers: provs,
		tools:     toolReg,
		logger:    logger,
	}
	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *FileRegistry) load() error {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read agent registry: %w", err)
	}
	var doc registryDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse agent registry: %w", err)
	}
	for _, cfg := range doc.Agents {
		r.configs[cfg.Name] = cfg
	}
	return nil
}

// save persists all configs. Caller holds r.mu.
func (r *FileRegistry) save() error {
	doc := registryDoc{Agents: make([]Config, 0, len(r.configs))}
	for _, name := range sortedNames(r.configs) {
		doc.Agents = append(doc.Agents, r.configs[name])
	}
	data, err := yaml.Marshal(&doc)
	if err != nil {
		return fmt.Errorf("encode agent registry: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return fmt.Errorf("create registry dir: %w", err)
	}
	if err := os.WriteFile(r.path, data, 0o644); err != nil {
		return fmt.Errorf("write agent registry: %w", err)
	}
	return nil
}

// AddConfig registers and persists a new agent configuration.
func (r *FileRegistry) AddConfig(cfg Config) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.configs[cfg.Name]; ok {
		return fmt.Errorf("%w: %s", ErrAgentExists, cfg.Name)
	}
	if _, ok := r.factories[cfg.Name]; ok {
		return fmt.Errorf("%w: %s", ErrAgentExists, cfg.Name)
	}
	r.configs[cfg.Name] = cfg
	return r.save()
}

// RemoveConfig deletes a persisted agent configuration.
func (r *FileRegistry) RemoveConfig(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.configs[name]; !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, name)
	}
	delete(r.configs, name)
	return r.save()
}

// AddFactory registers a programmatic agent constructor under a name.
func (r *FileRegistry) AddFactory(name, description string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.configs[name]; ok {
		return fmt.Errorf("%w: %s", ErrAgentExists, name)
	}
	if _, ok := r.factories[name]; ok {
		return fmt.Errorf("%w: %s", ErrAgentExists, name)
	}
	r.factories[name] = factoryEntry{description: description, factory: factory}
	return nil
}

// CreateAgent hydrates a new Agent instance for the given name.
func (r *FileRegistry) CreateAgent(_ context.Context, name string) (Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if entry, ok := r.factories[name]; ok {
		return entry.factory(), nil
	}

	cfg, ok := r.configs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, name)
	}

	if cfg.Handoff != nil {
		return NewHandoffAgent(cfg.Name, cfg.Handoff.Target), nil
	}

	provider, ok := r.providers[cfg.Provider]
	if !ok {
		return nil, fmt.Errorf("agent %s: unknown provider %q", name, cfg.Provider)
	}

	var hydrated []tools.Tool
	for _, toolName := range cfg.Tools {
		tool, ok := r.tools.Get(toolName)
		if !ok {
			// Tool symbols rebind at load time; stale references are dropped.
			r.logger.Warn("dropping unknown tool reference", "agent", name, "tool", toolName)
			continue
		}
		hydrated = append(hydrated, tool)
	}

	settings := Settings{
		Instructions:  cfg.Instructions,
		Model:         cfg.Model,
		MaxTokens:     cfg.MaxTokens,
		MaxIterations: cfg.MaxIterations,
		Tools:         hydrated,
		Servers:       cfg.Servers,
		AskUser:       cfg.AskUser,
		Handoffs:      cfg.Handoffs,
	}
	return NewDefaultAgent(cfg.Name, provider, settings, r.logger), nil
}

// RegisteredNames returns the set of all registered agent names.
func (r *FileRegistry) RegisteredNames(context.Context) (map[string]struct{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make(map[string]struct{}, len(r.configs)+len(r.factories))
	for name := range r.configs {
		names[name] = struct{}{}
	}
	for name := range r.factories {
		names[name] = struct{}{}
	}
	return names, nil
}

// Catalog renders the registered agents for the selector's model context.
func (r *FileRegistry) Catalog(context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	descriptions := make(map[string]string, len(r.configs)+len(r.factories))
	for name, cfg := range r.configs {
		descriptions[name] = cfg.Description
	}
	for name, entry := range r.factories {
		descriptions[name] = entry.description
	}
	if len(descriptions) == 0 {
		return "No agents are registered.", nil
	}

	names := make([]string, 0, len(descriptions))
	for name := range descriptions {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("Registered agents:\n")
	for _, name := range names {
		fmt.Fprintf(&b, "- %s: %s\n", name, descriptions[name])
	}
	return b.String(), nil
}

func sortedNames(configs map[string]Config) []string {
	names := make([]string, 0, len(configs))
	for name := range configs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
