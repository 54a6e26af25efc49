package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/haasonsaas/grouphub/internal/agent"
	"github.com/haasonsaas/grouphub/internal/users"
)

var registerCmd = &cobra.Command{
	Use:   "register",
	Short: "Register users and agents",
}

var (
	registerSecrets     []string
	registerMappings    []string
	registerPreferences string
)

var registerUserCmd = &cobra.Command{
	Use:   "user <name>",
	Short: "Register a hub user with encrypted secrets",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
		reg, err := users.NewRegistry(filepath.Join(cfg.DataDir, "users.json"))
		if err != nil {
			return err
		}

		password, err := promptPassword("password: ")
		if err != nil {
			return err
		}
		confirm, err := promptPassword("confirm password: ")
		if err != nil {
			return err
		}
		if password != confirm {
			return fmt.Errorf("passwords do not match")
		}

		secrets, err := parsePairs(registerSecrets)
		if err != nil {
			return err
		}
		mappings, err := parsePairs(registerMappings)
		if err != nil {
			return err
		}

		if err := reg.Register(args[0], password, secrets, mappings); err != nil {
			return err
		}
		if registerPreferences != "" {
			prefs, err := users.NewPreferences(filepath.Join(cfg.DataDir, "preferences.json"))
			if err != nil {
				return err
			}
			if err := prefs.Set(args[0], registerPreferences); err != nil {
				return err
			}
		}
		fmt.Printf("registered user %s\n", args[0])
		return nil
	},
}

var (
	agentDescription   string
	agentProvider      string
	agentModel         string
	agentInstructions  string
	agentMaxTokens     int
	agentMaxIterations int
	agentAskUser       bool
	agentTools         []string
	agentHandoffs      []string
	agentHandoffTarget string
)

var registerAgentCmd = &cobra.Command{
	Use:   "agent <name>",
	Short: "Register an agent configuration",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
			return fmt.Errorf("create data dir: %w", err)
		}
		reg, err := agent.NewFileRegistry(filepath.Join(cfg.DataDir, "agents.yaml"), nil, nil, nil)
		if err != nil {
			return err
		}

		agentCfg := agent.Config{
			Name:          args[0],
			Description:   agentDescription,
			Provider:      agentProvider,
			Model:         agentModel,
			Instructions:  agentInstructions,
			MaxTokens:     agentMaxTokens,
			MaxIterations: agentMaxIterations,
			AskUser:       agentAskUser,
			Tools:         agentTools,
			Handoffs:      agentHandoffs,
		}
		if agentHandoffTarget != "" {
			agentCfg = agent.Config{
				Name:        args[0],
				Description: agentDescription,
				Handoff:     &agent.HandoffConfig{Target: agentHandoffTarget},
			}
		}

		if err := reg.AddConfig(agentCfg); err != nil {
			return err
		}
		fmt.Printf("registered agent %s\n", args[0])
		return nil
	},
}

func init() {
	registerUserCmd.Flags().StringArrayVar(&registerSecrets, "secret", nil, "secret as NAME=value (repeatable)")
	registerUserCmd.Flags().StringArrayVar(&registerMappings, "mapping", nil, "gateway mapping as gateway=username (repeatable)")
	registerUserCmd.Flags().StringVar(&registerPreferences, "preferences", "", "free-form preference text agents receive for this user")

	registerAgentCmd.Flags().StringVar(&agentDescription, "description", "", "agent description shown to the selector")
	registerAgentCmd.Flags().StringVar(&agentProvider, "provider", "openai", "LLM provider name")
	registerAgentCmd.Flags().StringVar(&agentModel, "model", "", "model identifier")
	registerAgentCmd.Flags().StringVar(&agentInstructions, "instructions", "", "system instructions")
	registerAgentCmd.Flags().IntVar(&agentMaxTokens, "max-tokens", 0, "completion token limit")
	registerAgentCmd.Flags().IntVar(&agentMaxIterations, "max-iterations", 0, "tool loop iteration limit")
	registerAgentCmd.Flags().BoolVar(&agentAskUser, "ask-user", false, "allow the agent to ask the user questions mid-run")
	registerAgentCmd.Flags().StringArrayVar(&agentTools, "tool", nil, "tool name (repeatable)")
	registerAgentCmd.Flags().StringArrayVar(&agentHandoffs, "handoff", nil, "agent this agent may hand off to (repeatable)")
	registerAgentCmd.Flags().StringVar(&agentHandoffTarget, "forward-to", "", "make this a forwarding agent targeting the given agent")

	registerCmd.AddCommand(registerUserCmd, registerAgentCmd)
}

// promptPassword reads a password without echo when stdin is a terminal.
func promptPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	if term.IsTerminal(int(syscall.Stdin)) {
		raw, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("read password: %w", err)
		}
		return string(raw), nil
	}
	var line string
	if _, err := fmt.Fscanln(os.Stdin, &line); err != nil {
		return "", fmt.Errorf("read password: %w", err)
	}
	return line, nil
}

func parsePairs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("malformed pair %q, want key=value", pair)
		}
		out[k] = v
	}
	return out, nil
}
