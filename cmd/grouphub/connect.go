package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/haasonsaas/grouphub/internal/requests"
	"github.com/haasonsaas/grouphub/pkg/models"
)

var connectURL string

var connectCmd = &cobra.Command{
	Use:   "connect <username>",
	Short: "Connect to a hub's request channel and answer its requests",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password, err := promptPassword("password: ")
		if err != nil {
			return err
		}
		client, err := requests.Dial(cmd.Context(), connectURL, args[0], password)
		if err != nil {
			return err
		}
		defer client.Close()
		fmt.Fprintln(os.Stderr, "connected, waiting for requests")
		return client.Listen(cmd.Context(), &terminalResponder{in: bufio.NewScanner(os.Stdin)})
	},
}

func init() {
	connectCmd.Flags().StringVar(&connectURL, "url", "ws://127.0.0.1:8089", "request channel websocket URL")
}

// terminalResponder answers channel requests on the controlling terminal.
type terminalResponder struct {
	in *bufio.Scanner
}

func (r *terminalResponder) Permission(_ context.Context, env requests.Envelope) models.PermissionLevel {
	fmt.Printf("[%s] agent %s wants to run %s. Allow? [0=deny 1=once 2=session 3=always]: ", env.SessionID, env.Sender, env.ToolName)
	line := r.readLine()
	n, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil || n < 0 || n > 3 {
		return models.PermissionDeny
	}
	return models.PermissionLevel(n)
}

func (r *terminalResponder) Feedback(_ context.Context, env requests.Envelope) string {
	fmt.Printf("[%s] %s asks: %s\n> ", env.SessionID, env.Sender, env.Question)
	return r.readLine()
}

func (r *terminalResponder) Confirmation(_ context.Context, env requests.Envelope) models.ConfirmationResponse {
	fmt.Printf("[%s] run %s with %q?", env.SessionID, env.AgentName, env.Query)
	if env.Thoughts != "" {
		fmt.Printf(" (%s)", env.Thoughts)
	}
	fmt.Print(" [y/N]: ")
	answer := strings.ToLower(strings.TrimSpace(r.readLine()))
	return models.ConfirmationResponse{Confirmed: answer == "y" || answer == "yes"}
}

func (r *terminalResponder) readLine() string {
	if !r.in.Scan() {
		return ""
	}
	return r.in.Text()
}
