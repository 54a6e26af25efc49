package requests

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"

	"github.com/haasonsaas/grouphub/pkg/models"
)

// ConsoleOptions configures auto-responses for batch runs. A nil field means
// the console prompts interactively; MaxAuto bounds how many requests the
// auto-responses may answer before prompting resumes (0 means unlimited).
type ConsoleOptions struct {
	AutoPermission *models.PermissionLevel
	AutoFeedback   *string
	AutoConfirm    *bool
	MaxAuto        int
}

// Console is the in-process request channel: it prompts on a writer and
// blocks on reader input.
type Console struct {
	opts ConsoleOptions
	out  io.Writer

	mu       sync.Mutex
	in       *bufio.Scanner
	autoUsed int
}

// NewConsole creates a console channel reading answers from in.
func NewConsole(in io.Reader, out io.Writer, opts ConsoleOptions) *Console {
	return &Console{opts: opts, out: out, in: bufio.NewScanner(in)}
}

// HandlePermission implements Handler.
func (c *Console) HandlePermission(_ context.Context, req *models.PermissionRequest, sender, receiver, sessionID string) (models.PermissionLevel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.opts.AutoPermission != nil && c.autoAvailableLocked() {
		c.autoUsed++
		return *c.opts.AutoPermission, nil
	}

	fmt.Fprintf(c.out, "[%s] agent %s wants to run %s (asking %s)\n", sessionID, sender, req.Call(), receiver)
	fmt.Fprintf(c.out, "Allow? [0=deny 1=once 2=session 3=always]: ")
	line, err := c.readLineLocked()
	if err != nil {
		return models.PermissionDeny, err
	}
	level, err := parsePermissionAnswer(line)
	if err != nil {
		fmt.Fprintf(c.out, "%v, denying\n", err)
		return models.PermissionDeny, nil
	}
	return level, nil
}

// HandleFeedback implements Handler.
func (c *Console) HandleFeedback(_ context.Context, req *models.FeedbackRequest, sender, receiver, sessionID string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.opts.AutoFeedback != nil && c.autoAvailableLocked() {
		c.autoUsed++
		return *c.opts.AutoFeedback, nil
	}

	fmt.Fprintf(c.out, "[%s] %s asks %s: %s\n> ", sessionID, sender, receiver, req.Question)
	return c.readLineLocked()
}

// HandleConfirmation implements Handler.
func (c *Console) HandleConfirmation(_ context.Context, req *models.ConfirmationRequest, sender, receiver, sessionID string) (models.ConfirmationResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.opts.AutoConfirm != nil && c.autoAvailableLocked() {
		c.autoUsed++
		return models.ConfirmationResponse{Confirmed: *c.opts.AutoConfirm}, nil
	}

	fmt.Fprintf(c.out, "[%s] invite %s to answer %q?", sessionID, req.AgentName, req.Query)
	if req.Reasoning != "" {
		fmt.Fprintf(c.out, " (%s)", req.Reasoning)
	}
	fmt.Fprintf(c.out, " [y/N]: ")
	line, err := c.readLineLocked()
	if err != nil {
		return models.ConfirmationResponse{}, err
	}
	answer := strings.ToLower(strings.TrimSpace(line))
	return models.ConfirmationResponse{Confirmed: answer == "y" || answer == "yes"}, nil
}

func (c *Console) autoAvailableLocked() bool {
	return c.opts.MaxAuto <= 0 || c.autoUsed < c.opts.MaxAuto
}

func (c *Console) readLineLocked() (string, error) {
	if !c.in.Scan() {
		if err := c.in.Err(); err != nil {
			return "", fmt.Errorf("read console answer: %w", err)
		}
		return "", io.EOF
	}
	return c.in.Text(), nil
}

func parsePermissionAnswer(line string) (models.PermissionLevel, error) {
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "deny", "n", "no":
		return models.PermissionDeny, nil
	case "once", "y", "yes":
		return models.PermissionOnce, nil
	case "session":
		return models.PermissionSession, nil
	case "always":
		return models.PermissionAlways, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(line))
	if err != nil || n < 0 || n > 3 {
		return models.PermissionDeny, fmt.Errorf("unrecognized answer %q", line)
	}
	return models.PermissionLevel(n), nil
}
