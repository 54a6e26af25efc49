package agent

import (
	"fmt"
	"strings"

	"github.com/haasonsaas/grouphub/pkg/models"
)

// formatMessage renders a conversation message as a model-facing XML-ish tag.
func formatMessage(msg models.Message) string {
	return fmt.Sprintf("<message sender=%q receiver=%q>\n%s\n</message>", msg.Sender, msg.Receiver, msg.Text)
}

// formatInput builds the user prompt for an agent run: the addressed query
// plus observed updates and referenced threads as context.
func formatInput(req *models.AgentRequest, receiver string, updates []models.Message) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the receiver of the following query:\n\n<query sender=%q receiver=%q>\n%s\n</query>\n\nPlease respond to this query.", req.Sender, receiver, req.Query)

	if len(updates) == 0 && len(req.Threads) == 0 {
		return b.String()
	}

	b.WriteString(" You may use the following messages as context:\n\n<context>")

	if len(updates) > 0 {
		b.WriteString("\n\nNew messages between others in the current thread:\n\n<updates>\n")
		for i, msg := range updates {
			if i > 0 {
				b.WriteString("\n")
			}
			b.WriteString(formatMessage(msg))
		}
		b.WriteString("\n</updates>")
	}

	if len(req.Threads) > 0 {
		b.WriteString("\n\nMessages in other threads:\n\n<threads>\n")
		for i, thread := range req.Threads {
			if i > 0 {
				b.WriteString("\n")
			}
			fmt.Fprintf(&b, "<thread id=%q>\n", thread.SessionID)
			for j, msg := range thread.Messages {
				if j > 0 {
					b.WriteString("\n")
				}
				b.WriteString(formatMessage(msg))
			}
			b.WriteString("\n</thread>")
		}
		b.WriteString("\n</threads>")
	}

	b.WriteString("\n</context>")
	return b.String()
}
