package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/xaenox/supportchat/internal/models"
)

// Transcript renders the session as the plain-text export used by admins.
func (c *Controller) Transcript(sessionID string) (string, error) {
	s, ok := c.store.Get(sessionID)
	if !ok {
		return "", models.NotFoundError("transcript", sessionID)
	}
	return FormatTranscript(s), nil
}

func FormatTranscript(s models.Session) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Session: %s\n", s.Title)
	fmt.Fprintf(&b, "Status: %s\n", s.Status)
	fmt.Fprintf(&b, "Priority: %s\n", s.Priority)
	fmt.Fprintf(&b, "Assignee: %s\n", orDash(s.AssigneeName, s.Assignee))
	fmt.Fprintf(&b, "User: %s <%s>\n", orDash(s.UserName), orDash(s.UserEmail))
	fmt.Fprintf(&b, "Created: %s\n", formatTime(&s.CreatedAt))
	fmt.Fprintf(&b, "Updated: %s\n", formatTime(&s.UpdatedAt))
	fmt.Fprintf(&b, "Closed: %s\n", formatTime(s.ClosedAt))
	b.WriteString("\nTranscript:\n")
	for _, m := range s.Messages {
		role := strings.ToUpper(string(m.Role))
		if m.IsAgent {
			role = "AGENT"
		}
		fmt.Fprintf(&b, "[%s] %s: %s\n", m.CreatedAt.UTC().Format(time.RFC3339), role, m.Content)
	}
	return b.String()
}

func orDash(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return "-"
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
