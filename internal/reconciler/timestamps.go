package reconciler

import (
	"fmt"
	"strings"
	"time"

	"github.com/xaenox/supportchat/internal/models"
)

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

// ParseTimestamp accepts RFC3339 and the zone-less ISO form the backend
// emits, which is read as UTC.
func ParseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", raw)
}

// AwaitingResponse reports whether the message at i is a committed user
// message with no assistant message after it. It is derived on every read
// and never stored.
func AwaitingResponse(msgs []models.Message, i int) bool {
	if i < 0 || i >= len(msgs) {
		return false
	}
	if msgs[i].Role != models.RoleUser || msgs[i].Pending() {
		return false
	}
	for _, m := range msgs[i+1:] {
		if m.Role == models.RoleAssistant {
			return false
		}
	}
	return true
}

// PendingReply reports whether any user message in msgs awaits a response.
func PendingReply(msgs []models.Message) bool {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == models.RoleAssistant {
			return false
		}
		if AwaitingResponse(msgs, i) {
			return true
		}
	}
	return false
}
