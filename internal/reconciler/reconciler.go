// Package reconciler merges messages from optimistic sends, real-time
// confirmations and historical batches into one ordered list per session.
package reconciler

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/xaenox/supportchat/internal/models"
	"go.uber.org/zap"
)

type Reconciler struct {
	now    func() time.Time
	newID  func() string
	seq    atomic.Uint64
	logger *zap.Logger
}

type Option func(*Reconciler)

func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) { r.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(r *Reconciler) { r.newID = newID }
}

func New(logger *zap.Logger, opts ...Option) *Reconciler {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &Reconciler{
		now:    time.Now,
		newID:  uuid.NewString,
		logger: logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// AppendOptimistic inserts a pending message stamped with the current time
// and returns its temporary id.
func (r *Reconciler) AppendOptimistic(s *models.Session, content string, role models.Role, isAgent bool) string {
	msg := models.Message{
		ID:        r.newID(),
		SessionID: s.ID,
		Role:      role,
		Content:   content,
		IsAgent:   isAgent,
		CreatedAt: r.now(),
		State:     models.MessagePending,
		Seq:       r.seq.Add(1),
	}
	s.Messages = append(s.Messages, msg)
	sortMessages(s.Messages)
	return msg.ID
}

// ApplyConfirmed commits a server-confirmed message. A pending message with
// the same id, or failing that the oldest pending one from the same sender
// with the same content, is replaced. A message whose id is already
// committed is ignored. It reports whether the list changed.
func (r *Reconciler) ApplyConfirmed(s *models.Session, msg models.Message) bool {
	msg.SessionID = s.ID
	msg.State = models.MessageConfirmed
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = r.now()
	}

	pendingIdx := -1
	for i, m := range s.Messages {
		if m.ID == msg.ID {
			if !m.Pending() {
				return false
			}
			pendingIdx = i
			break
		}
	}
	if pendingIdx < 0 {
		pendingIdx = r.findPending(s.Messages, msg)
	}

	if pendingIdx >= 0 {
		msg.Seq = s.Messages[pendingIdx].Seq
		s.Messages[pendingIdx] = msg
	} else {
		msg.Seq = r.seq.Add(1)
		s.Messages = append(s.Messages, msg)
	}
	sortMessages(s.Messages)
	return true
}

func (r *Reconciler) findPending(msgs []models.Message, msg models.Message) int {
	for i, m := range msgs {
		if m.Pending() && m.Role == msg.Role && m.IsAgent == msg.IsAgent && m.Content == msg.Content {
			return i
		}
	}
	return -1
}

// ConfirmPending commits the pending message tempID under serverID, keeping
// its timestamp. An empty serverID keeps the temporary id. If serverID is
// already committed the pending copy is dropped.
func (r *Reconciler) ConfirmPending(s *models.Session, tempID, serverID string) bool {
	if serverID == "" {
		serverID = tempID
	}
	idx := -1
	for i, m := range s.Messages {
		if m.ID == serverID && !m.Pending() {
			return r.Remove(s, tempID)
		}
		if m.ID == tempID && m.Pending() {
			idx = i
		}
	}
	if idx < 0 {
		return false
	}
	s.Messages[idx].ID = serverID
	s.Messages[idx].State = models.MessageConfirmed
	return true
}

// Find returns the message with the given id.
func (r *Reconciler) Find(s *models.Session, id string) (models.Message, bool) {
	for _, m := range s.Messages {
		if m.ID == id {
			return m, true
		}
	}
	return models.Message{}, false
}

// Remove drops a pending message, used to roll back a failed send.
func (r *Reconciler) Remove(s *models.Session, id string) bool {
	for i, m := range s.Messages {
		if m.ID == id && m.Pending() {
			s.Messages = append(s.Messages[:i], s.Messages[i+1:]...)
			return true
		}
	}
	return false
}

// MergeResult summarises a historical merge.
type MergeResult struct {
	Added   int
	Skipped int
}

// MergeHistorical expands raw records and merges them without duplicating
// messages already present.
func (r *Reconciler) MergeHistorical(s *models.Session, records []models.RawRecord) MergeResult {
	expanded, skipped := r.Expand(s.ID, records)
	res := MergeResult{Skipped: skipped}
	for _, msg := range expanded {
		if r.ApplyConfirmed(s, msg) {
			res.Added++
		}
	}
	return res
}

// Expand turns raw records into logical messages sorted by timestamp. A
// record with a user_message yields a user message and, when it carries a
// response, an assistant message with the same timestamp. Legacy records
// with content/role yield one message. Anything else is skipped.
func (r *Reconciler) Expand(sessionID string, records []models.RawRecord) ([]models.Message, int) {
	var (
		out     []models.Message
		skipped int
	)
	for _, rec := range records {
		ts, err := ParseTimestamp(rec.Timestamp)
		if err != nil {
			r.logger.Warn("Skipping historical record with bad timestamp",
				zap.String("session_id", sessionID),
				zap.String("message_id", rec.MessageID),
				zap.String("timestamp", rec.Timestamp))
			skipped++
			continue
		}

		switch {
		case rec.UserMessage != "":
			id := rec.MessageID
			if id == "" {
				id = ContentID(sessionID, rec.Timestamp+"|user|"+rec.UserMessage)
			}
			out = append(out, models.Message{
				ID:        id,
				SessionID: sessionID,
				Role:      models.RoleUser,
				Content:   rec.UserMessage,
				CreatedAt: ts,
			})
			if rec.Response != "" {
				out = append(out, models.Message{
					ID:        ResponseID(id),
					SessionID: sessionID,
					Role:      models.RoleAssistant,
					Content:   rec.Response,
					CreatedAt: ts,
				})
			}
		case rec.Content != "" && rec.Role != "":
			role, isAgent, ok := legacyRole(rec.Role)
			if !ok {
				skipped++
				continue
			}
			id := rec.MessageID
			if id == "" {
				id = ContentID(sessionID, rec.Timestamp+"|"+rec.Role+"|"+rec.Content)
			}
			out = append(out, models.Message{
				ID:        id,
				SessionID: sessionID,
				Role:      role,
				Content:   rec.Content,
				IsAgent:   isAgent,
				CreatedAt: ts,
			})
		default:
			r.logger.Warn("Skipping malformed historical record",
				zap.String("session_id", sessionID),
				zap.String("message_id", rec.MessageID))
			skipped++
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, skipped
}

func legacyRole(role string) (models.Role, bool, bool) {
	switch role {
	case "user":
		return models.RoleUser, false, true
	case "assistant", "bot":
		return models.RoleAssistant, false, true
	case "agent":
		return models.RoleAssistant, true, true
	}
	return "", false, false
}

// ResponseID is the id of the reply paired with a user message.
func ResponseID(messageID string) string {
	return messageID + ":response"
}

// ContentID derives a stable id for messages the server sent without one.
func ContentID(sessionID, content string) string {
	h := sha256.New()
	h.Write([]byte(sessionID))
	h.Write([]byte{0})
	h.Write([]byte(content))
	return "h-" + hex.EncodeToString(h.Sum(nil))[:24]
}

func sortMessages(msgs []models.Message) {
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].Seq < msgs[j].Seq
	})
}
