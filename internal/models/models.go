package models

import (
	"time"
)

type SessionStatus string

const (
	StatusActive   SessionStatus = "active"
	StatusResolved SessionStatus = "resolved"
)

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// Valid reports whether p is one of the known priorities.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh:
		return true
	}
	return false
}

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// MessageState tells an optimistic message apart from one the server has
// confirmed.
type MessageState int

const (
	MessageConfirmed MessageState = iota
	MessagePending
)

// Message is one exchange unit inside a session.
type Message struct {
	ID        string       `json:"id"`
	SessionID string       `json:"session_id"`
	Role      Role         `json:"role"`
	Content   string       `json:"content"`
	IsAgent   bool         `json:"is_agent,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
	State     MessageState `json:"-"`

	// Seq is the arrival order, used to break CreatedAt ties.
	Seq uint64 `json:"-"`
}

func (m Message) Pending() bool {
	return m.State == MessagePending
}

// Session is the unit of conversation. The lifecycle controller owns every
// Session value; everything else works on copies.
type Session struct {
	ID           string        `json:"id"`
	Title        string        `json:"title"`
	Status       SessionStatus `json:"status"`
	Escalated    bool          `json:"escalated"`
	Priority     Priority      `json:"priority"`
	Assignee     string        `json:"assignee,omitempty"`
	AssigneeName string        `json:"assignee_name,omitempty"`
	Tags         []string      `json:"tags"`
	UserName     string        `json:"user_name,omitempty"`
	UserEmail    string        `json:"user_email,omitempty"`
	Messages     []Message     `json:"messages"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	ClosedAt     *time.Time    `json:"closed_at,omitempty"`

	BotTyping bool `json:"bot_typing"`
	Ended     bool `json:"ended"`
}

// Clone returns a deep copy so callers can never reach the owned value.
func (s *Session) Clone() Session {
	c := *s
	c.Tags = append([]string(nil), s.Tags...)
	c.Messages = append([]Message(nil), s.Messages...)
	if s.ClosedAt != nil {
		t := *s.ClosedAt
		c.ClosedAt = &t
	}
	return c
}

// Mode derives the handling mode from the session fields.
func (s *Session) Mode() HandlingMode {
	switch {
	case s.Status == StatusResolved:
		return ModeResolved
	case s.Assignee != "":
		return ModeAssigned
	case s.Escalated:
		return ModeEscalated
	default:
		return ModeUnassigned
	}
}

// HasTag reports whether tag is already on the session.
func (s *Session) HasTag(tag string) bool {
	for _, t := range s.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

type AgentStatus string

const (
	AgentAvailable AgentStatus = "available"
	AgentBusy      AgentStatus = "busy"
	AgentOffline   AgentStatus = "offline"
)

// Agent is a human support handler with bounded capacity.
type Agent struct {
	ID              string      `json:"id"`
	Name            string      `json:"name"`
	Status          AgentStatus `json:"status"`
	CurrentSessions []string    `json:"current_sessions"`
	MaxSessions     int         `json:"max_sessions"`
}

func (a *Agent) HasSession(sessionID string) bool {
	for _, id := range a.CurrentSessions {
		if id == sessionID {
			return true
		}
	}
	return false
}

// CanTake reports whether the agent accepts one more session.
func (a *Agent) CanTake() bool {
	return a.Status == AgentAvailable && len(a.CurrentSessions) < a.MaxSessions
}

// Ticket is the durable escalation record keyed by session id.
type Ticket struct {
	SessionID   string    `json:"session_id"`
	IsActive    bool      `json:"is_active"`
	Priority    Priority  `json:"priority"`
	Tags        []string  `json:"tags"`
	EscalatedTo string    `json:"escalated_to,omitempty"`
	UserID      string    `json:"user_id,omitempty"`
	UserName    string    `json:"user_name,omitempty"`
	// ClosedAt is set while the session is resolved.
	ClosedAt  *time.Time `json:"closed_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// TicketPatch carries only the fields a mutation touches. Nil fields are
// left as they are in the store.
//
// SetTags replaces the tag list with Tags. AddTags and RemoveTags are applied
// to the stored list afterwards, so concurrent tag edits merge.
type TicketPatch struct {
	IsActive    *bool
	Priority    *Priority
	Tags        []string
	SetTags     bool
	AddTags     []string
	RemoveTags  []string
	EscalatedTo *string
	UserID      *string
	UserName    *string
	ClosedAt    *time.Time
	SetClosedAt bool
}

// Apply merges the patch into t.
func (p TicketPatch) Apply(t *Ticket) {
	if p.IsActive != nil {
		t.IsActive = *p.IsActive
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
	if p.SetTags {
		t.Tags = append([]string(nil), p.Tags...)
	}
	if len(p.AddTags) > 0 || len(p.RemoveTags) > 0 {
		t.Tags = MergeTags(t.Tags, p.AddTags, p.RemoveTags)
	}
	if p.SetClosedAt {
		t.ClosedAt = nil
		if p.ClosedAt != nil {
			at := *p.ClosedAt
			t.ClosedAt = &at
		}
	}
	if p.EscalatedTo != nil {
		t.EscalatedTo = *p.EscalatedTo
	}
	if p.UserID != nil {
		t.UserID = *p.UserID
	}
	if p.UserName != nil {
		t.UserName = *p.UserName
	}
}

// MergeTags returns tags plus the missing entries of add, minus remove.
// Order of first appearance is kept.
func MergeTags(tags, add, remove []string) []string {
	drop := make(map[string]bool, len(remove))
	for _, r := range remove {
		drop[r] = true
	}
	seen := make(map[string]bool, len(tags)+len(add))
	out := make([]string, 0, len(tags)+len(add))
	for _, list := range [][]string{tags, add} {
		for _, t := range list {
			if drop[t] || seen[t] {
				continue
			}
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

// RawRecord is one entry of a historical batch as the backend stores it.
type RawRecord struct {
	MessageID   string     `json:"message_id"`
	UserMessage string     `json:"user_message"`
	Response    string     `json:"response"`
	Timestamp   string     `json:"timestamp"`
	Content     string     `json:"content"`
	Role        string     `json:"role"`
	Ticket      *RawTicket `json:"ticket,omitempty"`
}

type RawTicket struct {
	Escalated bool `json:"escalated"`
}

// Identity is the authenticated user, used as the user_id correlation key.
type Identity struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

func Bool(v bool) *bool       { return &v }
func String(v string) *string { return &v }
