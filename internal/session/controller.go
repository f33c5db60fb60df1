// Package session owns every chat session and is the single entry point for
// mutating one. Remote calls are made without holding the store lock; their
// results are applied afterwards to the session named in the request, never
// to whatever session has focus at completion time.
package session

import (
	"context"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/xaenox/supportchat/internal/backend"
	"github.com/xaenox/supportchat/internal/channel"
	"github.com/xaenox/supportchat/internal/escalation"
	"github.com/xaenox/supportchat/internal/models"
	"github.com/xaenox/supportchat/internal/reconciler"
	"go.uber.org/zap"
)

const (
	DefaultSimilarityThreshold = 0.5

	defaultTitle = "New chat"
	titleRunes   = 30
)

// Channel is the part of the event channel client the controller drives.
type Channel interface {
	Join(sessionID string) error
	Leave(sessionID string) error
	Send(p channel.SendPayload) error
}

// EventSource registers inbound event handlers.
type EventSource interface {
	On(kind channel.EventKind, h channel.Handler)
}

// IdentityProvider resolves the authenticated user.
type IdentityProvider interface {
	Identity(ctx context.Context) (models.Identity, error)
}

// StaticIdentity is a fixed identity, for the CLI and tests.
type StaticIdentity models.Identity

func (s StaticIdentity) Identity(context.Context) (models.Identity, error) {
	return models.Identity(s), nil
}

// Change is passed to the observer after every mutation.
type Change struct {
	Op      string
	Session models.Session
	Deleted bool
}

type Deps struct {
	Coordinator *escalation.Coordinator
	Channel     Channel
	Responder   backend.Responder
	// History and Ender are optional.
	History  backend.HistorySource
	Ender    backend.SessionEnder
	Identity IdentityProvider
	Logger   *zap.Logger
}

type Controller struct {
	store     *Store
	rec       *reconciler.Reconciler
	coord     *escalation.Coordinator
	channel   Channel
	responder backend.Responder
	history   backend.HistorySource
	ender     backend.SessionEnder
	identity  IdentityProvider
	detector  escalation.Detector
	threshold float64
	logger    *zap.Logger
	now       func() time.Time
	newID     func() string
	observer  func(Change)

	focusMu sync.Mutex
	active  string
}

type Option func(*Controller)

func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(c *Controller) { c.newID = newID }
}

// WithSimilarityThreshold sets the score below which escalation is offered.
func WithSimilarityThreshold(v float64) Option {
	return func(c *Controller) { c.threshold = v }
}

func WithDetector(d escalation.Detector) Option {
	return func(c *Controller) { c.detector = d }
}

func WithObserver(fn func(Change)) Option {
	return func(c *Controller) { c.observer = fn }
}

func WithStore(st *Store) Option {
	return func(c *Controller) { c.store = st }
}

func NewController(deps Deps, opts ...Option) *Controller {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Controller{
		store:     NewStore(),
		coord:     deps.Coordinator,
		channel:   deps.Channel,
		responder: deps.Responder,
		history:   deps.History,
		ender:     deps.Ender,
		identity:  deps.Identity,
		detector:  escalation.NewKeywordDetector(nil),
		threshold: DefaultSimilarityThreshold,
		logger:    logger,
		now:       time.Now,
		newID:     uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.rec = reconciler.New(logger.Named("reconciler"),
		reconciler.WithClock(c.now),
		reconciler.WithIDGenerator(c.newID))
	return c
}

// Create inserts an empty active session. Nothing is persisted until a
// mutation needs it.
func (c *Controller) Create(ctx context.Context) (models.Session, error) {
	s := c.newSession(c.newID())
	c.store.Insert(s)
	snap := s.Clone()
	c.logger.Info("Session created", zap.String("session_id", s.ID))
	c.notify("create", snap)
	return snap, nil
}

func (c *Controller) newSession(id string) *models.Session {
	now := c.now()
	return &models.Session{
		ID:        id,
		Title:     defaultTitle,
		Status:    models.StatusActive,
		Priority:  models.PriorityLow,
		Tags:      []string{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Focus makes sessionID the active session. The previous session's membership
// is torn down before the new one is joined. An unknown id gets an empty
// session.
func (c *Controller) Focus(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return models.ValidationError("focus", "", "session id is required")
	}
	c.focusMu.Lock()
	defer c.focusMu.Unlock()

	if c.active == sessionID {
		return nil
	}
	if c.active != "" {
		c.leave(c.active)
		c.active = ""
	}
	if c.store.Insert(c.newSession(sessionID)) {
		c.logger.Info("Session created on focus", zap.String("session_id", sessionID))
	}
	if c.channel != nil {
		if err := c.channel.Join(sessionID); err != nil {
			return models.NewError(models.KindTransport, "focus", sessionID, "could not join session", err)
		}
	}
	c.active = sessionID
	return nil
}

// ActiveID returns the focused session id, or "".
func (c *Controller) ActiveID() string {
	c.focusMu.Lock()
	defer c.focusMu.Unlock()
	return c.active
}

func (c *Controller) leave(sessionID string) {
	if c.channel == nil {
		return
	}
	if err := c.channel.Leave(sessionID); err != nil {
		c.logger.Warn("Failed to leave session", zap.String("session_id", sessionID), zap.Error(err))
	}
}

// dropFocus clears focus if it is on sessionID, leaving its membership.
func (c *Controller) dropFocus(sessionID string) {
	c.focusMu.Lock()
	defer c.focusMu.Unlock()
	if c.active == sessionID {
		c.active = ""
	}
	c.leave(sessionID)
}

// SendResult describes a delivered user message.
type SendResult struct {
	MessageID string
	Reply     *models.Message
	// EscalationOffered is set when the answer scored below the threshold.
	EscalationOffered bool
	// Escalated is set when the text itself asked for a human.
	Escalated bool
}

// SendUserMessage appends the message optimistically, sends it to the
// backend and commits the reply to sessionID. A failed send removes the
// optimistic message again.
func (c *Controller) SendUserMessage(ctx context.Context, sessionID, text string) (*SendResult, error) {
	const op = "send"
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, models.ValidationError(op, sessionID, "message text is empty")
	}
	ident, err := c.requireIdentity(ctx, op, sessionID)
	if err != nil {
		return nil, err
	}

	var tempID string
	snap, ok, err := c.store.Update(sessionID, func(s *models.Session) error {
		if s.Ended {
			return models.ValidationError(op, sessionID, "session has ended")
		}
		if s.Status == models.StatusResolved {
			return models.ValidationError(op, sessionID, "session is resolved")
		}
		tempID = c.rec.AppendOptimistic(s, text, models.RoleUser, false)
		s.BotTyping = true
		s.Title = deriveTitle(s)
		s.UpdatedAt = c.now()
		return nil
	})
	if !ok {
		return nil, models.NotFoundError(op, sessionID)
	}
	if err != nil {
		return nil, err
	}
	c.notify(op, snap)

	resp, err := c.responder.Chat(ctx, backend.ChatRequest{
		Message:   text,
		SessionID: sessionID,
		UserID:    ident.Email,
		MessageID: tempID,
	})
	if err != nil {
		c.logger.Error("Failed to send message", zap.String("session_id", sessionID), zap.Error(err))
		snap, ok, _ := c.store.Update(sessionID, func(s *models.Session) error {
			c.rec.Remove(s, tempID)
			s.BotTyping = false
			return nil
		})
		if ok {
			c.notify(op, snap)
		}
		return nil, models.NewError(models.KindTransport, op, sessionID, "failed to send message", err)
	}
	if resp.SessionID != "" && resp.SessionID != sessionID {
		c.logger.Warn("Backend answered for another session",
			zap.String("session_id", sessionID), zap.String("response_session_id", resp.SessionID))
	}

	result := &SendResult{MessageID: tempID}
	snap, ok, _ = c.store.Update(sessionID, func(s *models.Session) error {
		userID := tempID
		if resp.MessageID != "" {
			userID = resp.MessageID
		}
		c.rec.ConfirmPending(s, tempID, userID)
		result.MessageID = userID

		if resp.Response != "" {
			reply := c.botReply(s, userID, resp.Response, resp.Timestamp)
			c.rec.ApplyConfirmed(s, reply)
			if m, found := c.rec.Find(s, reply.ID); found {
				result.Reply = &m
			}
			s.BotTyping = false
		}
		if resp.Ticket != nil && resp.Ticket.Escalated {
			s.Escalated = true
		}
		if score, has := resp.Score(); has && score < c.threshold && s.Mode() == models.ModeUnassigned {
			result.EscalationOffered = true
		}
		s.UpdatedAt = c.now()
		return nil
	})
	if !ok {
		c.logger.Warn("Session gone before reply arrived", zap.String("session_id", sessionID))
		return result, nil
	}
	c.notify(op, snap)

	if c.detector != nil && c.detector.Requested(text) && snap.Mode() == models.ModeUnassigned {
		result.EscalationOffered = false
		if _, err := c.Escalate(ctx, sessionID); err != nil {
			return result, err
		}
		result.Escalated = true
	}
	return result, nil
}

// botReply builds the committed reply to the user message userID. A reply is
// never placed before the message it answers.
func (c *Controller) botReply(s *models.Session, userID, content, timestamp string) models.Message {
	createdAt := c.parseTime(s.ID, timestamp)
	if m, ok := c.rec.Find(s, userID); ok && createdAt.Before(m.CreatedAt) {
		createdAt = m.CreatedAt
	}
	return models.Message{
		ID:        reconciler.ResponseID(userID),
		Role:      models.RoleAssistant,
		Content:   content,
		CreatedAt: createdAt,
	}
}

func (c *Controller) parseTime(sessionID, raw string) time.Time {
	if raw == "" {
		return c.now()
	}
	t, err := reconciler.ParseTimestamp(raw)
	if err != nil {
		c.logger.Warn("Unreadable timestamp, using local time",
			zap.String("session_id", sessionID), zap.String("timestamp", raw))
		return c.now()
	}
	return t
}

// SendAgentMessage posts a human agent's reply. It stays pending until the
// server confirms it with agent_message_sent.
func (c *Controller) SendAgentMessage(ctx context.Context, sessionID, agentID, text string) (string, error) {
	const op = "send_agent_message"
	text = strings.TrimSpace(text)
	if text == "" {
		return "", models.ValidationError(op, sessionID, "message text is empty")
	}
	if agentID == "" {
		return "", models.ValidationError(op, sessionID, "agent id is required")
	}
	if c.channel == nil {
		return "", models.NewError(models.KindTransport, op, sessionID, "no event channel", channel.ErrNotConnected)
	}

	var (
		tempID string
		userID string
	)
	snap, ok, err := c.store.Update(sessionID, func(s *models.Session) error {
		if s.Status == models.StatusResolved {
			return models.ValidationError(op, sessionID, "session is resolved")
		}
		tempID = c.rec.AppendOptimistic(s, text, models.RoleAssistant, true)
		userID = s.UserEmail
		s.UpdatedAt = c.now()
		return nil
	})
	if !ok {
		return "", models.NotFoundError(op, sessionID)
	}
	if err != nil {
		return "", err
	}
	c.notify(op, snap)

	if err := c.channel.Send(channel.SendPayload{
		Message:   text,
		SessionID: sessionID,
		UserID:    userID,
		MessageID: tempID,
		IsAgent:   true,
		AgentID:   agentID,
	}); err != nil {
		c.logger.Error("Failed to send agent message", zap.String("session_id", sessionID), zap.Error(err))
		if snap, ok, _ := c.store.Update(sessionID, func(s *models.Session) error {
			c.rec.Remove(s, tempID)
			return nil
		}); ok {
			c.notify(op, snap)
		}
		return "", models.NewError(models.KindTransport, op, sessionID, "failed to send message", err)
	}
	return tempID, nil
}

// Escalate hands the session to the human queue. Calling it twice is safe.
func (c *Controller) Escalate(ctx context.Context, sessionID string) (models.Session, error) {
	const op = "escalate"
	snap, ok := c.store.Get(sessionID)
	if !ok {
		return models.Session{}, models.NotFoundError(op, sessionID)
	}
	ident := models.Identity{Email: snap.UserEmail, Name: snap.UserName}
	if c.identity != nil && ident.Email == "" {
		if id, err := c.identity.Identity(ctx); err == nil {
			ident = id
		}
	}

	if _, err := c.coord.Escalate(ctx, snap, ident); err != nil {
		return snap, err
	}
	return c.apply(op, sessionID, func(s *models.Session) {
		s.Escalated = true
	})
}

// Assign gives the session to an agent. On failure the session keeps its
// previous assignee.
func (c *Controller) Assign(ctx context.Context, sessionID, agentID string) (models.Session, error) {
	const op = "assign"
	snap, ok := c.store.Get(sessionID)
	if !ok {
		return models.Session{}, models.NotFoundError(op, sessionID)
	}
	a, err := c.coord.Assign(ctx, snap, agentID)
	if err != nil {
		return snap, err
	}
	return c.apply(op, sessionID, func(s *models.Session) {
		s.Assignee = a.AgentID
		s.AssigneeName = a.AgentName
		s.Escalated = true
	})
}

// Resolve closes the session. The assignee is kept so Reopen can restore it.
func (c *Controller) Resolve(ctx context.Context, sessionID string) (models.Session, error) {
	const op = "resolve"
	snap, ok := c.store.Get(sessionID)
	if !ok {
		return models.Session{}, models.NotFoundError(op, sessionID)
	}
	closedAt := c.now()
	if err := c.coord.Resolve(ctx, snap, closedAt); err != nil {
		return snap, err
	}
	return c.apply(op, sessionID, func(s *models.Session) {
		s.Status = models.StatusResolved
		s.ClosedAt = &closedAt
		s.BotTyping = false
	})
}

func (c *Controller) Reopen(ctx context.Context, sessionID string) (models.Session, error) {
	const op = "reopen"
	snap, ok := c.store.Get(sessionID)
	if !ok {
		return models.Session{}, models.NotFoundError(op, sessionID)
	}
	if err := c.coord.Reopen(ctx, snap); err != nil {
		return snap, err
	}
	return c.apply(op, sessionID, func(s *models.Session) {
		s.Status = models.StatusActive
		s.ClosedAt = nil
		s.Ended = false
	})
}

// SetStatus moves the session to status through Resolve or Reopen. Setting
// the current status is a no-op.
func (c *Controller) SetStatus(ctx context.Context, sessionID string, status models.SessionStatus) (models.Session, error) {
	snap, ok := c.store.Get(sessionID)
	if !ok {
		return models.Session{}, models.NotFoundError("set_status", sessionID)
	}
	if snap.Status == status {
		return snap, nil
	}
	switch status {
	case models.StatusResolved:
		return c.Resolve(ctx, sessionID)
	case models.StatusActive:
		return c.Reopen(ctx, sessionID)
	}
	return snap, models.ValidationError("set_status", sessionID, "unknown status "+string(status))
}

// DeleteSession deletes the session's ticket, then leaves its membership and
// drops it from the store. A missing ticket is fine. On failure the session
// keeps its focus and membership.
func (c *Controller) DeleteSession(ctx context.Context, sessionID string) error {
	const op = "delete"
	snap, ok := c.store.Get(sessionID)
	if !ok {
		return models.NotFoundError(op, sessionID)
	}

	if err := c.coord.Delete(ctx, snap); err != nil {
		return err
	}
	c.dropFocus(sessionID)
	if c.store.Delete(sessionID) {
		c.logger.Info("Session deleted", zap.String("session_id", sessionID))
		c.notifyChange(Change{Op: op, Session: snap, Deleted: true})
	}
	return nil
}

// EndSession tells the backend, then leaves the channel and disables
// further user sends. A backend failure changes nothing.
func (c *Controller) EndSession(ctx context.Context, sessionID string) (models.Session, error) {
	const op = "end_session"
	snap, ok := c.store.Get(sessionID)
	if !ok {
		return models.Session{}, models.NotFoundError(op, sessionID)
	}
	if snap.Ended {
		return snap, nil
	}

	if c.ender != nil {
		ident, err := c.requireIdentity(ctx, op, sessionID)
		if err != nil {
			return snap, err
		}
		if err := c.ender.EndSession(ctx, sessionID, ident.Email); err != nil {
			c.logger.Error("Failed to end session", zap.String("session_id", sessionID), zap.Error(err))
			return snap, models.NewError(models.KindTransport, op, sessionID, "failed to end session", err)
		}
	}
	c.dropFocus(sessionID)
	return c.apply(op, sessionID, func(s *models.Session) {
		s.Ended = true
		s.BotTyping = false
	})
}

// Session returns a copy of one session.
func (c *Controller) Session(sessionID string) (models.Session, error) {
	snap, ok := c.store.Get(sessionID)
	if !ok {
		return models.Session{}, models.NotFoundError("get", sessionID)
	}
	return snap, nil
}

// Filter selects sessions in Sessions. Zero values match everything.
type Filter struct {
	Status   models.SessionStatus
	Mode     models.HandlingMode
	Assignee string
}

func (f Filter) match(s *models.Session) bool {
	if f.Status != "" && s.Status != f.Status {
		return false
	}
	if f.Mode != "" && s.Mode() != f.Mode {
		return false
	}
	if f.Assignee != "" && s.Assignee != f.Assignee {
		return false
	}
	return true
}

// Sessions lists sessions matching f, most recently updated first.
func (c *Controller) Sessions(f Filter) []models.Session {
	return c.store.List(f.match)
}

// AgentSessions lists the known sessions the registry holds for agentID.
func (c *Controller) AgentSessions(ctx context.Context, agentID string) ([]models.Session, error) {
	ids, err := c.coord.AgentSessionIDs(ctx, agentID)
	if err != nil {
		return nil, err
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	return c.store.List(func(s *models.Session) bool { return want[s.ID] }), nil
}

// Agents lists the agent registry.
func (c *Controller) Agents(ctx context.Context) ([]*models.Agent, error) {
	return c.coord.Agents(ctx)
}

// Shutdown leaves every membership and clears the store.
func (c *Controller) Shutdown(ctx context.Context) {
	c.focusMu.Lock()
	active := c.active
	c.active = ""
	c.focusMu.Unlock()
	if active != "" {
		c.leave(active)
	}
	n := c.store.Len()
	c.store.Reset()
	c.logger.Info("Session store cleared", zap.Int("sessions", n))
}

// apply commits an in-memory change after the remote writes succeeded.
func (c *Controller) apply(op, sessionID string, fn func(s *models.Session)) (models.Session, error) {
	snap, ok, _ := c.store.Update(sessionID, func(s *models.Session) error {
		fn(s)
		s.UpdatedAt = c.now()
		return nil
	})
	if !ok {
		c.logger.Warn("Session removed while operation was in flight",
			zap.String("session_id", sessionID), zap.String("op", op))
		return models.Session{}, models.NotFoundError(op, sessionID)
	}
	c.notify(op, snap)
	return snap, nil
}

func (c *Controller) requireIdentity(ctx context.Context, op, sessionID string) (models.Identity, error) {
	if c.identity == nil {
		return models.Identity{}, models.ValidationError(op, sessionID, "not authenticated")
	}
	ident, err := c.identity.Identity(ctx)
	if err != nil || ident.Email == "" {
		return models.Identity{}, models.ValidationError(op, sessionID, "not authenticated")
	}
	return ident, nil
}

func (c *Controller) notify(op string, snap models.Session) {
	c.notifyChange(Change{Op: op, Session: snap})
}

func (c *Controller) notifyChange(ch Change) {
	if c.observer != nil {
		c.observer(ch)
	}
}

// deriveTitle names a session after its first user message.
func deriveTitle(s *models.Session) string {
	for _, m := range s.Messages {
		if m.Role != models.RoleUser {
			continue
		}
		if utf8.RuneCountInString(m.Content) <= titleRunes {
			return m.Content
		}
		return string([]rune(m.Content)[:titleRunes]) + "..."
	}
	if len(s.Messages) > 0 {
		return "Chat from " + s.Messages[0].CreatedAt.Format("2006-01-02")
	}
	return defaultTitle
}
