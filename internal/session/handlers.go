package session

import (
	"github.com/xaenox/supportchat/internal/channel"
	"github.com/xaenox/supportchat/internal/models"
	"github.com/xaenox/supportchat/internal/reconciler"
	"go.uber.org/zap"
)

// Bind registers the controller's handlers on an event source.
func (c *Controller) Bind(src EventSource) {
	src.On(channel.EventMessageAck, c.HandleMessageAck)
	src.On(channel.EventNewUserMessage, c.HandleNewUserMessage)
	src.On(channel.EventAgentMessageSent, c.HandleAgentMessageSent)
}

// HandleMessageAck commits a bot reply. Redelivery of the same reply is a
// no-op.
func (c *Controller) HandleMessageAck(ev channel.Event) {
	p, err := ev.Ack()
	if err != nil {
		c.logger.Warn("Dropping malformed event", zap.String("event", string(ev.Kind)), zap.Error(err))
		return
	}
	if p.Response == "" {
		c.logger.Warn("Dropping empty reply", zap.String("session_id", ev.SessionID))
		return
	}
	c.applyEvent(ev, func(s *models.Session) bool {
		var reply models.Message
		if p.MessageID != "" {
			reply = c.botReply(s, p.MessageID, p.Response, p.Timestamp)
		} else {
			reply = models.Message{
				ID:        reconciler.ContentID(s.ID, p.Response),
				Role:      models.RoleAssistant,
				Content:   p.Response,
				CreatedAt: c.parseTime(s.ID, p.Timestamp),
			}
		}
		changed := c.rec.ApplyConfirmed(s, reply)
		if s.BotTyping {
			s.BotTyping = false
			changed = true
		}
		if p.Ticket != nil && p.Ticket.Escalated && !s.Escalated {
			s.Escalated = true
			changed = true
		}
		return changed
	})
}

// HandleNewUserMessage commits a user message that arrived out of band. It
// also confirms our own optimistic copy when the server echoes it.
func (c *Controller) HandleNewUserMessage(ev channel.Event) {
	p, err := ev.UserMessage()
	if err != nil {
		c.logger.Warn("Dropping malformed event", zap.String("event", string(ev.Kind)), zap.Error(err))
		return
	}
	if p.UserMessage == "" {
		c.logger.Warn("Dropping empty user message", zap.String("session_id", ev.SessionID))
		return
	}
	c.applyEvent(ev, func(s *models.Session) bool {
		id := p.MessageID
		if id == "" {
			id = reconciler.ContentID(s.ID, p.Timestamp+"|user|"+p.UserMessage)
		}
		changed := c.rec.ApplyConfirmed(s, models.Message{
			ID:        id,
			Role:      models.RoleUser,
			Content:   p.UserMessage,
			CreatedAt: c.parseTime(s.ID, p.Timestamp),
		})
		if changed {
			s.Title = deriveTitle(s)
		}
		return changed
	})
}

// HandleAgentMessageSent replaces the pending agent message with the stored
// one.
func (c *Controller) HandleAgentMessageSent(ev channel.Event) {
	p, err := ev.AgentMessage()
	if err != nil {
		c.logger.Warn("Dropping malformed event", zap.String("event", string(ev.Kind)), zap.Error(err))
		return
	}
	if p.Response == "" || p.MessageID == "" {
		c.logger.Warn("Dropping incomplete agent message", zap.String("session_id", ev.SessionID))
		return
	}
	c.applyEvent(ev, func(s *models.Session) bool {
		return c.rec.ApplyConfirmed(s, models.Message{
			ID:        p.MessageID,
			Role:      models.RoleAssistant,
			Content:   p.Response,
			IsAgent:   true,
			CreatedAt: c.parseTime(s.ID, p.Timestamp),
		})
	})
}

// applyEvent runs fn on the session named by the event. Events for sessions
// the store does not track are dropped with a warning.
func (c *Controller) applyEvent(ev channel.Event, fn func(s *models.Session) bool) {
	changed := false
	snap, ok, _ := c.store.Update(ev.SessionID, func(s *models.Session) error {
		changed = fn(s)
		if changed {
			s.UpdatedAt = c.now()
		}
		return nil
	})
	if !ok {
		c.logger.Warn("Dropping event for untracked session",
			zap.String("event", string(ev.Kind)), zap.String("session_id", ev.SessionID))
		return
	}
	if !changed {
		c.logger.Debug("Event already applied",
			zap.String("event", string(ev.Kind)), zap.String("session_id", ev.SessionID))
		return
	}
	c.notify(string(ev.Kind), snap)
}
