package session

import (
	"context"
	"sort"

	"github.com/xaenox/supportchat/internal/models"
	"go.uber.org/zap"
)

// LoadHistory fetches the user's stored sessions and merges them into the
// store. Sessions already in the store keep their messages; duplicates are
// skipped by id. Stored tickets fill in priority, tags, assignee and
// resolution, and the agent registry the assignee's name. It returns how
// many sessions were merged.
func (c *Controller) LoadHistory(ctx context.Context) (int, error) {
	const op = "load_history"
	if c.history == nil {
		return 0, nil
	}
	ident, err := c.requireIdentity(ctx, op, "")
	if err != nil {
		return 0, err
	}

	batches, err := c.history.FetchHistory(ctx, ident.Email)
	if err != nil {
		c.logger.Error("Failed to load history", zap.String("user_id", ident.Email), zap.Error(err))
		return 0, models.NewError(models.KindTransport, op, "", "failed to load chat history", err)
	}

	ids := make([]string, 0, len(batches))
	for id := range batches {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var names map[string]string
	agentName := func(agentID string) string {
		if names == nil {
			var err error
			if names, err = c.coord.AgentNames(ctx); err != nil {
				c.logger.Warn("Could not load agent names", zap.Error(err))
				names = map[string]string{}
			}
		}
		return names[agentID]
	}

	for _, id := range ids {
		records := batches[id]
		ticket, err := c.coord.Ticket(ctx, id)
		if err != nil {
			c.logger.Warn("Could not load ticket for historical session", zap.String("session_id", id), zap.Error(err))
		}
		assigneeName := ""
		if ticket != nil && ticket.EscalatedTo != "" {
			assigneeName = agentName(ticket.EscalatedTo)
		}

		snap := c.store.Upsert(id, func() *models.Session {
			s := c.newSession(id)
			s.UserEmail = ident.Email
			s.UserName = ident.Name
			return s
		}, func(s *models.Session) {
			res := c.rec.MergeHistorical(s, records)
			for _, r := range records {
				if r.Ticket != nil && r.Ticket.Escalated {
					s.Escalated = true
				}
			}
			if ticket != nil {
				s.Priority = ticket.Priority
				s.Tags = append([]string(nil), ticket.Tags...)
				if ticket.IsActive {
					s.Escalated = true
				}
				if ticket.EscalatedTo != "" && s.Assignee == "" {
					s.Assignee = ticket.EscalatedTo
				}
				if s.Assignee == ticket.EscalatedTo && s.AssigneeName == "" {
					s.AssigneeName = assigneeName
				}
				if ticket.ClosedAt != nil {
					at := *ticket.ClosedAt
					s.Status = models.StatusResolved
					s.ClosedAt = &at
				}
			}
			if len(s.Messages) > 0 {
				if first := s.Messages[0].CreatedAt; first.Before(s.CreatedAt) {
					s.CreatedAt = first
				}
				if last := s.Messages[len(s.Messages)-1].CreatedAt; last.After(s.UpdatedAt) || res.Added > 0 {
					s.UpdatedAt = last
				}
			}
			s.Title = deriveTitle(s)
		})
		c.notify(op, snap)
	}

	c.logger.Info("History loaded", zap.String("user_id", ident.Email), zap.Int("sessions", len(ids)))
	return len(ids), nil
}
