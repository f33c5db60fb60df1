package session

import (
	"context"
	"strings"

	"github.com/xaenox/supportchat/internal/models"
)

// MetaPatch is a partial update of session metadata. Nil fields are left
// alone. Tags replaces the whole list; use AddTag and RemoveTag for edits.
type MetaPatch struct {
	Priority  *models.Priority
	Tags      *[]string
	UserName  *string
	UserEmail *string
}

type metaField struct {
	ticket models.TicketPatch
	apply  func(s *models.Session)
}

// UpdateMeta persists each field with its own ticket upsert, in the order
// priority, tags, user name, user email, and applies each field in memory
// once its upsert succeeded. It stops at the first failure; fields applied
// before it stay applied.
func (c *Controller) UpdateMeta(ctx context.Context, sessionID string, patch MetaPatch) (models.Session, error) {
	const op = "update_meta"
	snap, ok := c.store.Get(sessionID)
	if !ok {
		return models.Session{}, models.NotFoundError(op, sessionID)
	}

	var fields []metaField
	if patch.Priority != nil {
		p := *patch.Priority
		if !p.Valid() {
			return snap, models.ValidationError(op, sessionID, "unknown priority "+string(p))
		}
		fields = append(fields, metaField{
			ticket: models.TicketPatch{Priority: &p},
			apply:  func(s *models.Session) { s.Priority = p },
		})
	}
	if patch.Tags != nil {
		tags := normalizeTags(*patch.Tags)
		fields = append(fields, metaField{
			ticket: models.TicketPatch{Tags: tags, SetTags: true},
			apply:  func(s *models.Session) { s.Tags = append([]string(nil), tags...) },
		})
	}
	if patch.UserName != nil {
		name := strings.TrimSpace(*patch.UserName)
		fields = append(fields, metaField{
			ticket: models.TicketPatch{UserName: &name},
			apply:  func(s *models.Session) { s.UserName = name },
		})
	}
	if patch.UserEmail != nil {
		email := strings.TrimSpace(*patch.UserEmail)
		fields = append(fields, metaField{
			ticket: models.TicketPatch{UserID: &email},
			apply:  func(s *models.Session) { s.UserEmail = email },
		})
	}

	for _, f := range fields {
		if _, err := c.coord.UpdateTicket(ctx, sessionID, f.ticket); err != nil {
			return snap, err
		}
		var err error
		snap, err = c.apply(op, sessionID, f.apply)
		if err != nil {
			return snap, err
		}
	}
	return snap, nil
}

// AddTag adds one tag. Adding a tag twice is a no-op. The ticket and the
// session both receive the tag as a delta, so concurrent tag edits merge.
func (c *Controller) AddTag(ctx context.Context, sessionID, tag string) (models.Session, error) {
	return c.editTag(ctx, "add_tag", sessionID, tag, true)
}

func (c *Controller) RemoveTag(ctx context.Context, sessionID, tag string) (models.Session, error) {
	return c.editTag(ctx, "remove_tag", sessionID, tag, false)
}

func (c *Controller) editTag(ctx context.Context, op, sessionID, tag string, add bool) (models.Session, error) {
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return models.Session{}, models.ValidationError(op, sessionID, "tag is empty")
	}
	snap, ok := c.store.Get(sessionID)
	if !ok {
		return models.Session{}, models.NotFoundError(op, sessionID)
	}
	if snap.HasTag(tag) == add {
		return snap, nil
	}

	var patch models.TicketPatch
	if add {
		patch.AddTags = []string{tag}
	} else {
		patch.RemoveTags = []string{tag}
	}
	if _, err := c.coord.UpdateTicket(ctx, sessionID, patch); err != nil {
		return snap, err
	}
	return c.apply(op, sessionID, func(s *models.Session) {
		s.Tags = models.MergeTags(s.Tags, patch.AddTags, patch.RemoveTags)
	})
}

// normalizeTags trims tags and drops empties and duplicates, keeping the
// first occurrence.
func normalizeTags(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, t := range in {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	return out
}
