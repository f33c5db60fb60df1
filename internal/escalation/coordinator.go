// Package escalation moves sessions between automated and human handling and
// keeps the ticket store and the agent registry in agreement with it.
//
// The coordinator never touches session state. It works on snapshots and
// returns what the caller should apply once the remote writes succeeded.
package escalation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/xaenox/supportchat/internal/models"
	"github.com/xaenox/supportchat/internal/storage"
	"go.uber.org/zap"
)

type Coordinator struct {
	tickets storage.TicketStore
	agents  storage.AgentRegistry
	machine *StateMachine
	logger  *zap.Logger
}

func NewCoordinator(tickets storage.TicketStore, agents storage.AgentRegistry, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		tickets: tickets,
		agents:  agents,
		machine: NewStateMachine(),
		logger:  logger,
	}
}

// Assignment is the result of a successful Assign.
type Assignment struct {
	AgentID   string
	AgentName string
}

// Escalate flags the ticket active, creating it when needed. Calling it again
// only rewrites the same fields. An assigned session stays assigned.
func (c *Coordinator) Escalate(ctx context.Context, s models.Session, user models.Identity) (*models.Ticket, error) {
	const op = "escalate"
	from := s.Mode()
	to := models.ModeEscalated
	if from == models.ModeAssigned {
		to = models.ModeAssigned
	}
	if err := c.machine.Check(op, s.ID, from, to); err != nil {
		return nil, err
	}

	patch := models.TicketPatch{IsActive: models.Bool(true)}
	if user.Email != "" {
		patch.UserID = models.String(user.Email)
	}
	if user.Name != "" {
		patch.UserName = models.String(user.Name)
	}
	ticket, err := c.tickets.UpsertTicket(ctx, s.ID, patch)
	if err != nil {
		c.logger.Error("Failed to escalate session", zap.String("session_id", s.ID), zap.Error(err))
		return nil, models.StoreError(op, s.ID, "could not create escalation ticket", err)
	}

	c.logger.Info("Session escalated", zap.String("session_id", s.ID))
	return ticket, nil
}

// Assign hands the session to agentID. The ticket is written first and the
// agent second; if the agent write fails the ticket is reverted and the
// session must stay unassigned.
func (c *Coordinator) Assign(ctx context.Context, s models.Session, agentID string) (*Assignment, error) {
	const op = "assign"
	if agentID == "" {
		return nil, models.ValidationError(op, s.ID, "agent id is required")
	}
	if err := c.machine.Check(op, s.ID, s.Mode(), models.ModeAssigned); err != nil {
		return nil, err
	}

	agent, err := c.agents.GetAgent(ctx, agentID)
	if errors.Is(err, storage.ErrAgentNotFound) {
		return nil, models.NewError(models.KindNotFound, op, s.ID, "agent "+agentID+" not found", err)
	}
	if err != nil {
		return nil, models.StoreError(op, s.ID, "could not load agent", err)
	}
	if s.Assignee == agentID && agent.HasSession(s.ID) {
		return &Assignment{AgentID: agent.ID, AgentName: agent.Name}, nil
	}
	if !agent.HasSession(s.ID) {
		if agent.Status != models.AgentAvailable {
			return nil, models.CapacityError(op, s.ID, fmt.Sprintf("agent %s is %s", agent.Name, agent.Status))
		}
		if !agent.CanTake() {
			return nil, models.CapacityError(op, s.ID, fmt.Sprintf("agent %s is at capacity (%d/%d)",
				agent.Name, len(agent.CurrentSessions), agent.MaxSessions))
		}
	}

	if _, err := c.tickets.UpsertTicket(ctx, s.ID, models.TicketPatch{
		IsActive:    models.Bool(true),
		EscalatedTo: models.String(agentID),
	}); err != nil {
		c.logger.Error("Failed to write ticket assignment",
			zap.String("session_id", s.ID), zap.String("agent_id", agentID), zap.Error(err))
		return nil, models.StoreError(op, s.ID, "could not update ticket", err)
	}

	// The registry re-checks capacity atomically; the check above only
	// saves a ticket write in the common case.
	if err := c.agents.AddSession(ctx, agentID, s.ID); err != nil {
		c.logger.Error("Failed to add session to agent, reverting ticket",
			zap.String("session_id", s.ID), zap.String("agent_id", agentID), zap.Error(err))
		revert := models.TicketPatch{EscalatedTo: models.String(s.Assignee)}
		if s.Mode() == models.ModeUnassigned {
			revert.IsActive = models.Bool(false)
		}
		if _, rerr := c.tickets.UpsertTicket(ctx, s.ID, revert); rerr != nil {
			c.logger.Warn("Failed to revert ticket assignment",
				zap.String("session_id", s.ID), zap.Error(rerr))
		}
		if errors.Is(err, storage.ErrAgentAtCapacity) {
			return nil, models.CapacityError(op, s.ID, fmt.Sprintf("agent %s is at capacity", agent.Name))
		}
		return nil, models.StoreError(op, s.ID, "could not update agent sessions", err)
	}

	if s.Assignee != "" && s.Assignee != agentID {
		c.releaseAgent(ctx, s.Assignee, s.ID)
	}

	c.logger.Info("Session assigned",
		zap.String("session_id", s.ID), zap.String("agent_id", agentID))
	return &Assignment{AgentID: agent.ID, AgentName: agent.Name}, nil
}

// Resolve removes the session from its agent, then marks the ticket
// inactive and records closedAt on it. The agent removal is best effort.
func (c *Coordinator) Resolve(ctx context.Context, s models.Session, closedAt time.Time) error {
	const op = "resolve"
	if err := c.machine.Check(op, s.ID, s.Mode(), models.ModeResolved); err != nil {
		return err
	}

	released := false
	if s.Assignee != "" {
		released = c.releaseAgent(ctx, s.Assignee, s.ID)
	}

	if _, err := c.tickets.UpsertTicket(ctx, s.ID, models.TicketPatch{
		IsActive:    models.Bool(false),
		ClosedAt:    &closedAt,
		SetClosedAt: true,
	}); err != nil {
		c.logger.Error("Failed to mark ticket inactive", zap.String("session_id", s.ID), zap.Error(err))
		if released {
			if aerr := c.agents.AddSession(ctx, s.Assignee, s.ID); aerr != nil {
				c.logger.Warn("Failed to give session back to agent",
					zap.String("session_id", s.ID), zap.String("agent_id", s.Assignee), zap.Error(aerr))
			}
		}
		return models.StoreError(op, s.ID, "could not update ticket", err)
	}

	c.logger.Info("Session resolved", zap.String("session_id", s.ID))
	return nil
}

// Reopen marks the ticket active again, clears its closedAt and gives the
// session back to its previous agent, if the agent still has room.
func (c *Coordinator) Reopen(ctx context.Context, s models.Session) error {
	const op = "reopen"
	to := models.ModeUnassigned
	if s.Assignee != "" {
		to = models.ModeAssigned
	}
	if err := c.machine.Check(op, s.ID, s.Mode(), to); err != nil {
		return err
	}

	if _, err := c.tickets.UpsertTicket(ctx, s.ID, models.TicketPatch{
		IsActive:    models.Bool(true),
		SetClosedAt: true,
	}); err != nil {
		c.logger.Error("Failed to reactivate ticket", zap.String("session_id", s.ID), zap.Error(err))
		return models.StoreError(op, s.ID, "could not update ticket", err)
	}

	if s.Assignee != "" {
		if err := c.agents.AddSession(ctx, s.Assignee, s.ID); err != nil {
			c.logger.Error("Failed to return session to agent, reverting ticket",
				zap.String("session_id", s.ID), zap.String("agent_id", s.Assignee), zap.Error(err))
			if _, rerr := c.tickets.UpsertTicket(ctx, s.ID, models.TicketPatch{
				IsActive:    models.Bool(false),
				ClosedAt:    s.ClosedAt,
				SetClosedAt: true,
			}); rerr != nil {
				c.logger.Warn("Failed to revert ticket reactivation", zap.String("session_id", s.ID), zap.Error(rerr))
			}
			if errors.Is(err, storage.ErrAgentAtCapacity) {
				return models.CapacityError(op, s.ID, "agent "+s.Assignee+" has no room for this session")
			}
			return models.StoreError(op, s.ID, "could not update agent sessions", err)
		}
	}

	c.logger.Info("Session reopened", zap.String("session_id", s.ID))
	return nil
}

// Delete removes the ticket. A missing ticket is not an error.
func (c *Coordinator) Delete(ctx context.Context, s models.Session) error {
	const op = "delete"
	if err := c.machine.Check(op, s.ID, s.Mode(), models.ModeDeleted); err != nil {
		return err
	}

	if s.Assignee != "" && s.Status != models.StatusResolved {
		c.releaseAgent(ctx, s.Assignee, s.ID)
	}

	err := c.tickets.DeleteTicket(ctx, s.ID)
	if err != nil && !errors.Is(err, storage.ErrTicketNotFound) {
		c.logger.Error("Failed to delete ticket", zap.String("session_id", s.ID), zap.Error(err))
		return models.StoreError(op, s.ID, "could not delete ticket", err)
	}
	return nil
}

// UpdateTicket persists a metadata patch.
func (c *Coordinator) UpdateTicket(ctx context.Context, sessionID string, patch models.TicketPatch) (*models.Ticket, error) {
	ticket, err := c.tickets.UpsertTicket(ctx, sessionID, patch)
	if err != nil {
		c.logger.Error("Failed to update ticket", zap.String("session_id", sessionID), zap.Error(err))
		return nil, models.StoreError("update_meta", sessionID, "could not update ticket", err)
	}
	return ticket, nil
}

// Ticket looks up the ticket of a session. It returns nil, nil when the
// session was never persisted.
func (c *Coordinator) Ticket(ctx context.Context, sessionID string) (*models.Ticket, error) {
	ticket, err := c.tickets.GetTicket(ctx, sessionID)
	if errors.Is(err, storage.ErrTicketNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, models.StoreError("load_ticket", sessionID, "could not load ticket", err)
	}
	return ticket, nil
}

// Agents lists the registry, for assignment pickers.
func (c *Coordinator) Agents(ctx context.Context) ([]*models.Agent, error) {
	agents, err := c.agents.ListAgents(ctx)
	if err != nil {
		return nil, models.StoreError("list_agents", "", "could not list agents", err)
	}
	return agents, nil
}

// AgentNames maps agent id to display name.
func (c *Coordinator) AgentNames(ctx context.Context) (map[string]string, error) {
	agents, err := c.Agents(ctx)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(agents))
	for _, a := range agents {
		names[a.ID] = a.Name
	}
	return names, nil
}

// AgentSessionIDs returns the sessions the registry holds for agentID.
func (c *Coordinator) AgentSessionIDs(ctx context.Context, agentID string) ([]string, error) {
	agent, err := c.agents.GetAgent(ctx, agentID)
	if errors.Is(err, storage.ErrAgentNotFound) {
		return nil, models.NewError(models.KindNotFound, "agent_sessions", "", "agent "+agentID+" not found", err)
	}
	if err != nil {
		return nil, models.StoreError("agent_sessions", "", "could not load agent", err)
	}
	return agent.CurrentSessions, nil
}

func (c *Coordinator) releaseAgent(ctx context.Context, agentID, sessionID string) bool {
	if err := c.agents.RemoveSession(ctx, agentID, sessionID); err != nil {
		c.logger.Warn("Failed to remove session from agent",
			zap.String("session_id", sessionID), zap.String("agent_id", agentID), zap.Error(err))
		return false
	}
	return true
}
