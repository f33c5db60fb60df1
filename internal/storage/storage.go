package storage

import (
	"context"
	"errors"

	"github.com/xaenox/supportchat/internal/models"
)

var (
	ErrTicketNotFound = errors.New("ticket not found")
	ErrAgentNotFound  = errors.New("agent not found")

	// ErrAgentAtCapacity is returned by AddSession when the agent is not
	// available or already holds maxSessions sessions.
	ErrAgentAtCapacity = errors.New("agent at capacity")
)

// TicketStore persists escalation state keyed by session id.
type TicketStore interface {
	// UpsertTicket creates the ticket on first use and merges patch into it.
	UpsertTicket(ctx context.Context, sessionID string, patch models.TicketPatch) (*models.Ticket, error)
	GetTicket(ctx context.Context, sessionID string) (*models.Ticket, error)
	// DeleteTicket returns ErrTicketNotFound when there is nothing to delete.
	DeleteTicket(ctx context.Context, sessionID string) error
	Close() error
}

// AgentRegistry tracks agents and the sessions they currently hold.
type AgentRegistry interface {
	ListAgents(ctx context.Context) ([]*models.Agent, error)
	GetAgent(ctx context.Context, agentID string) (*models.Agent, error)
	// AddSession checks capacity and adds sessionID in one step, so two
	// concurrent adds cannot both take the last slot. Adding a session the
	// agent already holds is a no-op.
	AddSession(ctx context.Context, agentID, sessionID string) error
	RemoveSession(ctx context.Context, agentID, sessionID string) error
}
