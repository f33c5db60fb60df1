package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/xaenox/supportchat/internal/models"
)

// MemoryStorage keeps tickets and agents in process. It backs local runs and
// tests.
type MemoryStorage struct {
	mu      sync.RWMutex
	tickets map[string]*models.Ticket
	agents  map[string]*models.Agent
	now     func() time.Time
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		tickets: make(map[string]*models.Ticket),
		agents:  make(map[string]*models.Agent),
		now:     time.Now,
	}
}

// Ticket methods
func (s *MemoryStorage) UpsertTicket(ctx context.Context, sessionID string, patch models.TicketPatch) (*models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	ticket, exists := s.tickets[sessionID]
	if !exists {
		ticket = &models.Ticket{
			SessionID: sessionID,
			Priority:  models.PriorityLow,
			Tags:      []string{},
			CreatedAt: now,
		}
		s.tickets[sessionID] = ticket
	}
	patch.Apply(ticket)
	ticket.UpdatedAt = now

	return copyTicket(ticket), nil
}

func (s *MemoryStorage) GetTicket(ctx context.Context, sessionID string) (*models.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ticket, exists := s.tickets[sessionID]
	if !exists {
		return nil, ErrTicketNotFound
	}
	return copyTicket(ticket), nil
}

func (s *MemoryStorage) DeleteTicket(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tickets[sessionID]; !exists {
		return ErrTicketNotFound
	}
	delete(s.tickets, sessionID)
	return nil
}

// Agent methods
func (s *MemoryStorage) PutAgent(agent *models.Agent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := *agent
	a.CurrentSessions = append([]string(nil), agent.CurrentSessions...)
	s.agents[agent.ID] = &a
}

func (s *MemoryStorage) ListAgents(ctx context.Context) ([]*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*models.Agent, 0, len(s.agents))
	for _, a := range s.agents {
		out = append(out, copyAgent(a))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStorage) GetAgent(ctx context.Context, agentID string) (*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, exists := s.agents[agentID]
	if !exists {
		return nil, ErrAgentNotFound
	}
	return copyAgent(a), nil
}

func (s *MemoryStorage) AddSession(ctx context.Context, agentID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, exists := s.agents[agentID]
	if !exists {
		return ErrAgentNotFound
	}

	if a.HasSession(sessionID) {
		return nil
	}
	if !a.CanTake() {
		return ErrAgentAtCapacity
	}
	a.CurrentSessions = append(a.CurrentSessions, sessionID)
	return nil
}

func (s *MemoryStorage) RemoveSession(ctx context.Context, agentID, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, exists := s.agents[agentID]
	if !exists {
		return ErrAgentNotFound
	}
	kept := a.CurrentSessions[:0]
	for _, id := range a.CurrentSessions {
		if id != sessionID {
			kept = append(kept, id)
		}
	}
	a.CurrentSessions = kept
	return nil
}

func (s *MemoryStorage) Close() error {
	// Nothing to close for in-memory storage
	return nil
}

func copyTicket(t *models.Ticket) *models.Ticket {
	out := *t
	out.Tags = append([]string(nil), t.Tags...)
	if t.ClosedAt != nil {
		at := *t.ClosedAt
		out.ClosedAt = &at
	}
	return &out
}

func copyAgent(a *models.Agent) *models.Agent {
	out := *a
	out.CurrentSessions = append([]string(nil), a.CurrentSessions...)
	return &out
}
