package escalation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaenox/supportchat/internal/models"
	"github.com/xaenox/supportchat/internal/storage"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

var (
	errBoom  = errors.New("boom")
	closedAt = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
)

// flakyAgents fails the selected registry writes.
type flakyAgents struct {
	*storage.MemoryStorage
	failAdd    bool
	failRemove bool
}

func (f *flakyAgents) AddSession(ctx context.Context, agentID, sessionID string) error {
	if f.failAdd {
		return errBoom
	}
	return f.MemoryStorage.AddSession(ctx, agentID, sessionID)
}

func (f *flakyAgents) RemoveSession(ctx context.Context, agentID, sessionID string) error {
	if f.failRemove {
		return errBoom
	}
	return f.MemoryStorage.RemoveSession(ctx, agentID, sessionID)
}

type flakyTickets struct {
	*storage.MemoryStorage
	failUpsert bool
	failDelete bool
}

func (f *flakyTickets) UpsertTicket(ctx context.Context, sessionID string, patch models.TicketPatch) (*models.Ticket, error) {
	if f.failUpsert {
		return nil, errBoom
	}
	return f.MemoryStorage.UpsertTicket(ctx, sessionID, patch)
}

func (f *flakyTickets) DeleteTicket(ctx context.Context, sessionID string) error {
	if f.failDelete {
		return errBoom
	}
	return f.MemoryStorage.DeleteTicket(ctx, sessionID)
}

type fixture struct {
	store   *storage.MemoryStorage
	tickets *flakyTickets
	agents  *flakyAgents
	coord   *Coordinator
	logs    *observer.ObservedLogs
}

func newFixture() *fixture {
	store := storage.NewMemoryStorage()
	store.PutAgent(&models.Agent{ID: "a1", Name: "Alice", Status: models.AgentAvailable, MaxSessions: 2})
	store.PutAgent(&models.Agent{ID: "a2", Name: "Bob", Status: models.AgentAvailable, MaxSessions: 1, CurrentSessions: []string{"other"}})
	store.PutAgent(&models.Agent{ID: "a3", Name: "Carol", Status: models.AgentOffline, MaxSessions: 5})

	core, logs := observer.New(zap.WarnLevel)
	f := &fixture{
		store:   store,
		tickets: &flakyTickets{MemoryStorage: store},
		agents:  &flakyAgents{MemoryStorage: store},
		logs:    logs,
	}
	f.coord = NewCoordinator(f.tickets, f.agents, zap.New(core))
	return f
}

func activeSession(id string) models.Session {
	return models.Session{ID: id, Status: models.StatusActive, Priority: models.PriorityLow}
}

func agentSessions(t *testing.T, f *fixture, id string) []string {
	t.Helper()
	a, err := f.store.GetAgent(context.Background(), id)
	require.NoError(t, err)
	return a.CurrentSessions
}

func TestStateMachine(t *testing.T) {
	sm := NewStateMachine()

	assert.True(t, sm.CanTransition(models.ModeUnassigned, models.ModeEscalated))
	assert.True(t, sm.CanTransition(models.ModeEscalated, models.ModeEscalated))
	assert.True(t, sm.CanTransition(models.ModeResolved, models.ModeAssigned))
	assert.True(t, sm.CanTransition(models.ModeResolved, models.ModeDeleted))
	assert.False(t, sm.CanTransition(models.ModeResolved, models.ModeEscalated))
	assert.False(t, sm.CanTransition(models.ModeAssigned, models.ModeUnassigned))
	assert.False(t, sm.CanTransition(models.ModeDeleted, models.ModeUnassigned))

	err := sm.Check("escalate", "s1", models.ModeResolved, models.ModeEscalated)
	assert.True(t, models.IsKind(err, models.KindInvalidTransition))
}

func TestEscalate_CreatesActiveTicketIdempotently(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	s := activeSession("s1")
	user := models.Identity{Email: "jane@example.com", Name: "Jane"}

	_, err := f.coord.Escalate(ctx, s, user)
	require.NoError(t, err)
	s.Escalated = true
	ticket, err := f.coord.Escalate(ctx, s, user)
	require.NoError(t, err)

	assert.True(t, ticket.IsActive)
	assert.Empty(t, ticket.EscalatedTo)
	assert.Equal(t, "jane@example.com", ticket.UserID)
	assert.Equal(t, "Jane", ticket.UserName)
}

func TestEscalate_ResolvedIsInvalid(t *testing.T) {
	f := newFixture()
	s := activeSession("s1")
	s.Status = models.StatusResolved

	_, err := f.coord.Escalate(context.Background(), s, models.Identity{})

	assert.True(t, models.IsKind(err, models.KindInvalidTransition))
	_, err = f.store.GetTicket(context.Background(), "s1")
	assert.ErrorIs(t, err, storage.ErrTicketNotFound)
}

func TestAssign_WritesTicketThenAgent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	a, err := f.coord.Assign(ctx, activeSession("s1"), "a1")
	require.NoError(t, err)

	assert.Equal(t, &Assignment{AgentID: "a1", AgentName: "Alice"}, a)
	ticket, err := f.store.GetTicket(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, "a1", ticket.EscalatedTo)
	assert.True(t, ticket.IsActive)
	assert.Equal(t, []string{"s1"}, agentSessions(t, f, "a1"))
}

func TestAssign_AtCapacityChangesNothing(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, err := f.coord.Assign(ctx, activeSession("s1"), "a2")

	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindCapacity))
	assert.Equal(t, []string{"other"}, agentSessions(t, f, "a2"))
	_, err = f.store.GetTicket(ctx, "s1")
	assert.ErrorIs(t, err, storage.ErrTicketNotFound)
}

func TestAssign_UnavailableAgent(t *testing.T) {
	f := newFixture()

	_, err := f.coord.Assign(context.Background(), activeSession("s1"), "a3")

	assert.True(t, models.IsKind(err, models.KindCapacity))
	assert.Empty(t, agentSessions(t, f, "a3"))
}

func TestAssign_UnknownAgent(t *testing.T) {
	f := newFixture()

	_, err := f.coord.Assign(context.Background(), activeSession("s1"), "nobody")

	assert.True(t, models.IsKind(err, models.KindNotFound))
}

func TestAssign_AgentWriteFailureRevertsTicket(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	f.agents.failAdd = true

	_, err := f.coord.Assign(ctx, activeSession("s1"), "a1")

	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.KindStore))
	assert.ErrorIs(t, err, errBoom)
	ticket, err := f.store.GetTicket(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, ticket.EscalatedTo)
	assert.Empty(t, agentSessions(t, f, "a1"))
}

func TestAssign_TicketFailureTouchesNoAgent(t *testing.T) {
	f := newFixture()
	f.tickets.failUpsert = true

	_, err := f.coord.Assign(context.Background(), activeSession("s1"), "a1")

	assert.True(t, models.IsKind(err, models.KindStore))
	assert.Empty(t, agentSessions(t, f, "a1"))
}

func TestAssign_ReassignReleasesPreviousAgent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	s := activeSession("s1")
	_, err := f.coord.Assign(ctx, s, "a1")
	require.NoError(t, err)
	s.Assignee = "a1"

	require.NoError(t, f.store.RemoveSession(ctx, "a2", "other"))
	_, err = f.coord.Assign(ctx, s, "a2")
	require.NoError(t, err)

	assert.Empty(t, agentSessions(t, f, "a1"))
	assert.Equal(t, []string{"s1"}, agentSessions(t, f, "a2"))
}

func TestAssign_SameAgentIsNoop(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	s := activeSession("s1")
	_, err := f.coord.Assign(ctx, s, "a1")
	require.NoError(t, err)
	s.Assignee = "a1"

	f.tickets.failUpsert = true
	a, err := f.coord.Assign(ctx, s, "a1")

	require.NoError(t, err)
	assert.Equal(t, "a1", a.AgentID)
}

func TestResolveReopenRoundTrip(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	s := activeSession("s1")
	_, err := f.coord.Assign(ctx, s, "a1")
	require.NoError(t, err)
	s.Assignee = "a1"

	require.NoError(t, f.coord.Resolve(ctx, s, closedAt))
	assert.Empty(t, agentSessions(t, f, "a1"))
	ticket, _ := f.store.GetTicket(ctx, "s1")
	assert.False(t, ticket.IsActive)
	require.NotNil(t, ticket.ClosedAt)
	assert.Equal(t, closedAt, *ticket.ClosedAt)

	s.Status = models.StatusResolved
	require.NoError(t, f.coord.Reopen(ctx, s))
	assert.Equal(t, []string{"s1"}, agentSessions(t, f, "a1"))
	ticket, _ = f.store.GetTicket(ctx, "s1")
	assert.True(t, ticket.IsActive)
	assert.Nil(t, ticket.ClosedAt)
	assert.Equal(t, "a1", ticket.EscalatedTo)
}

func TestReopen_AgentFullIsCapacityError(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	s := activeSession("s1")
	s.Status = models.StatusResolved
	s.Assignee = "a2"
	s.ClosedAt = &closedAt
	_, err := f.store.UpsertTicket(ctx, "s1", models.TicketPatch{
		IsActive: models.Bool(false), EscalatedTo: models.String("a2"), ClosedAt: &closedAt, SetClosedAt: true,
	})
	require.NoError(t, err)

	err = f.coord.Reopen(ctx, s)

	assert.True(t, models.IsKind(err, models.KindCapacity))
	ticket, _ := f.store.GetTicket(ctx, "s1")
	assert.False(t, ticket.IsActive)
	require.NotNil(t, ticket.ClosedAt)
	assert.Equal(t, []string{"other"}, agentSessions(t, f, "a2"))
}

func TestResolve_AgentRemovalIsBestEffort(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	s := activeSession("s1")
	_, err := f.coord.Assign(ctx, s, "a1")
	require.NoError(t, err)
	s.Assignee = "a1"
	f.agents.failRemove = true

	require.NoError(t, f.coord.Resolve(ctx, s, closedAt))

	ticket, _ := f.store.GetTicket(ctx, "s1")
	assert.False(t, ticket.IsActive)
	assert.Equal(t, 1, f.logs.FilterMessage("Failed to remove session from agent").Len())
}

func TestResolve_TicketFailureGivesSessionBack(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	s := activeSession("s1")
	_, err := f.coord.Assign(ctx, s, "a1")
	require.NoError(t, err)
	s.Assignee = "a1"
	f.tickets.failUpsert = true

	err = f.coord.Resolve(ctx, s, closedAt)

	assert.True(t, models.IsKind(err, models.KindStore))
	assert.Equal(t, []string{"s1"}, agentSessions(t, f, "a1"))
}

func TestResolve_AlreadyResolved(t *testing.T) {
	f := newFixture()
	s := activeSession("s1")
	s.Status = models.StatusResolved

	err := f.coord.Resolve(context.Background(), s, closedAt)

	assert.True(t, models.IsKind(err, models.KindInvalidTransition))
}

func TestReopen_AgentFailureRevertsTicket(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	s := activeSession("s1")
	s.Status = models.StatusResolved
	s.Assignee = "a1"
	_, err := f.store.UpsertTicket(ctx, "s1", models.TicketPatch{IsActive: models.Bool(false)})
	require.NoError(t, err)
	f.agents.failAdd = true

	err = f.coord.Reopen(ctx, s)

	assert.True(t, models.IsKind(err, models.KindStore))
	ticket, _ := f.store.GetTicket(ctx, "s1")
	assert.False(t, ticket.IsActive)
}

func TestDelete_ToleratesMissingTicket(t *testing.T) {
	f := newFixture()

	require.NoError(t, f.coord.Delete(context.Background(), activeSession("never-persisted")))
}

func TestDelete_StoreFailure(t *testing.T) {
	f := newFixture()
	f.tickets.failDelete = true

	err := f.coord.Delete(context.Background(), activeSession("s1"))

	assert.True(t, models.IsKind(err, models.KindStore))
}

func TestTicketLookup(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	ticket, err := f.coord.Ticket(ctx, "s1")
	require.NoError(t, err)
	assert.Nil(t, ticket)

	_, err = f.coord.UpdateTicket(ctx, "s1", models.TicketPatch{Tags: []string{"vip"}, SetTags: true})
	require.NoError(t, err)
	ticket, err = f.coord.Ticket(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"vip"}, ticket.Tags)
}

// gatedAgents holds every GetAgent until release is closed, so concurrent
// assigns all pass the capacity pre-check before any of them writes.
type gatedAgents struct {
	*storage.MemoryStorage
	arrived sync.WaitGroup
	release chan struct{}
}

func (g *gatedAgents) GetAgent(ctx context.Context, agentID string) (*models.Agent, error) {
	a, err := g.MemoryStorage.GetAgent(ctx, agentID)
	g.arrived.Done()
	<-g.release
	return a, err
}

func TestAssign_ConcurrentAssignsRespectCapacity(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	store.PutAgent(&models.Agent{ID: "solo", Name: "Sol", Status: models.AgentAvailable, MaxSessions: 1})
	agents := &gatedAgents{MemoryStorage: store, release: make(chan struct{})}
	coord := NewCoordinator(store, agents, nil)

	const n = 2
	agents.arrived.Add(n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = coord.Assign(ctx, activeSession(fmt.Sprintf("s%d", i)), "solo")
		}(i)
	}
	agents.arrived.Wait()
	close(agents.release)
	wg.Wait()

	failed := 0
	for _, err := range errs {
		if err != nil {
			failed++
			assert.True(t, models.IsKind(err, models.KindCapacity))
		}
	}
	assert.Equal(t, 1, failed)

	a, err := store.GetAgent(ctx, "solo")
	require.NoError(t, err)
	require.Len(t, a.CurrentSessions, 1)

	loser := "s0"
	if a.CurrentSessions[0] == "s0" {
		loser = "s1"
	}
	ticket, err := store.GetTicket(ctx, loser)
	require.NoError(t, err)
	assert.Empty(t, ticket.EscalatedTo)
	assert.False(t, ticket.IsActive)
}
