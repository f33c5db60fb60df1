package storage

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xaenox/supportchat/internal/models"
)

func newTestRegistry(t *testing.T) *RedisAgentRegistry {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisAgentRegistry(client, nil)
}

func TestRedisAgentRegistry_PutAndGet(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)

	require.NoError(t, r.PutAgent(ctx, &models.Agent{
		ID:              "agent5@company.com",
		Name:            "Agent Five",
		Status:          models.AgentAvailable,
		CurrentSessions: []string{"s2", "s1"},
		MaxSessions:     3,
	}))

	agent, err := r.GetAgent(ctx, "agent5@company.com")
	require.NoError(t, err)
	assert.Equal(t, "Agent Five", agent.Name)
	assert.Equal(t, models.AgentAvailable, agent.Status)
	assert.Equal(t, 3, agent.MaxSessions)
	assert.Equal(t, []string{"s1", "s2"}, agent.CurrentSessions)

	_, err = r.GetAgent(ctx, "nobody")
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestRedisAgentRegistry_AddRemoveSession(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	require.NoError(t, r.PutAgent(ctx, &models.Agent{ID: "a1", Name: "Ada", Status: models.AgentAvailable, MaxSessions: 2}))

	require.NoError(t, r.AddSession(ctx, "a1", "s1"))
	require.NoError(t, r.AddSession(ctx, "a1", "s1"))

	agent, err := r.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, agent.CurrentSessions)

	require.NoError(t, r.RemoveSession(ctx, "a1", "s1"))
	agent, err = r.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Empty(t, agent.CurrentSessions)

	assert.ErrorIs(t, r.AddSession(ctx, "ghost", "s1"), ErrAgentNotFound)
	assert.ErrorIs(t, r.RemoveSession(ctx, "ghost", "s1"), ErrAgentNotFound)
}

func TestRedisAgentRegistry_ListAgents(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	require.NoError(t, r.PutAgent(ctx, &models.Agent{ID: "b", Name: "B", Status: models.AgentBusy, MaxSessions: 1}))
	require.NoError(t, r.PutAgent(ctx, &models.Agent{ID: "a", Name: "A", Status: models.AgentAvailable, MaxSessions: 1}))

	agents, err := r.ListAgents(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 2)
	assert.Equal(t, "a", agents[0].ID)
	assert.Equal(t, "b", agents[1].ID)
}

func TestRedisAgentRegistry_AddSessionEnforcesCapacity(t *testing.T) {
	ctx := context.Background()
	r := newTestRegistry(t)
	require.NoError(t, r.PutAgent(ctx, &models.Agent{ID: "a1", Name: "Ada", Status: models.AgentAvailable, MaxSessions: 1}))
	require.NoError(t, r.PutAgent(ctx, &models.Agent{ID: "b1", Name: "Bea", Status: models.AgentBusy, MaxSessions: 4}))

	require.NoError(t, r.AddSession(ctx, "a1", "s1"))
	assert.ErrorIs(t, r.AddSession(ctx, "a1", "s2"), ErrAgentAtCapacity)
	assert.NoError(t, r.AddSession(ctx, "a1", "s1"))
	assert.ErrorIs(t, r.AddSession(ctx, "b1", "s1"), ErrAgentAtCapacity)

	agent, err := r.GetAgent(ctx, "a1")
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, agent.CurrentSessions)
}
