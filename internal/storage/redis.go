package storage

import (
	"context"
	"fmt"
	"sort"
	"strconv"

	"github.com/redis/go-redis/v9"
	"github.com/xaenox/supportchat/internal/models"
	"go.uber.org/zap"
)

const (
	agentIndexKey = "support:agents"
)

func agentKey(id string) string         { return "support:agent:" + id }
func agentSessionsKey(id string) string { return "support:agent:" + id + ":sessions" }

// RedisAgentRegistry stores each agent as a hash and its current sessions as
// a set, so adding or removing a session is a single SADD/SREM.
type RedisAgentRegistry struct {
	client *redis.Client
	logger *zap.Logger
}

func NewRedisAgentRegistry(client *redis.Client, logger *zap.Logger) *RedisAgentRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisAgentRegistry{client: client, logger: logger}
}

// PutAgent writes the agent profile and replaces its session set.
func (r *RedisAgentRegistry) PutAgent(ctx context.Context, agent *models.Agent) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, agentKey(agent.ID),
			"name", agent.Name,
			"status", string(agent.Status),
			"max_sessions", agent.MaxSessions,
		)
		pipe.SAdd(ctx, agentIndexKey, agent.ID)
		pipe.Del(ctx, agentSessionsKey(agent.ID))
		if len(agent.CurrentSessions) > 0 {
			members := make([]any, 0, len(agent.CurrentSessions))
			for _, id := range agent.CurrentSessions {
				members = append(members, id)
			}
			pipe.SAdd(ctx, agentSessionsKey(agent.ID), members...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("error saving agent %s: %w", agent.ID, err)
	}
	return nil
}

func (r *RedisAgentRegistry) ListAgents(ctx context.Context) ([]*models.Agent, error) {
	ids, err := r.client.SMembers(ctx, agentIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("error listing agents: %w", err)
	}
	sort.Strings(ids)

	agents := make([]*models.Agent, 0, len(ids))
	for _, id := range ids {
		agent, err := r.GetAgent(ctx, id)
		if err == ErrAgentNotFound {
			r.logger.Warn("Agent index references missing agent", zap.String("agent_id", id))
			continue
		}
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, nil
}

func (r *RedisAgentRegistry) GetAgent(ctx context.Context, agentID string) (*models.Agent, error) {
	fields, err := r.client.HGetAll(ctx, agentKey(agentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("error reading agent %s: %w", agentID, err)
	}
	if len(fields) == 0 {
		return nil, ErrAgentNotFound
	}

	sessions, err := r.client.SMembers(ctx, agentSessionsKey(agentID)).Result()
	if err != nil {
		return nil, fmt.Errorf("error reading sessions of agent %s: %w", agentID, err)
	}
	sort.Strings(sessions)

	maxSessions, err := strconv.Atoi(fields["max_sessions"])
	if err != nil {
		r.logger.Warn("Invalid max_sessions for agent",
			zap.String("agent_id", agentID),
			zap.String("value", fields["max_sessions"]))
		maxSessions = 0
	}

	return &models.Agent{
		ID:              agentID,
		Name:            fields["name"],
		Status:          models.AgentStatus(fields["status"]),
		CurrentSessions: sessions,
		MaxSessions:     maxSessions,
	}, nil
}

// addSessionScript checks status and SCARD against max_sessions and adds the
// session in one server-side step.
// Returns 1 added, 0 already held, -1 unknown agent, -2 no capacity.
var addSessionScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
if redis.call('SISMEMBER', KEYS[2], ARGV[1]) == 1 then
	return 0
end
if redis.call('HGET', KEYS[1], 'status') ~= 'available' then
	return -2
end
local max = tonumber(redis.call('HGET', KEYS[1], 'max_sessions')) or 0
if redis.call('SCARD', KEYS[2]) >= max then
	return -2
end
redis.call('SADD', KEYS[2], ARGV[1])
return 1
`)

func (r *RedisAgentRegistry) AddSession(ctx context.Context, agentID, sessionID string) error {
	res, err := addSessionScript.Run(ctx, r.client,
		[]string{agentKey(agentID), agentSessionsKey(agentID)}, sessionID).Int()
	if err != nil {
		return fmt.Errorf("error adding session to agent %s: %w", agentID, err)
	}
	switch res {
	case -1:
		return ErrAgentNotFound
	case -2:
		return ErrAgentAtCapacity
	}
	return nil
}

func (r *RedisAgentRegistry) RemoveSession(ctx context.Context, agentID, sessionID string) error {
	if err := r.ensureAgent(ctx, agentID); err != nil {
		return err
	}
	if err := r.client.SRem(ctx, agentSessionsKey(agentID), sessionID).Err(); err != nil {
		return fmt.Errorf("error removing session from agent %s: %w", agentID, err)
	}
	return nil
}

func (r *RedisAgentRegistry) ensureAgent(ctx context.Context, agentID string) error {
	n, err := r.client.Exists(ctx, agentKey(agentID)).Result()
	if err != nil {
		return fmt.Errorf("error checking agent %s: %w", agentID, err)
	}
	if n == 0 {
		return ErrAgentNotFound
	}
	return nil
}
