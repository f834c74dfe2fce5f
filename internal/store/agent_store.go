package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/cugtyt/agentflow-distributed/internal/events"
)

// AgentStore mirrors agent heartbeats into Redis so external monitors can
// see the fleet. Records expire on their own once an agent goes quiet.
type AgentStore struct {
	redis  *RedisClient
	prefix string
}

func NewAgentStore(redisClient *RedisClient) *AgentStore {
	return &AgentStore{redis: redisClient, prefix: "agentflow:agent:"}
}

func (as *AgentStore) agentKey(agentID string) string {
	return as.prefix + agentID
}

func (as *AgentStore) RecordHeartbeat(ctx context.Context, hb events.Heartbeat, ttl time.Duration) error {
	data, err := json.Marshal(hb)
	if err != nil {
		return fmt.Errorf("failed to marshal heartbeat: %w", err)
	}
	if err := as.redis.client.Set(ctx, as.agentKey(hb.AgentID), data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to store heartbeat for %s: %w", hb.AgentID, err)
	}
	return nil
}

func (as *AgentStore) Get(ctx context.Context, agentID string) (*events.Heartbeat, error) {
	data, err := as.redis.client.Get(ctx, as.agentKey(agentID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get agent %s: %w", agentID, err)
	}
	var hb events.Heartbeat
	if err := json.Unmarshal(data, &hb); err != nil {
		return nil, fmt.Errorf("failed to unmarshal heartbeat: %w", err)
	}
	return &hb, nil
}

// List returns every unexpired heartbeat record sorted by agent id.
func (as *AgentStore) List(ctx context.Context) ([]events.Heartbeat, error) {
	var out []events.Heartbeat
	iter := as.redis.client.Scan(ctx, 0, as.prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := as.redis.client.Get(ctx, iter.Val()).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", iter.Val(), err)
		}
		var hb events.Heartbeat
		if err := json.Unmarshal(data, &hb); err != nil {
			continue
		}
		out = append(out, hb)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan agents: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

func (as *AgentStore) Delete(ctx context.Context, agentID string) error {
	if err := as.redis.client.Del(ctx, as.agentKey(agentID)).Err(); err != nil {
		return fmt.Errorf("failed to delete agent %s: %w", agentID, err)
	}
	return nil
}
