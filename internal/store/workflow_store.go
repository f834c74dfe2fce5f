package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/cugtyt/agentflow-distributed/internal/workflow"
)

const (
	activeKey = "workflows:active"
	queueKey  = "workflows:queue"
)

// RedisWorkflowStore keeps each workflow as one JSON document. Updates are
// optimistic: WATCH the document, apply the change, write it back in MULTI.
type RedisWorkflowStore struct {
	redis     *RedisClient
	retention time.Duration
	logger    *slog.Logger
}

func NewRedisWorkflowStore(redisClient *RedisClient, retention time.Duration) *RedisWorkflowStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &RedisWorkflowStore{
		redis:     redisClient,
		retention: retention,
		logger:    redisClient.logger.With("store", "workflow"),
	}
}

func (s *RedisWorkflowStore) workflowKey(id string) string {
	return fmt.Sprintf("workflow:%s", id)
}

func (s *RedisWorkflowStore) eventsKey(id string) string {
	return fmt.Sprintf("workflow:%s:events", id)
}

func (s *RedisWorkflowStore) sessionKey(sessionID string) string {
	return fmt.Sprintf("session:%s:workflows", sessionID)
}

// write queues the document and its index updates on pipe.
func (s *RedisWorkflowStore) write(ctx context.Context, pipe redis.Pipeliner, wf *workflow.Workflow) error {
	data, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow %s: %w", wf.ID, err)
	}
	if wf.Status.IsTerminal() {
		pipe.Set(ctx, s.workflowKey(wf.ID), data, s.retention)
		pipe.SRem(ctx, activeKey, wf.ID)
		pipe.ZRem(ctx, queueKey, wf.ID)
	} else {
		pipe.Set(ctx, s.workflowKey(wf.ID), data, 0)
		pipe.SAdd(ctx, activeKey, wf.ID)
	}
	if wf.SessionID != "" {
		pipe.SAdd(ctx, s.sessionKey(wf.SessionID), wf.ID)
		pipe.Expire(ctx, s.sessionKey(wf.SessionID), s.retention)
	}
	return nil
}

func (s *RedisWorkflowStore) Save(ctx context.Context, wf *workflow.Workflow) error {
	_, err := s.redis.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		return s.write(ctx, pipe, wf)
	})
	if err != nil {
		return fmt.Errorf("failed to save workflow %s: %w", wf.ID, err)
	}
	return nil
}

func (s *RedisWorkflowStore) Get(ctx context.Context, id string) (*workflow.Workflow, error) {
	data, err := s.redis.client.Get(ctx, s.workflowKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow %s: %w", id, err)
	}
	return decodeWorkflow(data)
}

func decodeWorkflow(data []byte) (*workflow.Workflow, error) {
	var wf workflow.Workflow
	if err := json.Unmarshal(data, &wf); err != nil {
		return nil, fmt.Errorf("failed to unmarshal workflow: %w", err)
	}
	return &wf, nil
}

func (s *RedisWorkflowStore) Update(ctx context.Context, id string, fn UpdateFunc) (*workflow.Workflow, error) {
	key := s.workflowKey(id)
	var updated *workflow.Workflow

	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("workflow %s: %w", id, ErrNotFound)
		}
		if err != nil {
			return err
		}
		wf, err := decodeWorkflow(data)
		if err != nil {
			return err
		}
		if err := fn(wf); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			return s.write(ctx, pipe, wf)
		})
		if err == nil {
			updated = wf
		}
		return err
	}

	attempt := 0
	op := func() error {
		attempt++
		err := s.redis.client.Watch(ctx, txn, key)
		if errors.Is(err, redis.TxFailedErr) {
			s.logger.Debug("workflow update conflict", "workflow_id", id, "attempt", attempt)
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 5 * time.Millisecond
	policy.MaxInterval = 100 * time.Millisecond
	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, maxUpdateAttempts-1), ctx))
	if errors.Is(err, redis.TxFailedErr) {
		return nil, fmt.Errorf("workflow %s after %d attempts: %w", id, attempt, ErrConflict)
	}
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *RedisWorkflowStore) loadMany(ctx context.Context, indexKey string) ([]*workflow.Workflow, error) {
	ids, err := s.redis.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", indexKey, err)
	}
	if len(ids) == 0 {
		return nil, nil
	}
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = s.workflowKey(id)
	}
	values, err := s.redis.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load workflows: %w", err)
	}

	wfs := make([]*workflow.Workflow, 0, len(values))
	var stale []any
	for i, v := range values {
		str, ok := v.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		wf, err := decodeWorkflow([]byte(str))
		if err != nil {
			s.logger.Warn("skipping unreadable workflow", "workflow_id", ids[i], "error", err)
			continue
		}
		wfs = append(wfs, wf)
	}
	if len(stale) > 0 {
		s.redis.client.SRem(ctx, indexKey, stale...)
	}
	return wfs, nil
}

func (s *RedisWorkflowStore) ListActive(ctx context.Context) ([]*workflow.Workflow, error) {
	wfs, err := s.loadMany(ctx, activeKey)
	if err != nil {
		return nil, err
	}
	sortWorkflows(wfs)
	return wfs, nil
}

func (s *RedisWorkflowStore) ListBySession(ctx context.Context, sessionID string) ([]*workflow.Workflow, error) {
	wfs, err := s.loadMany(ctx, s.sessionKey(sessionID))
	if err != nil {
		return nil, err
	}
	sort.SliceStable(wfs, func(i, j int) bool { return wfs[i].CreatedAt.Before(wfs[j].CreatedAt) })
	return wfs, nil
}

func (s *RedisWorkflowStore) Enqueue(ctx context.Context, id string, priority int, createdAt time.Time) error {
	err := s.redis.client.ZAdd(ctx, queueKey, redis.Z{Score: QueueScore(priority, createdAt), Member: id}).Err()
	if err != nil {
		return fmt.Errorf("failed to enqueue workflow %s: %w", id, err)
	}
	return nil
}

func (s *RedisWorkflowStore) Dequeue(ctx context.Context) (string, bool, error) {
	popped, err := s.redis.client.ZPopMax(ctx, queueKey, 1).Result()
	if err != nil {
		return "", false, fmt.Errorf("failed to dequeue: %w", err)
	}
	if len(popped) == 0 {
		return "", false, nil
	}
	id, _ := popped[0].Member.(string)
	return id, true, nil
}

func (s *RedisWorkflowStore) QueueLen(ctx context.Context) (int64, error) {
	return s.redis.client.ZCard(ctx, queueKey).Result()
}

func (s *RedisWorkflowStore) AppendEvent(ctx context.Context, workflowID string, ev Event) error {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	key := s.eventsKey(workflowID)
	pipe := s.redis.client.Pipeline()
	pipe.RPush(ctx, key, data)
	// Keep only the most recent entries
	pipe.LTrim(ctx, key, -MaxEvents, -1)
	pipe.Expire(ctx, key, s.retention)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to append event: %w", err)
	}
	return nil
}

func (s *RedisWorkflowStore) Events(ctx context.Context, workflowID string, limit int) ([]Event, error) {
	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}
	raw, err := s.redis.client.LRange(ctx, s.eventsKey(workflowID), start, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	out := make([]Event, 0, len(raw))
	for _, item := range raw {
		var ev Event
		if err := json.Unmarshal([]byte(item), &ev); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event: %w", err)
		}
		out = append(out, ev)
	}
	return out, nil
}

func (s *RedisWorkflowStore) Close() error {
	return s.redis.Close()
}

var _ WorkflowStore = (*RedisWorkflowStore)(nil)
