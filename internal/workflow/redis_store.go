package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// UpdatesChannel is the pub/sub channel execution updates are published on.
const UpdatesChannel = "execution:updates"

// RedisStore persists definitions, executions, batches and triggers as JSON
// blobs keyed by id, with sets holding the id indexes. Every execution save
// also publishes an update event for streaming consumers.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a store over the given Redis client.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) SaveDefinition(ctx context.Context, def *Definition) error {
	data, err := json.Marshal(def)
	if err != nil {
		return fmt.Errorf("failed to marshal definition: %w", err)
	}

	key := fmt.Sprintf("workflow:%s", def.ID)
	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save definition: %w", err)
	}
	if err := s.client.SAdd(ctx, "workflows:list", def.ID).Err(); err != nil {
		return fmt.Errorf("failed to index definition: %w", err)
	}
	return nil
}

func (s *RedisStore) GetDefinition(ctx context.Context, id string) (*Definition, error) {
	key := fmt.Sprintf("workflow:%s", id)
	data, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to get definition: %w", err)
	}

	var def Definition
	if err := json.Unmarshal([]byte(data), &def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal definition: %w", err)
	}
	return &def, nil
}

func (s *RedisStore) ListDefinitions(ctx context.Context) ([]Definition, error) {
	ids, err := s.client.SMembers(ctx, "workflows:list").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list definitions: %w", err)
	}

	defs := make([]Definition, 0, len(ids))
	for _, id := range ids {
		def, err := s.GetDefinition(ctx, id)
		if err != nil {
			continue // Skip ids with missing or corrupt blobs
		}
		defs = append(defs, *def)
	}
	return defs, nil
}

func (s *RedisStore) SaveExecution(ctx context.Context, exec *Execution) error {
	data, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("failed to marshal execution: %w", err)
	}

	key := fmt.Sprintf("execution:%s", exec.ID)
	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save execution: %w", err)
	}
	if err := s.client.SAdd(ctx, "executions:list", exec.ID).Err(); err != nil {
		return fmt.Errorf("failed to index execution: %w", err)
	}
	if exec.WorkflowID != "" {
		wfKey := fmt.Sprintf("workflow:%s:executions", exec.WorkflowID)
		if err := s.client.SAdd(ctx, wfKey, exec.ID).Err(); err != nil {
			return fmt.Errorf("failed to index execution by workflow: %w", err)
		}
	}

	s.publishUpdate(ctx, exec)
	return nil
}

func (s *RedisStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	key := fmt.Sprintf("execution:%s", id)
	data, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to get execution: %w", err)
	}

	var exec Execution
	if err := json.Unmarshal([]byte(data), &exec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution: %w", err)
	}
	return &exec, nil
}

func (s *RedisStore) ListExecutions(ctx context.Context, workflowID string) ([]Execution, error) {
	indexKey := "executions:list"
	if workflowID != "" {
		indexKey = fmt.Sprintf("workflow:%s:executions", workflowID)
	}

	ids, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}

	execs := make([]Execution, 0, len(ids))
	for _, id := range ids {
		exec, err := s.GetExecution(ctx, id)
		if err != nil {
			continue
		}
		execs = append(execs, *exec)
	}
	return execs, nil
}

// SetControlFlags writes pause/cancel requests under their own key, outside
// the execution blob, so engine saves cannot clobber them.
func (s *RedisStore) SetControlFlags(ctx context.Context, executionID string, flags ControlFlags) error {
	data, err := json.Marshal(flags)
	if err != nil {
		return fmt.Errorf("failed to marshal control flags: %w", err)
	}

	key := fmt.Sprintf("execution:%s:control", executionID)
	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save control flags: %w", err)
	}
	return nil
}

func (s *RedisStore) GetControlFlags(ctx context.Context, executionID string) (ControlFlags, error) {
	key := fmt.Sprintf("execution:%s:control", executionID)
	data, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return ControlFlags{}, nil
	} else if err != nil {
		return ControlFlags{}, fmt.Errorf("failed to get control flags: %w", err)
	}

	var flags ControlFlags
	if err := json.Unmarshal([]byte(data), &flags); err != nil {
		return ControlFlags{}, fmt.Errorf("failed to unmarshal control flags: %w", err)
	}
	return flags, nil
}

func (s *RedisStore) SaveBatch(ctx context.Context, batch *BatchResult) error {
	data, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("failed to marshal batch: %w", err)
	}

	key := fmt.Sprintf("batch:%s", batch.BatchID)
	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save batch: %w", err)
	}
	return nil
}

func (s *RedisStore) GetBatch(ctx context.Context, id string) (*BatchResult, error) {
	key := fmt.Sprintf("batch:%s", id)
	data, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}

	var batch BatchResult
	if err := json.Unmarshal([]byte(data), &batch); err != nil {
		return nil, fmt.Errorf("failed to unmarshal batch: %w", err)
	}
	return &batch, nil
}

func (s *RedisStore) SaveTrigger(ctx context.Context, trigger *Trigger) error {
	data, err := json.Marshal(trigger)
	if err != nil {
		return fmt.Errorf("failed to marshal trigger: %w", err)
	}

	key := fmt.Sprintf("trigger:%s", trigger.ID)
	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("failed to save trigger: %w", err)
	}
	if err := s.client.SAdd(ctx, "triggers:list", trigger.ID).Err(); err != nil {
		return fmt.Errorf("failed to index trigger: %w", err)
	}
	return nil
}

func (s *RedisStore) GetTrigger(ctx context.Context, id string) (*Trigger, error) {
	key := fmt.Sprintf("trigger:%s", id)
	data, err := s.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to get trigger: %w", err)
	}

	var trigger Trigger
	if err := json.Unmarshal([]byte(data), &trigger); err != nil {
		return nil, fmt.Errorf("failed to unmarshal trigger: %w", err)
	}
	return &trigger, nil
}

func (s *RedisStore) ListTriggers(ctx context.Context, workflowID string) ([]Trigger, error) {
	ids, err := s.client.SMembers(ctx, "triggers:list").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list triggers: %w", err)
	}

	triggers := make([]Trigger, 0, len(ids))
	for _, id := range ids {
		trigger, err := s.GetTrigger(ctx, id)
		if err != nil {
			continue
		}
		if workflowID != "" && trigger.WorkflowID != workflowID {
			continue
		}
		triggers = append(triggers, *trigger)
	}
	return triggers, nil
}

func (s *RedisStore) DeleteTrigger(ctx context.Context, id string) error {
	key := fmt.Sprintf("trigger:%s", id)
	deleted, err := s.client.Del(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to delete trigger: %w", err)
	}
	if deleted == 0 {
		return ErrNotFound
	}
	s.client.SRem(ctx, "triggers:list", id)
	return nil
}

func (s *RedisStore) publishUpdate(ctx context.Context, exec *Execution) {
	update := map[string]interface{}{
		"type":         "execution_update",
		"execution_id": exec.ID,
		"workflow_id":  exec.WorkflowID,
		"status":       string(exec.Status),
		"progress":     exec.Progress,
		"timestamp":    time.Now(),
	}
	if data, err := json.Marshal(update); err == nil {
		s.client.Publish(ctx, UpdatesChannel, data)
	}
}
