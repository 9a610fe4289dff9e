package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// EventType labels a metrics event.
type EventType string

const (
	EventExecutionStart    EventType = "execution_start"
	EventExecutionComplete EventType = "execution_complete"
	EventExecutionFailed   EventType = "execution_failed"
	EventStepStart         EventType = "step_start"
	EventStepComplete      EventType = "step_complete"
	EventStepFailed        EventType = "step_failed"
)

const (
	metricsRetention = 7 * 24 * time.Hour
	eventsChannel    = "metrics:events"
	timelineKey      = "metrics:executions:timeline"
)

// ExecutionMetrics is the live metrics record the collector keeps per
// execution. This is ambient observability over time windows; point-in-time
// aggregation over named executions is the Aggregator's job.
type ExecutionMetrics struct {
	ExecutionID  string                  `json:"execution_id"`
	WorkflowName string                  `json:"workflow_name"`
	StartTime    time.Time               `json:"start_time"`
	EndTime      *time.Time              `json:"end_time,omitempty"`
	DurationMs   int64                   `json:"duration_ms,omitempty"`
	Status       ExecutionStatus         `json:"status"`
	StepMetrics  map[string]*StepMetrics `json:"step_metrics"`
}

// StepMetrics is the per-step slice of an ExecutionMetrics record.
type StepMetrics struct {
	StepID     string     `json:"step_id"`
	StepName   string     `json:"step_name"`
	StartTime  time.Time  `json:"start_time"`
	EndTime    *time.Time `json:"end_time,omitempty"`
	DurationMs int64      `json:"duration_ms,omitempty"`
	Status     StepStatus `json:"status"`
}

// MetricsCollector records execution and step events, keeps live records in
// memory, and writes finished records to a Redis timeline for time-ranged
// history queries. Events are also published for streaming consumers.
type MetricsCollector struct {
	client *redis.Client
	live   sync.Map // map[executionID]*ExecutionMetrics
	mu     sync.Mutex
}

// NewMetricsCollector creates a collector over the given Redis client.
func NewMetricsCollector(client *redis.Client) *MetricsCollector {
	return &MetricsCollector{client: client}
}

// RecordExecutionStart opens a live metrics record.
func (mc *MetricsCollector) RecordExecutionStart(executionID, workflowName string) {
	mc.live.Store(executionID, &ExecutionMetrics{
		ExecutionID:  executionID,
		WorkflowName: workflowName,
		StartTime:    time.Now(),
		Status:       ExecutionStatusRunning,
		StepMetrics:  make(map[string]*StepMetrics),
	})

	mc.publish(EventExecutionStart, map[string]interface{}{
		"execution_id":  executionID,
		"workflow_name": workflowName,
	})
}

// RecordExecutionComplete closes the live record and writes it to the
// timeline.
func (mc *MetricsCollector) RecordExecutionComplete(executionID string, status ExecutionStatus, duration time.Duration) {
	value, ok := mc.live.Load(executionID)
	if !ok {
		return
	}
	metrics := value.(*ExecutionMetrics)

	mc.mu.Lock()
	now := time.Now()
	metrics.EndTime = &now
	metrics.DurationMs = duration.Milliseconds()
	metrics.Status = status
	mc.mu.Unlock()

	mc.saveToTimeline(executionID, metrics)
	mc.live.Delete(executionID)

	eventType := EventExecutionComplete
	if status == ExecutionStatusFailed {
		eventType = EventExecutionFailed
	}
	mc.publish(eventType, map[string]interface{}{
		"execution_id": executionID,
		"status":       string(status),
		"duration_ms":  duration.Milliseconds(),
	})
}

// RecordStepStart opens a step slice in the live record.
func (mc *MetricsCollector) RecordStepStart(executionID, stepID, stepName string) {
	value, ok := mc.live.Load(executionID)
	if !ok {
		return
	}
	metrics := value.(*ExecutionMetrics)

	mc.mu.Lock()
	metrics.StepMetrics[stepID] = &StepMetrics{
		StepID:    stepID,
		StepName:  stepName,
		StartTime: time.Now(),
		Status:    StepStatusRunning,
	}
	mc.mu.Unlock()

	mc.publish(EventStepStart, map[string]interface{}{
		"execution_id": executionID,
		"step_id":      stepID,
		"step_name":    stepName,
	})
}

// RecordStepComplete closes a step slice.
func (mc *MetricsCollector) RecordStepComplete(executionID, stepID string, status StepStatus, duration time.Duration) {
	value, ok := mc.live.Load(executionID)
	if !ok {
		return
	}
	metrics := value.(*ExecutionMetrics)

	mc.mu.Lock()
	if sm, exists := metrics.StepMetrics[stepID]; exists {
		now := time.Now()
		sm.EndTime = &now
		sm.DurationMs = duration.Milliseconds()
		sm.Status = status
	}
	mc.mu.Unlock()

	eventType := EventStepComplete
	if status == StepStatusFailed {
		eventType = EventStepFailed
	}
	mc.publish(eventType, map[string]interface{}{
		"execution_id": executionID,
		"step_id":      stepID,
		"status":       string(status),
		"duration_ms":  duration.Milliseconds(),
	})
}

// GetHistory returns metrics for executions started within the window.
func (mc *MetricsCollector) GetHistory(ctx context.Context, window time.Duration) ([]*ExecutionMetrics, error) {
	if mc.client == nil {
		return nil, nil
	}

	now := time.Now()
	ids, err := mc.client.ZRangeByScore(ctx, timelineKey, &redis.ZRangeBy{
		Min: fmt.Sprintf("%d", now.Add(-window).Unix()),
		Max: fmt.Sprintf("%d", now.Unix()),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read metrics timeline: %w", err)
	}

	history := make([]*ExecutionMetrics, 0, len(ids))
	for _, id := range ids {
		data, err := mc.client.Get(ctx, fmt.Sprintf("metrics:execution:%s", id)).Result()
		if err != nil {
			continue
		}
		var metrics ExecutionMetrics
		if err := json.Unmarshal([]byte(data), &metrics); err != nil {
			continue
		}
		history = append(history, &metrics)
	}
	return history, nil
}

// CleanupOldMetrics drops timeline entries older than the retention period.
func (mc *MetricsCollector) CleanupOldMetrics(ctx context.Context) error {
	if mc.client == nil {
		return nil
	}
	cutoff := time.Now().Add(-metricsRetention)
	return mc.client.ZRemRangeByScore(ctx, timelineKey, "-inf", fmt.Sprintf("%d", cutoff.Unix())).Err()
}

func (mc *MetricsCollector) saveToTimeline(executionID string, metrics *ExecutionMetrics) {
	if mc.client == nil {
		return
	}
	ctx := context.Background()

	data, err := json.Marshal(metrics)
	if err != nil {
		return
	}

	key := fmt.Sprintf("metrics:execution:%s", executionID)
	mc.client.Set(ctx, key, data, metricsRetention)
	mc.client.ZAdd(ctx, timelineKey, &redis.Z{
		Score:  float64(metrics.StartTime.Unix()),
		Member: executionID,
	})
}

func (mc *MetricsCollector) publish(eventType EventType, data map[string]interface{}) {
	if mc.client == nil {
		return
	}

	event := map[string]interface{}{
		"type":      string(eventType),
		"timestamp": time.Now(),
		"data":      data,
	}
	if payload, err := json.Marshal(event); err == nil {
		mc.client.Publish(context.Background(), eventsChannel, payload)
	}
}
