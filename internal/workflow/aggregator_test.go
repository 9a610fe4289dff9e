package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func storedExecution(t *testing.T, store Store, id string, workflowName string, status ExecutionStatus, duration time.Duration, steps ...StepExecution) {
	t.Helper()

	exec := &Execution{
		ID:             id,
		WorkflowID:     "wf-" + workflowName,
		WorkflowName:   workflowName,
		Status:         status,
		StepExecutions: steps,
		CreatedAt:      time.Now(),
	}
	if duration > 0 {
		started := time.Now().Add(-duration)
		completed := started.Add(duration)
		exec.StartedAt = &started
		exec.CompletedAt = &completed
	}
	exec.RecomputeProgress()
	require.NoError(t, store.SaveExecution(context.Background(), exec))
}

func TestAggregateEmptyInput(t *testing.T) {
	agg := NewAggregator(NewMemoryStore())

	results, err := agg.Aggregate(context.Background(), nil, AggregationModeSummary)
	require.NoError(t, err)

	assert.Equal(t, 0, results.TotalExecutions)
	assert.Equal(t, float64(0), results.SuccessRate)
}

func TestAggregateSkipsUnknownIDs(t *testing.T) {
	store := NewMemoryStore()
	storedExecution(t, store, "e1", "etl", ExecutionStatusCompleted, 0)
	agg := NewAggregator(store)

	results, err := agg.Aggregate(context.Background(), []string{"e1", "ghost"}, AggregationModeSummary)
	require.NoError(t, err)

	assert.Equal(t, 1, results.TotalExecutions)
	assert.Equal(t, float64(100), results.SuccessRate)
}

func TestAggregateSummaryCounts(t *testing.T) {
	store := NewMemoryStore()
	storedExecution(t, store, "e1", "etl", ExecutionStatusCompleted, 0,
		StepExecution{StepID: "a", Status: StepStatusCompleted},
		StepExecution{StepID: "b", Status: StepStatusCompleted},
	)
	storedExecution(t, store, "e2", "etl", ExecutionStatusCompleted, 0,
		StepExecution{StepID: "a", Status: StepStatusCompleted},
		StepExecution{StepID: "b", Status: StepStatusFailed},
	)
	storedExecution(t, store, "e3", "etl", ExecutionStatusFailed, 0,
		StepExecution{StepID: "a", Status: StepStatusFailed},
		StepExecution{StepID: "b", Status: StepStatusCancelled},
	)
	agg := NewAggregator(store)

	results, err := agg.Aggregate(context.Background(), []string{"e1", "e2", "e3"}, AggregationModeSummary)
	require.NoError(t, err)

	assert.Equal(t, 3, results.TotalExecutions)
	assert.Equal(t, 2, results.SuccessfulExecutions)
	assert.Equal(t, 1, results.FailedExecutions)
	assert.Equal(t, 6, results.TotalSteps)
	assert.Equal(t, 3, results.SuccessfulSteps)
	assert.Equal(t, 2, results.FailedSteps)
	assert.InDelta(t, 66.67, results.SuccessRate, 0.01)
	assert.Nil(t, results.ByStatus)
	assert.Nil(t, results.Durations)
}

func TestAggregateDetailed(t *testing.T) {
	store := NewMemoryStore()
	storedExecution(t, store, "e1", "etl", ExecutionStatusCompleted, 0,
		StepExecution{StepID: "a", Status: StepStatusCompleted},
	)
	storedExecution(t, store, "e2", "report", ExecutionStatusFailed, 0,
		StepExecution{StepID: "a", Status: StepStatusFailed},
	)
	agg := NewAggregator(store)

	results, err := agg.Aggregate(context.Background(), []string{"e1", "e2"}, AggregationModeDetailed)
	require.NoError(t, err)

	assert.Equal(t, map[string]int{"completed": 1, "failed": 1}, results.ByStatus)
	assert.Equal(t, map[string]int{"etl": 1, "report": 1}, results.ByWorkflow)

	stats := results.StepStats["a"]
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Successful)
	assert.Equal(t, 1, stats.Failed)
	assert.InDelta(t, 50.0, stats.SuccessRate, 0.01)
}

func TestAggregateStatistical(t *testing.T) {
	store := NewMemoryStore()
	durations := []time.Duration{
		100 * time.Millisecond,
		200 * time.Millisecond,
		300 * time.Millisecond,
		400 * time.Millisecond,
	}
	ids := make([]string, len(durations))
	for i, d := range durations {
		ids[i] = string(rune('a' + i))
		storedExecution(t, store, ids[i], "etl", ExecutionStatusCompleted, d)
	}
	agg := NewAggregator(store)

	results, err := agg.Aggregate(context.Background(), ids, AggregationModeStatistical)
	require.NoError(t, err)
	require.NotNil(t, results.Durations)

	stats := results.Durations
	assert.Equal(t, 4, stats.Count)
	assert.InDelta(t, 100, stats.MinMs, 0.01)
	assert.InDelta(t, 400, stats.MaxMs, 0.01)
	assert.InDelta(t, 250, stats.AvgMs, 0.01)
	assert.InDelta(t, 250, stats.MedianMs, 0.01)
	assert.InDelta(t, 111.80, stats.StdDevMs, 0.01)
}

func TestAggregateStatisticalOddMedian(t *testing.T) {
	store := NewMemoryStore()
	for i, d := range []time.Duration{300 * time.Millisecond, 100 * time.Millisecond, 200 * time.Millisecond} {
		storedExecution(t, store, string(rune('a'+i)), "etl", ExecutionStatusCompleted, d)
	}
	agg := NewAggregator(store)

	results, err := agg.Aggregate(context.Background(), []string{"a", "b", "c"}, AggregationModeStatistical)
	require.NoError(t, err)

	assert.InDelta(t, 200, results.Durations.MedianMs, 0.01)
}

func TestAggregateUnknownModeFallsBackToSummary(t *testing.T) {
	agg := NewAggregator(NewMemoryStore())

	results, err := agg.Aggregate(context.Background(), nil, AggregationMode("percentile"))
	require.NoError(t, err)
	assert.Equal(t, AggregationModeSummary, results.Mode)
}
