package workflow

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/flowforge/internal/queue"
	"github.com/flowforge/flowforge/internal/tool"
)

// flakyStore fails SaveExecution until failures is drained, then delegates.
type flakyStore struct {
	*MemoryStore
	failures int64
}

func (s *flakyStore) SaveExecution(ctx context.Context, exec *Execution) error {
	if atomic.AddInt64(&s.failures, -1) >= 0 {
		return errors.New("transient store error")
	}
	return s.MemoryStore.SaveExecution(ctx, exec)
}

func batchItems(n int) []map[string]interface{} {
	items := make([]map[string]interface{}, n)
	for i := range items {
		items[i] = map[string]interface{}{"index": fmt.Sprintf("%d", i)}
	}
	return items
}

func newBatchFixture(t *testing.T, store Store) (*BatchProcessor, *Definition) {
	t.Helper()
	def := &Definition{
		ID:    "wf-batch",
		Name:  "batch",
		Steps: []Step{{ID: "work", ToolName: "work"}},
	}
	require.NoError(t, store.SaveDefinition(context.Background(), def))

	registry := tool.NewRegistry()
	require.NoError(t, registry.Register(tool.NewFunc("work", func(ctx context.Context, params map[string]interface{}) (*tool.Result, error) {
		return &tool.Result{Output: "done"}, nil
	})))

	engine := NewEngine(store, registry, 2)
	return NewBatchProcessor(store, engine, queue.New(100, false)), def
}

func TestProcessPartitionsAndStartsEveryItem(t *testing.T) {
	store := NewMemoryStore()
	processor, def := newBatchFixture(t, store)

	result, err := processor.Process(context.Background(), def.ID, batchItems(10), BatchConfig{
		BatchSize:      3,
		MaxParallelism: 2,
	}, "test")
	require.NoError(t, err)

	assert.Equal(t, 4, result.Batches)
	assert.Equal(t, 10, result.Processed)
	assert.Equal(t, 10, result.Succeeded)
	assert.Equal(t, 0, result.Failed)
	assert.False(t, result.Stopped)
	assert.Len(t, result.ExecutionIDs, 10)

	// No item dropped or started twice.
	seen := make(map[string]bool)
	for _, id := range result.ExecutionIDs {
		assert.False(t, seen[id], "execution %s started twice", id)
		seen[id] = true
	}

	for i, item := range result.Items {
		assert.Equal(t, i, item.Index)
		assert.NotEmpty(t, item.ExecutionID)
		assert.Empty(t, item.Error)
	}

	// The record is queryable afterwards.
	saved, err := store.GetBatch(context.Background(), result.BatchID)
	require.NoError(t, err)
	assert.Equal(t, result.Succeeded, saved.Succeeded)
}

func TestProcessOversizedBatchStartsAllItems(t *testing.T) {
	store := NewMemoryStore()
	processor, def := newBatchFixture(t, store)

	// More items in one batch than the parallelism cap; every item still runs.
	result, err := processor.Process(context.Background(), def.ID, batchItems(7), BatchConfig{
		BatchSize:      7,
		MaxParallelism: 2,
	}, "test")
	require.NoError(t, err)

	assert.Equal(t, 1, result.Batches)
	assert.Equal(t, 7, result.Succeeded)
	assert.Len(t, result.ExecutionIDs, 7)
}

func TestProcessStopsAfterFailingBatch(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore(), failures: 1 << 30}
	processor, def := newBatchFixture(t, store)

	result, err := processor.Process(context.Background(), def.ID, batchItems(6), BatchConfig{
		BatchSize:      2,
		MaxParallelism: 1,
	}, "test")
	require.NoError(t, err)

	assert.True(t, result.Stopped)
	assert.Equal(t, 3, result.Batches)
	assert.Equal(t, 2, result.Processed, "only the first batch was attempted")
	assert.Equal(t, 2, result.Failed)
	assert.Equal(t, 0, result.Succeeded)
}

func TestProcessContinuesPastFailingBatch(t *testing.T) {
	// Exactly the first batch fails to start; later batches succeed.
	store := &flakyStore{MemoryStore: NewMemoryStore(), failures: 2}
	processor, def := newBatchFixture(t, store)

	result, err := processor.Process(context.Background(), def.ID, batchItems(6), BatchConfig{
		BatchSize:       2,
		MaxParallelism:  1,
		ContinueOnError: true,
	}, "test")
	require.NoError(t, err)

	assert.False(t, result.Stopped)
	assert.Equal(t, 6, result.Processed)
	assert.Equal(t, 2, result.Failed)
	assert.Equal(t, 4, result.Succeeded)
}

func TestProcessRetriesFailedStarts(t *testing.T) {
	// Two transient failures, then success; two retries cover them.
	store := &flakyStore{MemoryStore: NewMemoryStore(), failures: 2}
	processor, def := newBatchFixture(t, store)

	result, err := processor.Process(context.Background(), def.ID, batchItems(1), BatchConfig{
		BatchSize:      1,
		MaxParallelism: 1,
		RetryCount:     2,
	}, "test")
	require.NoError(t, err)

	assert.Equal(t, 1, result.Succeeded)
	assert.Equal(t, 0, result.Failed)
}

func TestProcessUnknownWorkflow(t *testing.T) {
	store := NewMemoryStore()
	processor, _ := newBatchFixture(t, store)

	_, err := processor.Process(context.Background(), "no-such-workflow", batchItems(1), BatchConfig{}, "test")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPartitionPreservesOrder(t *testing.T) {
	items := batchItems(10)

	batches := partition(items, 3)
	require.Len(t, batches, 4)
	assert.Len(t, batches[0], 3)
	assert.Len(t, batches[3], 1)

	flat := 0
	for _, batch := range batches {
		for _, item := range batch {
			assert.Equal(t, fmt.Sprintf("%d", flat), item["index"])
			flat++
		}
	}
	assert.Equal(t, len(items), flat)
}

func TestBatchConfigNormalize(t *testing.T) {
	cfg := BatchConfig{BatchSize: 0, MaxParallelism: -1, RetryCount: -2}
	cfg.Normalize()

	assert.Equal(t, 1, cfg.BatchSize)
	assert.Equal(t, 1, cfg.MaxParallelism)
	assert.Equal(t, 0, cfg.RetryCount)
	assert.Equal(t, int64(0), int64(cfg.RetryDelayDuration()))
}
