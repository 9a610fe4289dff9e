package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/flowforge/flowforge/internal/logging"
	"github.com/flowforge/flowforge/internal/queue"
)

// BatchProcessor fans a list of per-item parameter sets out over one
// workflow. Items are partitioned into contiguous batches; every item in a
// batch is started, at most maxParallelism at a time. The processor returns
// once all executions are dispatched; it never waits for them to complete.
type BatchProcessor struct {
	store  Store
	engine *Engine
	queue  *queue.Queue
}

// NewBatchProcessor creates a batch processor.
func NewBatchProcessor(store Store, engine *Engine, q *queue.Queue) *BatchProcessor {
	return &BatchProcessor{
		store:  store,
		engine: engine,
		queue:  q,
	}
}

// Process starts one execution per item. A failed start is retried up to
// cfg.RetryCount times with cfg.RetryDelay between attempts; the same delay
// spaces consecutive batches. With ContinueOnError false, a batch containing
// a start failure stops the run before the next batch.
func (p *BatchProcessor) Process(ctx context.Context, workflowID string, items []map[string]interface{}, cfg BatchConfig, initiatedBy string) (*BatchResult, error) {
	def, err := p.store.GetDefinition(ctx, workflowID)
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow %s: %w", workflowID, err)
	}

	cfg.Normalize()
	batches := partition(items, cfg.BatchSize)
	retryDelay := cfg.RetryDelayDuration()

	result := &BatchResult{
		BatchID:    uuid.New().String(),
		WorkflowID: workflowID,
		Items:      make([]BatchItemResult, len(items)),
		Batches:    len(batches),
		CreatedAt:  time.Now(),
	}

	logging.Info("batch", "Batch job started", map[string]interface{}{
		"batch_id":        result.BatchID,
		"workflow_id":     workflowID,
		"items":           len(items),
		"batches":         len(batches),
		"batch_size":      cfg.BatchSize,
		"max_parallelism": cfg.MaxParallelism,
	})

	offset := 0
	for batchIndex, batch := range batches {
		if batchIndex > 0 && retryDelay > 0 {
			select {
			case <-time.After(retryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		batchFailed := p.dispatchBatch(ctx, def, batch, offset, cfg, initiatedBy, result)
		offset += len(batch)

		if batchFailed && !cfg.ContinueOnError {
			result.Stopped = true
			logging.Warn("batch", "Batch job stopped on failure", map[string]interface{}{
				"batch_id":    result.BatchID,
				"batch_index": batchIndex,
			})
			break
		}
	}

	for i := range result.Items {
		if result.Items[i].ExecutionID != "" || result.Items[i].Error != "" {
			result.Processed++
		}
		if result.Items[i].ExecutionID != "" {
			result.Succeeded++
			result.ExecutionIDs = append(result.ExecutionIDs, result.Items[i].ExecutionID)
		} else if result.Items[i].Error != "" {
			result.Failed++
		}
	}

	if err := p.store.SaveBatch(ctx, result); err != nil {
		logging.Warn("batch", "Failed to save batch record", map[string]interface{}{
			"batch_id": result.BatchID,
			"error":    err.Error(),
		})
	}

	return result, nil
}

// dispatchBatch starts every item in the batch, bounded by MaxParallelism.
// It reports whether any item failed to start.
func (p *BatchProcessor) dispatchBatch(ctx context.Context, def *Definition, batch []map[string]interface{}, offset int, cfg BatchConfig, initiatedBy string, result *BatchResult) bool {
	var mu sync.Mutex
	failed := false

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(cfg.MaxParallelism)

	for i, params := range batch {
		index := offset + i
		itemParams := params
		g.Go(func() error {
			executionID, err := p.startItem(gctx, def, itemParams, cfg, initiatedBy)

			mu.Lock()
			defer mu.Unlock()
			result.Items[index].Index = index
			if err != nil {
				result.Items[index].Error = err.Error()
				failed = true
			} else {
				result.Items[index].ExecutionID = executionID
			}
			return nil
		})
	}
	g.Wait()

	return failed
}

// startItem creates and enqueues one execution, retrying failed starts per
// the batch config.
func (p *BatchProcessor) startItem(ctx context.Context, def *Definition, params map[string]interface{}, cfg BatchConfig, initiatedBy string) (string, error) {
	retryDelay := cfg.RetryDelayDuration()

	var lastErr error
	for attempt := 0; attempt <= cfg.RetryCount; attempt++ {
		if attempt > 0 && retryDelay > 0 {
			select {
			case <-time.After(retryDelay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		exec, err := p.engine.CreateExecution(ctx, def, params, initiatedBy)
		if err != nil {
			lastErr = err
			continue
		}

		err = p.queue.Enqueue(ctx, queue.Task{
			Name:        "workflow-execution",
			ExecutionID: exec.ID,
			Run: func(taskCtx context.Context) error {
				return p.engine.Run(taskCtx, exec.ID)
			},
		})
		if err != nil {
			lastErr = fmt.Errorf("failed to enqueue execution: %w", err)
			continue
		}

		return exec.ID, nil
	}

	return "", lastErr
}

// partition splits items into contiguous batches of at most size each,
// preserving input order.
func partition(items []map[string]interface{}, size int) [][]map[string]interface{} {
	if len(items) == 0 {
		return nil
	}

	batches := make([][]map[string]interface{}, 0, (len(items)+size-1)/size)
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		batches = append(batches, items[start:end])
	}
	return batches
}
