package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/flowforge/flowforge/internal/logging"
	"github.com/flowforge/flowforge/internal/tool"
)

const defaultMaxConcurrentSteps = 4

// Engine runs validated workflow definitions. Steps start only once every
// dependency is terminal; independent steps run concurrently, bounded by the
// engine-level cap (distinct from the batch-level cap in the processor).
type Engine struct {
	store              Store
	registry           *tool.Registry
	metrics            *MetricsCollector
	maxConcurrentSteps int64
}

// NewEngine creates an engine over the given store and tool registry.
func NewEngine(store Store, registry *tool.Registry, maxConcurrentSteps int) *Engine {
	if maxConcurrentSteps < 1 {
		maxConcurrentSteps = defaultMaxConcurrentSteps
	}
	return &Engine{
		store:              store,
		registry:           registry,
		maxConcurrentSteps: int64(maxConcurrentSteps),
	}
}

// SetMetrics attaches a metrics collector. A nil collector disables metrics.
func (e *Engine) SetMetrics(mc *MetricsCollector) {
	e.metrics = mc
}

// CreateExecution builds and persists a pending execution record for the
// definition. The caller decides when Run happens; callers that want
// start-and-return semantics enqueue Run on the task queue.
func (e *Engine) CreateExecution(ctx context.Context, def *Definition, params map[string]interface{}, initiatedBy string) (*Execution, error) {
	exec := &Execution{
		ID:           uuid.New().String(),
		WorkflowID:   def.ID,
		WorkflowName: def.Name,
		Status:       ExecutionStatusPending,
		Parameters:   params,
		Results:      make(map[string]interface{}),
		InitiatedBy:  initiatedBy,
		CreatedAt:    time.Now(),
	}

	exec.StepExecutions = make([]StepExecution, len(def.Steps))
	for i := range def.Steps {
		exec.StepExecutions[i] = StepExecution{
			StepID: def.Steps[i].ID,
			Status: StepStatusPending,
		}
	}
	exec.RecomputeProgress()

	if err := e.store.SaveExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("failed to save execution: %w", err)
	}
	return exec, nil
}

// Run executes a pending (or parked Paused) execution until it is terminal
// or paused again. It walks the definition in topological order, dispatching
// every ready step concurrently up to the engine cap, and writes the
// execution back to the store after every transition.
func (e *Engine) Run(ctx context.Context, executionID string) error {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return fmt.Errorf("failed to load execution: %w", err)
	}
	if exec.Status != ExecutionStatusPending && exec.Status != ExecutionStatusPaused {
		return fmt.Errorf("execution %s is %s, not pending or paused", executionID, exec.Status)
	}
	firstStart := exec.Status == ExecutionStatusPending

	def, err := e.store.GetDefinition(ctx, exec.WorkflowID)
	if err != nil {
		return fmt.Errorf("failed to load definition %s: %w", exec.WorkflowID, err)
	}

	order, err := topologicalOrder(def)
	if err != nil {
		return err
	}

	exec.Status = ExecutionStatusRunning
	if firstStart {
		now := time.Now()
		exec.StartedAt = &now
	}
	exec.RecomputeProgress()

	var mu sync.Mutex
	e.save(ctx, exec, &mu)

	if firstStart {
		if e.metrics != nil {
			e.metrics.RecordExecutionStart(exec.ID, exec.WorkflowName)
		}
		logging.Info("engine", "Execution started", map[string]interface{}{
			"execution_id": exec.ID,
			"workflow_id":  exec.WorkflowID,
			"steps":        len(def.Steps),
		})
	}

	sem := semaphore.NewWeighted(e.maxConcurrentSteps)
	failFast := false

	remaining := order
	for len(remaining) > 0 && !failFast {
		stop, err := e.honorControlFlags(ctx, exec, &mu)
		if err != nil {
			return err
		}
		if stop {
			return nil
		}

		mu.Lock()
		var ready []string
		var next []string
		for _, id := range remaining {
			se := exec.StepExecutionByID(id)
			if se.Status.Terminal() {
				continue
			}
			if dependenciesCompleted(def, exec, id) {
				ready = append(ready, id)
			} else {
				next = append(next, id)
			}
		}
		mu.Unlock()

		if len(ready) == 0 {
			// Remaining steps can never become ready; their dependencies
			// ended skipped or the graph was mutated underneath us.
			break
		}

		var wg sync.WaitGroup
		var dispatchErr error
		for _, id := range ready {
			if err := sem.Acquire(ctx, 1); err != nil {
				dispatchErr = err
				break
			}
			wg.Add(1)
			go func(stepID string) {
				defer wg.Done()
				defer sem.Release(1)
				e.runStep(ctx, def, exec, stepID, &mu, &failFast)
			}(id)
		}
		wg.Wait()

		if dispatchErr != nil {
			// The run context died mid-wave and the undispatched steps never
			// ran; the execution must not end Completed. ctx is unusable for
			// the final save.
			mu.Lock()
			e.cancelPendingLocked(exec)
			e.finishLocked(context.Background(), exec, ExecutionStatusCancelled)
			mu.Unlock()
			return fmt.Errorf("execution %s interrupted: %w", exec.ID, dispatchErr)
		}

		remaining = next
	}

	mu.Lock()
	defer mu.Unlock()

	if failFast {
		e.cancelPendingLocked(exec)
		e.finishLocked(ctx, exec, ExecutionStatusFailed)
		return nil
	}

	e.finishLocked(ctx, exec, ExecutionStatusCompleted)
	return nil
}

// runStep drives one step through its state machine: Running, then Completed
// or Failed, with result/error and timestamps recorded and progress refreshed
// on each transition.
func (e *Engine) runStep(ctx context.Context, def *Definition, exec *Execution, stepID string, mu *sync.Mutex, failFast *bool) {
	step := def.StepByID(stepID)

	mu.Lock()
	se := exec.StepExecutionByID(stepID)
	if se == nil || se.Status != StepStatusPending {
		mu.Unlock()
		return
	}
	started := time.Now()
	se.Status = StepStatusRunning
	se.StartedAt = &started
	exec.RecomputeProgress()
	e.saveLocked(ctx, exec)
	mu.Unlock()

	if e.metrics != nil {
		e.metrics.RecordStepStart(exec.ID, step.ID, step.Name)
	}

	result, err := e.invokeTool(ctx, step, exec.Parameters)

	mu.Lock()
	defer mu.Unlock()

	completed := time.Now()
	se.CompletedAt = &completed

	if err != nil {
		se.Status = StepStatusFailed
		se.Error = err.Error()
		logging.Error("engine", "Step failed", map[string]interface{}{
			"execution_id": exec.ID,
			"step_id":      step.ID,
			"error":        err.Error(),
		})
		if step.ContinueOnError {
			e.skipDependentsLocked(def, exec, step.ID, completed)
		} else {
			*failFast = true
			exec.Error = fmt.Sprintf("step %s failed: %v", step.ID, err)
		}
	} else {
		se.Status = StepStatusCompleted
		se.Result = result.Output
		if exec.Results == nil {
			exec.Results = make(map[string]interface{})
		}
		exec.Results[step.ID] = result.Output
	}

	exec.RecomputeProgress()
	e.saveLocked(ctx, exec)

	if e.metrics != nil {
		e.metrics.RecordStepComplete(exec.ID, step.ID, se.Status, se.Duration())
	}
}

// invokeTool calls the registered tool with the step's parameters merged with
// the caller-supplied execution parameters, awaiting the result or the step's
// timeout, whichever comes first.
func (e *Engine) invokeTool(ctx context.Context, step *Step, execParams map[string]interface{}) (*tool.Result, error) {
	t, err := e.registry.Get(step.ToolName)
	if err != nil {
		return nil, err
	}

	params := mergeParameters(step.Parameters, execParams)

	stepCtx := ctx
	var cancel context.CancelFunc
	timeout := time.Duration(0)
	if step.Timeout != "" {
		timeout, _ = parseDuration(step.Timeout)
	}
	if timeout > 0 {
		stepCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type outcome struct {
		result *tool.Result
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := t.Execute(stepCtx, params)
		done <- outcome{result: r, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return nil, out.err
		}
		if out.result == nil {
			return &tool.Result{}, nil
		}
		return out.result, nil
	case <-stepCtx.Done():
		if stepCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("step %s timed out after %s", step.ID, timeout)
		}
		return nil, stepCtx.Err()
	}
}

// honorControlFlags handles pause and cancel requests between dispatches.
// The flags live under their own store key, so they survive the engine's own
// execution saves. It returns stop=true when the run must not continue:
// either the execution was cancelled, or it was parked Paused and its worker
// is released (Resume re-enqueues Run).
func (e *Engine) honorControlFlags(ctx context.Context, exec *Execution, mu *sync.Mutex) (bool, error) {
	flags, err := e.store.GetControlFlags(ctx, exec.ID)
	if err != nil {
		// Transient read failure; keep running and retry next dispatch.
		return false, nil
	}

	if flags.CancelRequested {
		mu.Lock()
		e.cancelPendingLocked(exec)
		e.finishLocked(ctx, exec, ExecutionStatusCancelled)
		mu.Unlock()
		return true, nil
	}

	if !flags.PauseRequested {
		return false, nil
	}

	mu.Lock()
	exec.Status = ExecutionStatusPaused
	e.saveLocked(ctx, exec)
	mu.Unlock()

	// A resume issued between the flag read and the save above found nothing
	// parked to re-enqueue; re-check once and keep the run if the pause was
	// already withdrawn.
	if flags, err := e.store.GetControlFlags(ctx, exec.ID); err == nil && !flags.PauseRequested {
		mu.Lock()
		exec.Status = ExecutionStatusRunning
		e.saveLocked(ctx, exec)
		mu.Unlock()
		return false, nil
	}

	logging.Info("engine", "Execution paused", map[string]interface{}{
		"execution_id": exec.ID,
	})
	return true, nil
}

// skipDependentsLocked marks every direct and transitive dependent of stepID
// that is still pending as skipped. Caller holds the execution lock.
func (e *Engine) skipDependentsLocked(def *Definition, exec *Execution, stepID string, at time.Time) {
	dependents := dependentsOf(def)

	queue := []string{stepID}
	seen := map[string]bool{stepID: true}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, dep := range dependents[current] {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			if se := exec.StepExecutionByID(dep); se != nil && se.Status == StepStatusPending {
				se.Status = StepStatusSkipped
				completedAt := at
				se.CompletedAt = &completedAt
			}
			queue = append(queue, dep)
		}
	}
}

// cancelPendingLocked marks every step still pending as cancelled.
func (e *Engine) cancelPendingLocked(exec *Execution) {
	now := time.Now()
	for i := range exec.StepExecutions {
		if exec.StepExecutions[i].Status == StepStatusPending {
			exec.StepExecutions[i].Status = StepStatusCancelled
			completedAt := now
			exec.StepExecutions[i].CompletedAt = &completedAt
		}
	}
}

// finishLocked moves the execution into a terminal status and persists it.
func (e *Engine) finishLocked(ctx context.Context, exec *Execution, status ExecutionStatus) {
	now := time.Now()
	exec.Status = status
	exec.CompletedAt = &now
	exec.RecomputeProgress()
	e.saveLocked(ctx, exec)

	if e.metrics != nil {
		e.metrics.RecordExecutionComplete(exec.ID, status, exec.Duration())
	}
	logging.Info("engine", "Execution finished", map[string]interface{}{
		"execution_id": exec.ID,
		"status":       string(status),
		"completed":    exec.Progress.CompletedSteps,
		"failed":       exec.Progress.FailedSteps,
		"skipped":      exec.Progress.SkippedSteps,
	})
}

func (e *Engine) save(ctx context.Context, exec *Execution, mu *sync.Mutex) {
	mu.Lock()
	defer mu.Unlock()
	e.saveLocked(ctx, exec)
}

func (e *Engine) saveLocked(ctx context.Context, exec *Execution) {
	if err := e.store.SaveExecution(ctx, exec); err != nil {
		logging.Warn("engine", "Failed to save execution", map[string]interface{}{
			"execution_id": exec.ID,
			"error":        err.Error(),
		})
	}
}

// dependenciesCompleted reports whether every dependency of stepID ended
// Completed. Failed and skipped dependencies propagate through skip/cancel
// marking before readiness is evaluated, so only completed counts.
func dependenciesCompleted(def *Definition, exec *Execution, stepID string) bool {
	step := def.StepByID(stepID)
	if step == nil {
		return false
	}
	for _, dep := range step.DependsOn {
		se := exec.StepExecutionByID(dep)
		if se == nil || se.Status != StepStatusCompleted {
			return false
		}
	}
	return true
}

// topologicalOrder produces a deterministic execution order via Kahn's
// algorithm, breaking ties by definition order.
func topologicalOrder(def *Definition) ([]string, error) {
	indegree := make(map[string]int, len(def.Steps))
	for i := range def.Steps {
		indegree[def.Steps[i].ID] = len(def.Steps[i].DependsOn)
	}

	dependents := dependentsOf(def)
	placed := make(map[string]bool, len(def.Steps))
	order := make([]string, 0, len(def.Steps))

	for len(order) < len(def.Steps) {
		progressed := false
		for i := range def.Steps {
			id := def.Steps[i].ID
			if placed[id] || indegree[id] != 0 {
				continue
			}
			placed[id] = true
			order = append(order, id)
			for _, dep := range dependents[id] {
				indegree[dep]--
			}
			progressed = true
		}
		if !progressed {
			return nil, fmt.Errorf("workflow %s has a dependency cycle", def.ID)
		}
	}

	return order, nil
}

// dependentsOf builds the reverse adjacency of the dependsOn edges.
func dependentsOf(def *Definition) map[string][]string {
	dependents := make(map[string][]string, len(def.Steps))
	for i := range def.Steps {
		for _, dep := range def.Steps[i].DependsOn {
			dependents[dep] = append(dependents[dep], def.Steps[i].ID)
		}
	}
	return dependents
}

// mergeParameters overlays caller-supplied execution parameters on top of the
// step's own parameter mapping.
func mergeParameters(base, override map[string]interface{}) map[string]interface{} {
	merged := make(map[string]interface{}, len(base)+len(override))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range override {
		merged[k] = v
	}
	return merged
}

func parseDuration(s string) (time.Duration, error) {
	return time.ParseDuration(s)
}
