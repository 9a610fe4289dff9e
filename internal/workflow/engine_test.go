package workflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowforge/flowforge/internal/queue"
	"github.com/flowforge/flowforge/internal/tool"
)

// newFixture wires a store, registry and engine together and persists def.
func newFixture(t *testing.T, def *Definition, maxConcurrent int) (*Engine, *MemoryStore, *tool.Registry) {
	t.Helper()
	store := NewMemoryStore()
	registry := tool.NewRegistry()
	engine := NewEngine(store, registry, maxConcurrent)
	require.NoError(t, store.SaveDefinition(context.Background(), def))
	return engine, store, registry
}

func registerTool(t *testing.T, registry *tool.Registry, name string, fn func(ctx context.Context, params map[string]interface{}) (*tool.Result, error)) {
	t.Helper()
	require.NoError(t, registry.Register(tool.NewFunc(name, fn)))
}

func runToEnd(t *testing.T, engine *Engine, store *MemoryStore, def *Definition, params map[string]interface{}) *Execution {
	t.Helper()
	ctx := context.Background()

	exec, err := engine.CreateExecution(ctx, def, params, "test")
	require.NoError(t, err)
	require.NoError(t, engine.Run(ctx, exec.ID))

	final, err := store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	return final
}

func TestRunLinearWorkflow(t *testing.T) {
	def := &Definition{
		ID:   "wf-linear",
		Name: "linear",
		Steps: []Step{
			{ID: "first", ToolName: "record"},
			{ID: "second", ToolName: "record", DependsOn: []string{"first"}},
			{ID: "third", ToolName: "record", DependsOn: []string{"second"}},
		},
	}
	engine, store, registry := newFixture(t, def, 2)

	var mu sync.Mutex
	var order []string
	registerTool(t, registry, "record", func(ctx context.Context, params map[string]interface{}) (*tool.Result, error) {
		mu.Lock()
		order = append(order, params["step"].(string))
		mu.Unlock()
		return &tool.Result{Output: params["step"]}, nil
	})
	for i := range def.Steps {
		def.Steps[i].Parameters = map[string]interface{}{"step": def.Steps[i].ID}
	}
	require.NoError(t, store.SaveDefinition(context.Background(), def))

	final := runToEnd(t, engine, store, def, nil)

	assert.Equal(t, ExecutionStatusCompleted, final.Status)
	assert.Equal(t, []string{"first", "second", "third"}, order)
	assert.Equal(t, 3, final.Progress.CompletedSteps)
	assert.Equal(t, float64(100), final.Progress.PercentComplete)
	assert.Equal(t, "first", final.Results["first"])
	require.NotNil(t, final.StartedAt)
	require.NotNil(t, final.CompletedAt)

	for _, se := range final.StepExecutions {
		assert.Equal(t, StepStatusCompleted, se.Status)
		assert.NotNil(t, se.StartedAt)
		assert.NotNil(t, se.CompletedAt)
	}
}

func TestRunFailureCancelsDownstream(t *testing.T) {
	def := &Definition{
		ID:   "wf-failfast",
		Name: "failfast",
		Steps: []Step{
			{ID: "a", ToolName: "boom"},
			{ID: "b", ToolName: "ok", DependsOn: []string{"a"}},
			{ID: "c", ToolName: "ok", DependsOn: []string{"b"}},
		},
	}
	engine, store, registry := newFixture(t, def, 2)

	registerTool(t, registry, "boom", func(ctx context.Context, params map[string]interface{}) (*tool.Result, error) {
		return nil, errors.New("disk full")
	})
	registerTool(t, registry, "ok", func(ctx context.Context, params map[string]interface{}) (*tool.Result, error) {
		return &tool.Result{Output: "ok"}, nil
	})

	final := runToEnd(t, engine, store, def, nil)

	assert.Equal(t, ExecutionStatusFailed, final.Status)
	assert.Contains(t, final.Error, "step a failed")
	assert.Equal(t, StepStatusFailed, final.StepExecutionByID("a").Status)
	assert.Contains(t, final.StepExecutionByID("a").Error, "disk full")
	assert.Equal(t, StepStatusCancelled, final.StepExecutionByID("b").Status)
	assert.Equal(t, StepStatusCancelled, final.StepExecutionByID("c").Status)
	assert.Equal(t, 1, final.Progress.FailedSteps)
	assert.Equal(t, 2, final.Progress.CancelledSteps)
}

func TestRunContinueOnErrorSkipsDependents(t *testing.T) {
	def := &Definition{
		ID:   "wf-continue",
		Name: "continue",
		Steps: []Step{
			{ID: "a", ToolName: "boom", ContinueOnError: true},
			{ID: "b", ToolName: "ok", DependsOn: []string{"a"}},
			{ID: "c", ToolName: "ok", DependsOn: []string{"b"}},
			{ID: "d", ToolName: "ok"},
		},
	}
	engine, store, registry := newFixture(t, def, 2)

	registerTool(t, registry, "boom", func(ctx context.Context, params map[string]interface{}) (*tool.Result, error) {
		return nil, errors.New("flaky upstream")
	})
	registerTool(t, registry, "ok", func(ctx context.Context, params map[string]interface{}) (*tool.Result, error) {
		return &tool.Result{Output: "ok"}, nil
	})

	final := runToEnd(t, engine, store, def, nil)

	assert.Equal(t, ExecutionStatusCompleted, final.Status)
	assert.Empty(t, final.Error)
	assert.Equal(t, StepStatusFailed, final.StepExecutionByID("a").Status)
	assert.Equal(t, StepStatusSkipped, final.StepExecutionByID("b").Status)
	assert.Equal(t, StepStatusSkipped, final.StepExecutionByID("c").Status)
	assert.Equal(t, StepStatusCompleted, final.StepExecutionByID("d").Status)

	p := final.Progress
	assert.Equal(t, 1, p.FailedSteps)
	assert.Equal(t, 2, p.SkippedSteps)
	assert.Equal(t, 1, p.CompletedSteps)
	assert.Equal(t, p.TotalSteps,
		p.CompletedSteps+p.FailedSteps+p.SkippedSteps+p.CancelledSteps+p.PendingSteps+p.RunningSteps)
}

func TestRunBoundsConcurrency(t *testing.T) {
	def := &Definition{
		ID:   "wf-concurrent",
		Name: "concurrent",
		Steps: []Step{
			{ID: "s1", ToolName: "slow"},
			{ID: "s2", ToolName: "slow"},
			{ID: "s3", ToolName: "slow"},
			{ID: "s4", ToolName: "slow"},
		},
	}
	engine, store, registry := newFixture(t, def, 2)

	var inFlight, maxInFlight int64
	registerTool(t, registry, "slow", func(ctx context.Context, params map[string]interface{}) (*tool.Result, error) {
		current := atomic.AddInt64(&inFlight, 1)
		for {
			observed := atomic.LoadInt64(&maxInFlight)
			if current <= observed || atomic.CompareAndSwapInt64(&maxInFlight, observed, current) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		atomic.AddInt64(&inFlight, -1)
		return &tool.Result{Output: "done"}, nil
	})

	final := runToEnd(t, engine, store, def, nil)

	assert.Equal(t, ExecutionStatusCompleted, final.Status)
	assert.Equal(t, 4, final.Progress.CompletedSteps)
	assert.LessOrEqual(t, atomic.LoadInt64(&maxInFlight), int64(2))
}

func TestRunStepTimeout(t *testing.T) {
	def := &Definition{
		ID:   "wf-timeout",
		Name: "timeout",
		Steps: []Step{
			{ID: "stall", ToolName: "stall", Timeout: "50ms"},
		},
	}
	engine, store, registry := newFixture(t, def, 1)

	registerTool(t, registry, "stall", func(ctx context.Context, params map[string]interface{}) (*tool.Result, error) {
		select {
		case <-time.After(2 * time.Second):
			return &tool.Result{Output: "too late"}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})

	final := runToEnd(t, engine, store, def, nil)

	assert.Equal(t, ExecutionStatusFailed, final.Status)
	se := final.StepExecutionByID("stall")
	assert.Equal(t, StepStatusFailed, se.Status)
	assert.Contains(t, se.Error, "timed out")
}

func TestRunMergesExecutionParameters(t *testing.T) {
	def := &Definition{
		ID:   "wf-params",
		Name: "params",
		Steps: []Step{
			{ID: "echo", ToolName: "echo", Parameters: map[string]interface{}{
				"region": "default",
				"mode":   "fast",
			}},
		},
	}
	engine, store, registry := newFixture(t, def, 1)

	var got map[string]interface{}
	registerTool(t, registry, "echo", func(ctx context.Context, params map[string]interface{}) (*tool.Result, error) {
		got = params
		return &tool.Result{Output: params}, nil
	})

	final := runToEnd(t, engine, store, def, map[string]interface{}{"region": "eu-west-1"})

	assert.Equal(t, ExecutionStatusCompleted, final.Status)
	assert.Equal(t, "eu-west-1", got["region"], "execution parameters override step parameters")
	assert.Equal(t, "fast", got["mode"])
}

func TestRunRejectsNonPendingExecution(t *testing.T) {
	def := &Definition{
		ID:    "wf-once",
		Name:  "once",
		Steps: []Step{{ID: "a", ToolName: "ok"}},
	}
	engine, _, registry := newFixture(t, def, 1)

	registerTool(t, registry, "ok", func(ctx context.Context, params map[string]interface{}) (*tool.Result, error) {
		return &tool.Result{Output: "ok"}, nil
	})

	ctx := context.Background()
	exec, err := engine.CreateExecution(ctx, def, nil, "test")
	require.NoError(t, err)
	require.NoError(t, engine.Run(ctx, exec.ID))

	err = engine.Run(ctx, exec.ID)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not pending")
}

func TestCancelPendingExecution(t *testing.T) {
	def := &Definition{
		ID:    "wf-cancel",
		Name:  "cancel",
		Steps: []Step{{ID: "a", ToolName: "ok"}, {ID: "b", ToolName: "ok", DependsOn: []string{"a"}}},
	}
	engine, store, _ := newFixture(t, def, 1)

	ctx := context.Background()
	exec, err := engine.CreateExecution(ctx, def, nil, "test")
	require.NoError(t, err)

	require.NoError(t, engine.Cancel(ctx, exec.ID))

	final, err := store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, ExecutionStatusCancelled, final.Status)
	assert.Equal(t, StepStatusCancelled, final.StepExecutionByID("a").Status)
	assert.Equal(t, StepStatusCancelled, final.StepExecutionByID("b").Status)
	require.NotNil(t, final.CompletedAt)
}

func waitForStatus(t *testing.T, store *MemoryStore, executionID string, status ExecutionStatus) *Execution {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		exec, err := store.GetExecution(context.Background(), executionID)
		require.NoError(t, err)
		if exec.Status == status {
			return exec
		}
		select {
		case <-deadline:
			t.Fatalf("execution %s did not reach %s, last status %s", executionID, status, exec.Status)
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestCancelWhileStepInFlight(t *testing.T) {
	def := &Definition{
		ID:   "wf-cancel-running",
		Name: "cancel-running",
		Steps: []Step{
			{ID: "a", ToolName: "hold"},
			{ID: "b", ToolName: "count", DependsOn: []string{"a"}},
		},
	}
	engine, store, registry := newFixture(t, def, 2)

	started := make(chan struct{})
	release := make(chan struct{})
	registerTool(t, registry, "hold", func(ctx context.Context, params map[string]interface{}) (*tool.Result, error) {
		close(started)
		<-release
		return &tool.Result{Output: "held"}, nil
	})
	var downstream int64
	registerTool(t, registry, "count", func(ctx context.Context, params map[string]interface{}) (*tool.Result, error) {
		atomic.AddInt64(&downstream, 1)
		return &tool.Result{Output: "ran"}, nil
	})

	ctx := context.Background()
	exec, err := engine.CreateExecution(ctx, def, nil, "test")
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- engine.Run(ctx, exec.ID) }()

	// Cancel lands while step a is in flight; the engine's save of a's
	// completion must not erase the request.
	<-started
	require.NoError(t, engine.Cancel(ctx, exec.ID))
	close(release)
	require.NoError(t, <-done)

	final, err := store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, ExecutionStatusCancelled, final.Status)
	assert.Equal(t, StepStatusCompleted, final.StepExecutionByID("a").Status)
	assert.Equal(t, StepStatusCancelled, final.StepExecutionByID("b").Status)
	assert.EqualValues(t, 0, atomic.LoadInt64(&downstream), "downstream step must never run after cancel")
}

func TestRunInterruptedMidWaveNeverCompletes(t *testing.T) {
	def := &Definition{
		ID:   "wf-interrupt",
		Name: "interrupt",
		Steps: []Step{
			{ID: "a", ToolName: "stall", ContinueOnError: true},
			{ID: "b", ToolName: "count"},
		},
	}
	engine, store, registry := newFixture(t, def, 1)

	started := make(chan struct{})
	registerTool(t, registry, "stall", func(ctx context.Context, params map[string]interface{}) (*tool.Result, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	var ran int64
	registerTool(t, registry, "count", func(ctx context.Context, params map[string]interface{}) (*tool.Result, error) {
		atomic.AddInt64(&ran, 1)
		return &tool.Result{Output: "ran"}, nil
	})

	exec, err := engine.CreateExecution(context.Background(), def, nil, "test")
	require.NoError(t, err)

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- engine.Run(runCtx, exec.ID) }()

	// With the cap at 1, the dispatch of b is waiting on the semaphore when
	// the run context dies.
	<-started
	cancel()
	require.Error(t, <-done)

	final, err := store.GetExecution(context.Background(), exec.ID)
	require.NoError(t, err)
	assert.Equal(t, ExecutionStatusCancelled, final.Status)
	assert.Equal(t, StepStatusFailed, final.StepExecutionByID("a").Status)
	assert.Equal(t, StepStatusCancelled, final.StepExecutionByID("b").Status)
	assert.Zero(t, final.Progress.PendingSteps, "no step may stay pending in a terminal execution")
	assert.EqualValues(t, 0, atomic.LoadInt64(&ran))
}

func TestPausedRunParksAndReturns(t *testing.T) {
	def := &Definition{
		ID:    "wf-park",
		Name:  "park",
		Steps: []Step{{ID: "a", ToolName: "ok"}},
	}
	engine, store, registry := newFixture(t, def, 1)

	var ran int64
	registerTool(t, registry, "ok", func(ctx context.Context, params map[string]interface{}) (*tool.Result, error) {
		atomic.AddInt64(&ran, 1)
		return &tool.Result{Output: "ok"}, nil
	})

	ctx := context.Background()
	exec, err := engine.CreateExecution(ctx, def, nil, "test")
	require.NoError(t, err)
	require.NoError(t, engine.Pause(ctx, exec.ID))

	// Run must return with the execution parked instead of blocking.
	require.NoError(t, engine.Run(ctx, exec.ID))

	parked, err := store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, ExecutionStatusPaused, parked.Status)
	assert.Equal(t, StepStatusPending, parked.StepExecutionByID("a").Status)
	assert.EqualValues(t, 0, atomic.LoadInt64(&ran))

	// A parked execution can be cancelled directly.
	require.NoError(t, engine.Cancel(ctx, exec.ID))
	final, err := store.GetExecution(ctx, exec.ID)
	require.NoError(t, err)
	assert.Equal(t, ExecutionStatusCancelled, final.Status)
	assert.Equal(t, StepStatusCancelled, final.StepExecutionByID("a").Status)
}

func TestPausedExecutionFreesQueueWorker(t *testing.T) {
	blockedDef := &Definition{
		ID:    "wf-paused",
		Name:  "paused",
		Steps: []Step{{ID: "a", ToolName: "paused-work"}},
	}
	otherDef := &Definition{
		ID:    "wf-other",
		Name:  "other",
		Steps: []Step{{ID: "a", ToolName: "other-work"}},
	}
	engine, store, registry := newFixture(t, blockedDef, 1)
	require.NoError(t, store.SaveDefinition(context.Background(), otherDef))

	var pausedRuns, otherRuns int64
	registerTool(t, registry, "paused-work", func(ctx context.Context, params map[string]interface{}) (*tool.Result, error) {
		atomic.AddInt64(&pausedRuns, 1)
		return &tool.Result{Output: "ok"}, nil
	})
	registerTool(t, registry, "other-work", func(ctx context.Context, params map[string]interface{}) (*tool.Result, error) {
		atomic.AddInt64(&otherRuns, 1)
		return &tool.Result{Output: "ok"}, nil
	})

	q := queue.New(10, false)
	workerCtx, stopWorker := context.WithCancel(context.Background())
	t.Cleanup(stopWorker)
	go q.Start(workerCtx)

	ctx := context.Background()
	enqueueRun := func(executionID string) {
		require.NoError(t, q.Enqueue(ctx, queue.Task{
			Name:        "workflow-execution",
			ExecutionID: executionID,
			Run: func(taskCtx context.Context) error {
				return engine.Run(taskCtx, executionID)
			},
		}))
	}

	parked, err := engine.CreateExecution(ctx, blockedDef, nil, "test")
	require.NoError(t, err)
	require.NoError(t, engine.Pause(ctx, parked.ID))

	other, err := engine.CreateExecution(ctx, otherDef, nil, "test")
	require.NoError(t, err)

	// The paused execution is first in line; it must not hold the worker.
	enqueueRun(parked.ID)
	enqueueRun(other.ID)

	waitForStatus(t, store, other.ID, ExecutionStatusCompleted)
	paused := waitForStatus(t, store, parked.ID, ExecutionStatusPaused)
	assert.Equal(t, StepStatusPending, paused.StepExecutionByID("a").Status)
	assert.EqualValues(t, 0, atomic.LoadInt64(&pausedRuns))
	assert.EqualValues(t, 1, atomic.LoadInt64(&otherRuns))

	require.NoError(t, engine.Resume(ctx, parked.ID))
	enqueueRun(parked.ID)

	resumed := waitForStatus(t, store, parked.ID, ExecutionStatusCompleted)
	assert.Equal(t, StepStatusCompleted, resumed.StepExecutionByID("a").Status)
	assert.EqualValues(t, 1, atomic.LoadInt64(&pausedRuns))
}

func TestControlRejectsTerminalExecution(t *testing.T) {
	def := &Definition{
		ID:    "wf-terminal",
		Name:  "terminal",
		Steps: []Step{{ID: "a", ToolName: "ok"}},
	}
	engine, _, registry := newFixture(t, def, 1)

	registerTool(t, registry, "ok", func(ctx context.Context, params map[string]interface{}) (*tool.Result, error) {
		return &tool.Result{Output: "ok"}, nil
	})

	ctx := context.Background()
	exec, err := engine.CreateExecution(ctx, def, nil, "test")
	require.NoError(t, err)
	require.NoError(t, engine.Run(ctx, exec.ID))

	for _, op := range []func(context.Context, string) error{engine.Pause, engine.Resume, engine.Cancel} {
		err := op(ctx, exec.ID)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already")
	}
}

func TestTopologicalOrderIsDeterministic(t *testing.T) {
	def := &Definition{
		ID:   "wf-topo",
		Name: "topo",
		Steps: []Step{
			{ID: "z"},
			{ID: "a"},
			{ID: "m", DependsOn: []string{"z", "a"}},
		},
	}

	first, err := topologicalOrder(def)
	require.NoError(t, err)
	assert.Equal(t, []string{"z", "a", "m"}, first)

	for i := 0; i < 10; i++ {
		again, err := topologicalOrder(def)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestTopologicalOrderRejectsCycle(t *testing.T) {
	def := &Definition{
		ID:   "wf-cycle",
		Name: "cycle",
		Steps: []Step{
			{ID: "a", DependsOn: []string{"b"}},
			{ID: "b", DependsOn: []string{"a"}},
		},
	}

	_, err := topologicalOrder(def)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dependency cycle")
}
