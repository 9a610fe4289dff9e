package workflow

import (
	"time"
)

// ExecutionStatus represents the current state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
	ExecutionStatusCancelled ExecutionStatus = "cancelled"
	ExecutionStatusPaused    ExecutionStatus = "paused"
)

// Terminal reports whether the status admits no further transitions.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed || s == ExecutionStatusCancelled
}

// StepStatus represents the current state of a single step execution.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
	StepStatusCancelled StepStatus = "cancelled"
)

// Terminal reports whether the step status admits no further transitions.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepStatusCompleted, StepStatusFailed, StepStatusSkipped, StepStatusCancelled:
		return true
	}
	return false
}

// Step is a single tool invocation inside a workflow definition.
type Step struct {
	ID              string                 `json:"id"`
	Name            string                 `json:"name"`
	ToolName        string                 `json:"tool_name"`
	Parameters      map[string]interface{} `json:"parameters,omitempty"`
	DependsOn       []string               `json:"depends_on,omitempty"`
	ContinueOnError bool                   `json:"continue_on_error,omitempty"`
	Timeout         string                 `json:"timeout,omitempty"` // Duration string, e.g. "30s"
}

// Definition is a named, versioned graph of steps. Definitions are immutable
// once saved; a new version gets a new id.
type Definition struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Version   string    `json:"version,omitempty"`
	Steps     []Step    `json:"steps"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// StepByID returns the step with the given id, or nil.
func (d *Definition) StepByID(id string) *Step {
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return &d.Steps[i]
		}
	}
	return nil
}

// StepExecution records the outcome of one step within an execution. The
// order of step executions matches the definition's step order.
type StepExecution struct {
	StepID      string      `json:"step_id"`
	Status      StepStatus  `json:"status"`
	StartedAt   *time.Time  `json:"started_at,omitempty"`
	CompletedAt *time.Time  `json:"completed_at,omitempty"`
	Result      interface{} `json:"result,omitempty"`
	Error       string      `json:"error,omitempty"`
}

// Duration returns the elapsed time of the step, or zero if it has not both
// started and completed.
func (se *StepExecution) Duration() time.Duration {
	if se.StartedAt == nil || se.CompletedAt == nil {
		return 0
	}
	return se.CompletedAt.Sub(*se.StartedAt)
}

// Progress holds derived step counts for an execution.
type Progress struct {
	TotalSteps             int     `json:"total_steps"`
	CompletedSteps         int     `json:"completed_steps"`
	FailedSteps            int     `json:"failed_steps"`
	SkippedSteps           int     `json:"skipped_steps"`
	CancelledSteps         int     `json:"cancelled_steps"`
	PendingSteps           int     `json:"pending_steps"`
	RunningSteps           int     `json:"running_steps"`
	PercentComplete        float64 `json:"percent_complete"`
	EstimatedTimeRemaining string  `json:"estimated_time_remaining,omitempty"`
}

// Execution is one run of a definition with concrete parameters. It is owned
// by the engine while running and handed to the store once terminal.
type Execution struct {
	ID             string                 `json:"id"`
	WorkflowID     string                 `json:"workflow_id"`
	WorkflowName   string                 `json:"workflow_name"`
	Status         ExecutionStatus        `json:"status"`
	StepExecutions []StepExecution        `json:"step_executions"`
	Parameters     map[string]interface{} `json:"parameters,omitempty"`
	Results        map[string]interface{} `json:"results,omitempty"`
	Progress       Progress               `json:"progress"`
	InitiatedBy    string                 `json:"initiated_by,omitempty"`
	Error          string                 `json:"error,omitempty"`
	CreatedAt      time.Time              `json:"created_at"`
	StartedAt      *time.Time             `json:"started_at,omitempty"`
	CompletedAt    *time.Time             `json:"completed_at,omitempty"`
}

// ControlFlags carry pause/cancel requests from the API to the engine. They
// are persisted separately from the execution record so the engine's own
// saves can never overwrite a request issued while a step was in flight.
type ControlFlags struct {
	PauseRequested  bool `json:"pause_requested"`
	CancelRequested bool `json:"cancel_requested"`
}

// StepExecutionByID returns the step execution for the given step id, or nil.
func (e *Execution) StepExecutionByID(stepID string) *StepExecution {
	for i := range e.StepExecutions {
		if e.StepExecutions[i].StepID == stepID {
			return &e.StepExecutions[i]
		}
	}
	return nil
}

// Duration returns the elapsed time of the execution, or zero if it has not
// both started and completed.
func (e *Execution) Duration() time.Duration {
	if e.StartedAt == nil || e.CompletedAt == nil {
		return 0
	}
	return e.CompletedAt.Sub(*e.StartedAt)
}

// RecomputeProgress refreshes the derived step counts from the current step
// statuses.
func (e *Execution) RecomputeProgress() {
	p := Progress{TotalSteps: len(e.StepExecutions)}
	for i := range e.StepExecutions {
		switch e.StepExecutions[i].Status {
		case StepStatusCompleted:
			p.CompletedSteps++
		case StepStatusFailed:
			p.FailedSteps++
		case StepStatusSkipped:
			p.SkippedSteps++
		case StepStatusCancelled:
			p.CancelledSteps++
		case StepStatusRunning:
			p.RunningSteps++
		default:
			p.PendingSteps++
		}
	}
	if p.TotalSteps > 0 {
		p.PercentComplete = float64(p.CompletedSteps) / float64(p.TotalSteps) * 100
	}
	e.Progress = p
}

// BatchConfig controls how a batch job partitions and dispatches its items.
type BatchConfig struct {
	BatchSize       int    `json:"batch_size"`
	MaxParallelism  int    `json:"max_parallelism"`
	RetryCount      int    `json:"retry_count"`
	RetryDelay      string `json:"retry_delay,omitempty"` // Duration string
	ContinueOnError bool   `json:"continue_on_error"`
}

// Normalize clamps the config to its documented minimums.
func (c *BatchConfig) Normalize() {
	if c.BatchSize < 1 {
		c.BatchSize = 1
	}
	if c.MaxParallelism < 1 {
		c.MaxParallelism = 1
	}
	if c.RetryCount < 0 {
		c.RetryCount = 0
	}
}

// RetryDelayDuration parses RetryDelay, returning zero on empty or invalid
// input.
func (c *BatchConfig) RetryDelayDuration() time.Duration {
	if c.RetryDelay == "" {
		return 0
	}
	d, err := time.ParseDuration(c.RetryDelay)
	if err != nil {
		return 0
	}
	return d
}

// BatchItemResult records the dispatch outcome for one batch item.
type BatchItemResult struct {
	Index       int    `json:"index"`
	ExecutionID string `json:"execution_id,omitempty"`
	Error       string `json:"error,omitempty"`
}

// BatchResult summarizes a batch job: which executions were started, and the
// per-item outcomes. It says nothing about execution completion.
type BatchResult struct {
	BatchID      string            `json:"batch_id"`
	WorkflowID   string            `json:"workflow_id"`
	ExecutionIDs []string          `json:"execution_ids"`
	Items        []BatchItemResult `json:"items"`
	Processed    int               `json:"processed"`
	Succeeded    int               `json:"succeeded"`
	Failed       int               `json:"failed"`
	Batches      int               `json:"batches"`
	Stopped      bool              `json:"stopped,omitempty"` // continue_on_error=false cut the run short
	CreatedAt    time.Time         `json:"created_at"`
}
