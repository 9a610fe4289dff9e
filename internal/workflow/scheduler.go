package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/flowforge/flowforge/internal/logging"
	"github.com/flowforge/flowforge/internal/queue"
)

// TriggerType defines how a trigger fires.
type TriggerType string

const (
	TriggerTypeSchedule TriggerType = "schedule"
	TriggerTypeManual   TriggerType = "manual"
)

// TriggerConfig holds trigger-specific settings.
type TriggerConfig struct {
	CronExpression string                 `json:"cron_expression,omitempty"`
	Parameters     map[string]interface{} `json:"parameters,omitempty"`
	SkipIfRunning  bool                   `json:"skip_if_running,omitempty"`
}

// Trigger starts executions of a workflow on a schedule or on demand.
type Trigger struct {
	ID         string        `json:"id"`
	WorkflowID string        `json:"workflow_id"`
	Type       TriggerType   `json:"type"`
	Config     TriggerConfig `json:"config"`
	Enabled    bool          `json:"enabled"`
	LastRun    *time.Time    `json:"last_run,omitempty"`
	RunCount   int           `json:"run_count"`
	CreatedAt  time.Time     `json:"created_at"`
	UpdatedAt  time.Time     `json:"updated_at"`
}

// cronParser accepts standard five-field expressions with an optional leading
// seconds field, plus descriptors like @hourly.
var cronParser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// Scheduler fires triggers. Scheduled triggers run on cron; every firing
// creates an execution and hands it to the task queue like any other start.
type Scheduler struct {
	store   Store
	engine  *Engine
	queue   *queue.Queue
	cron    *cron.Cron
	entries map[string]cron.EntryID
	mu      sync.Mutex
}

// NewScheduler creates a scheduler over the given store, engine and queue.
func NewScheduler(store Store, engine *Engine, q *queue.Queue) *Scheduler {
	return &Scheduler{
		store:   store,
		engine:  engine,
		queue:   q,
		cron:    cron.New(cron.WithParser(cronParser)),
		entries: make(map[string]cron.EntryID),
	}
}

// Start loads persisted triggers and begins the cron loop.
func (s *Scheduler) Start(ctx context.Context) error {
	triggers, err := s.store.ListTriggers(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to load triggers: %w", err)
	}

	for i := range triggers {
		trigger := triggers[i]
		if trigger.Enabled && trigger.Type == TriggerTypeSchedule {
			if err := s.scheduleCron(&trigger); err != nil {
				logging.Warn("scheduler", "Failed to schedule trigger", map[string]interface{}{
					"trigger_id": trigger.ID,
					"error":      err.Error(),
				})
			}
		}
	}

	s.cron.Start()
	logging.Info("scheduler", "Scheduler started", map[string]interface{}{
		"triggers": len(triggers),
	})
	return nil
}

// Stop halts the cron loop, waiting for in-flight jobs.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// CreateTrigger validates and persists a trigger, scheduling it immediately
// when enabled.
func (s *Scheduler) CreateTrigger(ctx context.Context, workflowID string, triggerType TriggerType, config TriggerConfig) (*Trigger, error) {
	if _, err := s.store.GetDefinition(ctx, workflowID); err != nil {
		return nil, fmt.Errorf("workflow not found: %w", err)
	}

	if triggerType == TriggerTypeSchedule {
		if config.CronExpression == "" {
			return nil, fmt.Errorf("schedule trigger requires a cron expression")
		}
		if _, err := cronParser.Parse(config.CronExpression); err != nil {
			return nil, fmt.Errorf("invalid cron expression: %w", err)
		}
	}

	now := time.Now()
	trigger := &Trigger{
		ID:         uuid.New().String(),
		WorkflowID: workflowID,
		Type:       triggerType,
		Config:     config,
		Enabled:    true,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := s.store.SaveTrigger(ctx, trigger); err != nil {
		return nil, fmt.Errorf("failed to save trigger: %w", err)
	}

	if trigger.Type == TriggerTypeSchedule {
		if err := s.scheduleCron(trigger); err != nil {
			return nil, err
		}
	}

	return trigger, nil
}

// Fire runs a trigger now, regardless of its schedule.
func (s *Scheduler) Fire(ctx context.Context, triggerID string) (string, error) {
	trigger, err := s.store.GetTrigger(ctx, triggerID)
	if err != nil {
		return "", err
	}
	return s.execute(ctx, trigger)
}

// EnableTrigger re-arms a disabled trigger.
func (s *Scheduler) EnableTrigger(ctx context.Context, triggerID string) error {
	trigger, err := s.store.GetTrigger(ctx, triggerID)
	if err != nil {
		return err
	}
	if trigger.Enabled {
		return nil
	}

	trigger.Enabled = true
	trigger.UpdatedAt = time.Now()
	if err := s.store.SaveTrigger(ctx, trigger); err != nil {
		return err
	}

	if trigger.Type == TriggerTypeSchedule {
		return s.scheduleCron(trigger)
	}
	return nil
}

// DisableTrigger stops future firings without deleting the trigger.
func (s *Scheduler) DisableTrigger(ctx context.Context, triggerID string) error {
	trigger, err := s.store.GetTrigger(ctx, triggerID)
	if err != nil {
		return err
	}

	trigger.Enabled = false
	trigger.UpdatedAt = time.Now()
	if err := s.store.SaveTrigger(ctx, trigger); err != nil {
		return err
	}

	s.mu.Lock()
	if entryID, ok := s.entries[triggerID]; ok {
		s.cron.Remove(entryID)
		delete(s.entries, triggerID)
	}
	s.mu.Unlock()
	return nil
}

// ListTriggers returns triggers, optionally filtered by workflow.
func (s *Scheduler) ListTriggers(ctx context.Context, workflowID string) ([]Trigger, error) {
	return s.store.ListTriggers(ctx, workflowID)
}

func (s *Scheduler) scheduleCron(trigger *Trigger) error {
	triggerID := trigger.ID
	entryID, err := s.cron.AddFunc(trigger.Config.CronExpression, func() {
		ctx := context.Background()
		current, err := s.store.GetTrigger(ctx, triggerID)
		if err != nil || !current.Enabled {
			return
		}
		if _, err := s.execute(ctx, current); err != nil {
			logging.Error("scheduler", "Scheduled execution failed to start", map[string]interface{}{
				"trigger_id": triggerID,
				"error":      err.Error(),
			})
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule cron trigger: %w", err)
	}

	s.mu.Lock()
	s.entries[trigger.ID] = entryID
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) execute(ctx context.Context, trigger *Trigger) (string, error) {
	if trigger.Config.SkipIfRunning {
		running, err := s.hasRunningExecution(ctx, trigger.WorkflowID)
		if err == nil && running {
			logging.Info("scheduler", "Skipping trigger, execution already running", map[string]interface{}{
				"trigger_id":  trigger.ID,
				"workflow_id": trigger.WorkflowID,
			})
			return "", nil
		}
	}

	def, err := s.store.GetDefinition(ctx, trigger.WorkflowID)
	if err != nil {
		return "", fmt.Errorf("failed to load workflow: %w", err)
	}

	exec, err := s.engine.CreateExecution(ctx, def, trigger.Config.Parameters, fmt.Sprintf("trigger:%s", trigger.ID))
	if err != nil {
		return "", err
	}

	err = s.queue.Enqueue(ctx, queue.Task{
		Name:        "triggered-execution",
		ExecutionID: exec.ID,
		Run: func(taskCtx context.Context) error {
			return s.engine.Run(taskCtx, exec.ID)
		},
	})
	if err != nil {
		return "", err
	}

	now := time.Now()
	trigger.LastRun = &now
	trigger.RunCount++
	trigger.UpdatedAt = now
	if err := s.store.SaveTrigger(ctx, trigger); err != nil {
		logging.Warn("scheduler", "Failed to update trigger after firing", map[string]interface{}{
			"trigger_id": trigger.ID,
			"error":      err.Error(),
		})
	}

	return exec.ID, nil
}

func (s *Scheduler) hasRunningExecution(ctx context.Context, workflowID string) (bool, error) {
	execs, err := s.store.ListExecutions(ctx, workflowID)
	if err != nil {
		return false, err
	}
	for i := range execs {
		if execs[i].Status == ExecutionStatusRunning || execs[i].Status == ExecutionStatusPending {
			return true, nil
		}
	}
	return false, nil
}
