package workflow

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound is returned by store lookups for unknown ids.
var ErrNotFound = errors.New("not found")

// Store is the persistence contract for definitions, executions, batch
// records and triggers. The engine owns executions while they run and writes
// them back here on every transition; everything else reads through the
// store. The core assumes a single instance unless the backing store is
// itself transactional.
type Store interface {
	SaveDefinition(ctx context.Context, def *Definition) error
	GetDefinition(ctx context.Context, id string) (*Definition, error)
	ListDefinitions(ctx context.Context) ([]Definition, error)

	SaveExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
	ListExecutions(ctx context.Context, workflowID string) ([]Execution, error)

	SetControlFlags(ctx context.Context, executionID string, flags ControlFlags) error
	GetControlFlags(ctx context.Context, executionID string) (ControlFlags, error)

	SaveBatch(ctx context.Context, batch *BatchResult) error
	GetBatch(ctx context.Context, id string) (*BatchResult, error)

	SaveTrigger(ctx context.Context, trigger *Trigger) error
	GetTrigger(ctx context.Context, id string) (*Trigger, error)
	ListTriggers(ctx context.Context, workflowID string) ([]Trigger, error)
	DeleteTrigger(ctx context.Context, id string) error
}

// MemoryStore is an in-process Store guarded by a RWMutex. It backs tests and
// single-process deployments.
type MemoryStore struct {
	mu          sync.RWMutex
	definitions map[string]Definition
	executions  map[string]Execution
	controls    map[string]ControlFlags
	batches     map[string]BatchResult
	triggers    map[string]Trigger
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		definitions: make(map[string]Definition),
		executions:  make(map[string]Execution),
		controls:    make(map[string]ControlFlags),
		batches:     make(map[string]BatchResult),
		triggers:    make(map[string]Trigger),
	}
}

func (s *MemoryStore) SaveDefinition(ctx context.Context, def *Definition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.definitions[def.ID] = cloneDefinition(def)
	return nil
}

func (s *MemoryStore) GetDefinition(ctx context.Context, id string) (*Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.definitions[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := cloneDefinition(&def)
	return &copied, nil
}

func (s *MemoryStore) ListDefinitions(ctx context.Context) ([]Definition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	defs := make([]Definition, 0, len(s.definitions))
	for _, def := range s.definitions {
		defs = append(defs, cloneDefinition(&def))
	}
	return defs, nil
}

func (s *MemoryStore) SaveExecution(ctx context.Context, exec *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions[exec.ID] = cloneExecution(exec)
	return nil
}

func (s *MemoryStore) GetExecution(ctx context.Context, id string) (*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	exec, ok := s.executions[id]
	if !ok {
		return nil, ErrNotFound
	}
	copied := cloneExecution(&exec)
	return &copied, nil
}

func (s *MemoryStore) ListExecutions(ctx context.Context, workflowID string) ([]Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	execs := make([]Execution, 0, len(s.executions))
	for _, exec := range s.executions {
		if workflowID != "" && exec.WorkflowID != workflowID {
			continue
		}
		execs = append(execs, cloneExecution(&exec))
	}
	return execs, nil
}

func (s *MemoryStore) SetControlFlags(ctx context.Context, executionID string, flags ControlFlags) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.controls[executionID] = flags
	return nil
}

func (s *MemoryStore) GetControlFlags(ctx context.Context, executionID string) (ControlFlags, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.controls[executionID], nil
}

func (s *MemoryStore) SaveBatch(ctx context.Context, batch *BatchResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches[batch.BatchID] = *batch
	return nil
}

func (s *MemoryStore) GetBatch(ctx context.Context, id string) (*BatchResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	batch, ok := s.batches[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &batch, nil
}

func (s *MemoryStore) SaveTrigger(ctx context.Context, trigger *Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.triggers[trigger.ID] = *trigger
	return nil
}

func (s *MemoryStore) GetTrigger(ctx context.Context, id string) (*Trigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	trigger, ok := s.triggers[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &trigger, nil
}

func (s *MemoryStore) ListTriggers(ctx context.Context, workflowID string) ([]Trigger, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	triggers := make([]Trigger, 0, len(s.triggers))
	for _, trigger := range s.triggers {
		if workflowID != "" && trigger.WorkflowID != workflowID {
			continue
		}
		triggers = append(triggers, trigger)
	}
	return triggers, nil
}

func (s *MemoryStore) DeleteTrigger(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.triggers[id]; !ok {
		return ErrNotFound
	}
	delete(s.triggers, id)
	return nil
}

func cloneDefinition(def *Definition) Definition {
	copied := *def
	copied.Steps = append([]Step(nil), def.Steps...)
	copied.Tags = append([]string(nil), def.Tags...)
	return copied
}

func cloneExecution(exec *Execution) Execution {
	copied := *exec
	copied.StepExecutions = append([]StepExecution(nil), exec.StepExecutions...)
	if exec.Parameters != nil {
		copied.Parameters = make(map[string]interface{}, len(exec.Parameters))
		for k, v := range exec.Parameters {
			copied.Parameters[k] = v
		}
	}
	if exec.Results != nil {
		copied.Results = make(map[string]interface{}, len(exec.Results))
		for k, v := range exec.Results {
			copied.Results[k] = v
		}
	}
	return copied
}
