package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/flowforge/flowforge/internal/logging"
	"github.com/flowforge/flowforge/internal/queue"
	"github.com/flowforge/flowforge/internal/workflow"
)

type StartExecutionRequest struct {
	Parameters map[string]interface{} `json:"parameters"`
}

type BatchRequest struct {
	WorkflowID string                   `json:"workflow_id"`
	Items      []map[string]interface{} `json:"items"`
	Config     workflow.BatchConfig     `json:"config"`
}

type AggregateRequest struct {
	ExecutionIDs []string `json:"execution_ids"`
	Mode         string   `json:"mode"`
}

type TriggerRequest struct {
	WorkflowID string                 `json:"workflow_id"`
	Type       workflow.TriggerType   `json:"type"`
	Config     workflow.TriggerConfig `json:"config"`
}

func (s *Server) submitWorkflowHandler(w http.ResponseWriter, r *http.Request) {
	var def workflow.Definition
	if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if def.ID == "" {
		def.ID = uuid.New().String()
	}

	if errs := s.validator.Validate(&def); len(errs) > 0 {
		logging.Warn("api", "Workflow rejected by validation", map[string]interface{}{
			"workflow_id": def.ID,
			"name":        def.Name,
			"errors":      len(errs),
		})
		s.sendResponse(w, http.StatusBadRequest, Response{
			Success: false,
			Message: "Workflow validation failed",
			Data:    map[string]interface{}{"errors": errs},
		})
		return
	}

	def.CreatedAt = time.Now()
	if err := s.store.SaveDefinition(r.Context(), &def); err != nil {
		logging.Error("api", "Failed to save workflow", map[string]interface{}{
			"workflow_id": def.ID,
			"error":       err.Error(),
		})
		s.sendError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to save workflow: %v", err))
		return
	}

	logging.AuditLog(logging.AuditEntry{
		Action:     "submit_workflow",
		Resource:   "workflow",
		ResourceID: def.ID,
		Result:     "success",
		Details:    map[string]interface{}{"name": def.Name, "steps": len(def.Steps)},
		IP:         s.getClientIP(r),
	})

	s.sendResponse(w, http.StatusCreated, Response{
		Success: true,
		Message: "Workflow submitted successfully",
		Data:    def,
	})
}

func (s *Server) listWorkflowsHandler(w http.ResponseWriter, r *http.Request) {
	defs, err := s.store.ListDefinitions(r.Context())
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to list workflows: %v", err))
		return
	}

	s.sendResponse(w, http.StatusOK, Response{
		Success: true,
		Message: "Workflows retrieved successfully",
		Data:    defs,
	})
}

func (s *Server) getWorkflowHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	def, err := s.store.GetDefinition(r.Context(), vars["id"])
	if err != nil {
		s.sendError(w, statusForError(err), fmt.Sprintf("Failed to get workflow: %v", err))
		return
	}

	s.sendResponse(w, http.StatusOK, Response{
		Success: true,
		Message: "Workflow retrieved successfully",
		Data:    def,
	})
}

func (s *Server) startExecutionHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	workflowID := vars["id"]

	var req StartExecutionRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.sendError(w, http.StatusBadRequest, "Invalid request body")
			return
		}
	}

	def, err := s.store.GetDefinition(r.Context(), workflowID)
	if err != nil {
		s.sendError(w, statusForError(err), fmt.Sprintf("Failed to get workflow: %v", err))
		return
	}

	exec, err := s.engine.CreateExecution(r.Context(), def, req.Parameters, "api")
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to create execution: %v", err))
		return
	}

	executionID := exec.ID
	err = s.queue.Enqueue(r.Context(), queue.Task{
		Name:        "workflow-execution",
		ExecutionID: executionID,
		Run: func(taskCtx context.Context) error {
			return s.engine.Run(taskCtx, executionID)
		},
	})
	if err != nil {
		if errors.Is(err, queue.ErrQueueFull) {
			s.sendError(w, http.StatusServiceUnavailable, "Task queue is full")
			return
		}
		s.sendError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to enqueue execution: %v", err))
		return
	}

	logging.AuditLog(logging.AuditEntry{
		Action:     "start_execution",
		Resource:   "execution",
		ResourceID: executionID,
		Result:     "success",
		Details:    map[string]interface{}{"workflow_id": workflowID},
		IP:         s.getClientIP(r),
	})

	s.sendResponse(w, http.StatusAccepted, Response{
		Success: true,
		Message: "Execution accepted",
		Data:    map[string]interface{}{"execution_id": executionID},
	})
}

func (s *Server) listExecutionsHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	execs, err := s.store.ListExecutions(r.Context(), vars["id"])
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to list executions: %v", err))
		return
	}

	// Trim per-step detail from list responses.
	for i := range execs {
		execs[i].StepExecutions = nil
	}

	s.sendResponse(w, http.StatusOK, Response{
		Success: true,
		Message: "Executions retrieved successfully",
		Data:    execs,
	})
}

func (s *Server) getExecutionHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	exec, err := s.store.GetExecution(r.Context(), vars["id"])
	if err != nil {
		s.sendError(w, statusForError(err), fmt.Sprintf("Failed to get execution: %v", err))
		return
	}

	if r.URL.Query().Get("steps") != "true" {
		exec.StepExecutions = nil
	}

	s.sendResponse(w, http.StatusOK, Response{
		Success: true,
		Message: "Execution retrieved successfully",
		Data:    exec,
	})
}

func (s *Server) pauseExecutionHandler(w http.ResponseWriter, r *http.Request) {
	s.controlExecution(w, r, "pause", s.engine.Pause)
}

func (s *Server) resumeExecutionHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	executionID := vars["id"]

	if err := s.engine.Resume(r.Context(), executionID); err != nil {
		status := http.StatusConflict
		if errors.Is(err, workflow.ErrNotFound) {
			status = http.StatusNotFound
		}
		s.sendError(w, status, fmt.Sprintf("Failed to resume execution: %v", err))
		return
	}

	// A parked execution gave its worker back when it paused; put it back on
	// the queue so it picks up where it left off.
	exec, err := s.store.GetExecution(r.Context(), executionID)
	if err == nil && exec.Status == workflow.ExecutionStatusPaused {
		err := s.queue.Enqueue(r.Context(), queue.Task{
			Name:        "workflow-execution",
			ExecutionID: executionID,
			Run: func(taskCtx context.Context) error {
				return s.engine.Run(taskCtx, executionID)
			},
		})
		if err != nil {
			if errors.Is(err, queue.ErrQueueFull) {
				s.sendError(w, http.StatusServiceUnavailable, "Task queue is full")
				return
			}
			s.sendError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to enqueue execution: %v", err))
			return
		}
	}

	logging.AuditLog(logging.AuditEntry{
		Action:     "resume_execution",
		Resource:   "execution",
		ResourceID: executionID,
		Result:     "success",
		IP:         s.getClientIP(r),
	})

	s.sendResponse(w, http.StatusOK, Response{
		Success: true,
		Message: "Execution resume requested",
	})
}

func (s *Server) cancelExecutionHandler(w http.ResponseWriter, r *http.Request) {
	s.controlExecution(w, r, "cancel", s.engine.Cancel)
}

func (s *Server) controlExecution(w http.ResponseWriter, r *http.Request, action string, op func(ctx context.Context, executionID string) error) {
	vars := mux.Vars(r)
	executionID := vars["id"]

	if err := op(r.Context(), executionID); err != nil {
		status := http.StatusConflict
		if errors.Is(err, workflow.ErrNotFound) {
			status = http.StatusNotFound
		}
		s.sendError(w, status, fmt.Sprintf("Failed to %s execution: %v", action, err))
		return
	}

	logging.AuditLog(logging.AuditEntry{
		Action:     action + "_execution",
		Resource:   "execution",
		ResourceID: executionID,
		Result:     "success",
		IP:         s.getClientIP(r),
	})

	s.sendResponse(w, http.StatusOK, Response{
		Success: true,
		Message: fmt.Sprintf("Execution %s requested", action),
	})
}

func (s *Server) startBatchHandler(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.WorkflowID == "" {
		s.sendError(w, http.StatusBadRequest, "workflow_id is required")
		return
	}
	if len(req.Items) == 0 {
		s.sendError(w, http.StatusBadRequest, "items must not be empty")
		return
	}

	result, err := s.batches.Process(r.Context(), req.WorkflowID, req.Items, req.Config, "api")
	if err != nil {
		s.sendError(w, statusForError(err), fmt.Sprintf("Failed to process batch: %v", err))
		return
	}

	logging.AuditLog(logging.AuditEntry{
		Action:     "start_batch",
		Resource:   "batch",
		ResourceID: result.BatchID,
		Result:     "success",
		Details:    map[string]interface{}{"workflow_id": req.WorkflowID, "items": len(req.Items)},
		IP:         s.getClientIP(r),
	})

	s.sendResponse(w, http.StatusAccepted, Response{
		Success: true,
		Message: "Batch accepted",
		Data:    result,
	})
}

func (s *Server) getBatchHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	batch, err := s.store.GetBatch(r.Context(), vars["id"])
	if err != nil {
		s.sendError(w, statusForError(err), fmt.Sprintf("Failed to get batch: %v", err))
		return
	}

	s.sendResponse(w, http.StatusOK, Response{
		Success: true,
		Message: "Batch retrieved successfully",
		Data:    batch,
	})
}

func (s *Server) aggregateHandler(w http.ResponseWriter, r *http.Request) {
	var req AggregateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	mode := workflow.AggregationMode(req.Mode)
	if mode == "" {
		mode = workflow.AggregationModeSummary
	}
	if !mode.Valid() {
		s.sendError(w, http.StatusBadRequest, fmt.Sprintf("Unknown aggregation mode: %s", req.Mode))
		return
	}

	results, err := s.aggregator.Aggregate(r.Context(), req.ExecutionIDs, mode)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to aggregate results: %v", err))
		return
	}

	s.sendResponse(w, http.StatusOK, Response{
		Success: true,
		Message: "Results aggregated successfully",
		Data:    results,
	})
}

func (s *Server) createTriggerHandler(w http.ResponseWriter, r *http.Request) {
	var req TriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	trigger, err := s.scheduler.CreateTrigger(r.Context(), req.WorkflowID, req.Type, req.Config)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, workflow.ErrNotFound) {
			status = http.StatusNotFound
		}
		s.sendError(w, status, fmt.Sprintf("Failed to create trigger: %v", err))
		return
	}

	logging.AuditLog(logging.AuditEntry{
		Action:     "create_trigger",
		Resource:   "trigger",
		ResourceID: trigger.ID,
		Result:     "success",
		Details:    map[string]interface{}{"workflow_id": req.WorkflowID, "type": string(req.Type)},
		IP:         s.getClientIP(r),
	})

	s.sendResponse(w, http.StatusCreated, Response{
		Success: true,
		Message: "Trigger created successfully",
		Data:    trigger,
	})
}

func (s *Server) listTriggersHandler(w http.ResponseWriter, r *http.Request) {
	triggers, err := s.scheduler.ListTriggers(r.Context(), r.URL.Query().Get("workflow_id"))
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to list triggers: %v", err))
		return
	}

	s.sendResponse(w, http.StatusOK, Response{
		Success: true,
		Message: "Triggers retrieved successfully",
		Data:    triggers,
	})
}

func (s *Server) fireTriggerHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	executionID, err := s.scheduler.Fire(r.Context(), vars["id"])
	if err != nil {
		s.sendError(w, statusForError(err), fmt.Sprintf("Failed to fire trigger: %v", err))
		return
	}

	s.sendResponse(w, http.StatusAccepted, Response{
		Success: true,
		Message: "Trigger fired",
		Data:    map[string]interface{}{"execution_id": executionID},
	})
}

func (s *Server) enableTriggerHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	if err := s.scheduler.EnableTrigger(r.Context(), vars["id"]); err != nil {
		s.sendError(w, statusForError(err), fmt.Sprintf("Failed to enable trigger: %v", err))
		return
	}

	s.sendResponse(w, http.StatusOK, Response{
		Success: true,
		Message: "Trigger enabled",
	})
}

func (s *Server) disableTriggerHandler(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	if err := s.scheduler.DisableTrigger(r.Context(), vars["id"]); err != nil {
		s.sendError(w, statusForError(err), fmt.Sprintf("Failed to disable trigger: %v", err))
		return
	}

	s.sendResponse(w, http.StatusOK, Response{
		Success: true,
		Message: "Trigger disabled",
	})
}

func (s *Server) metricsHistoryHandler(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if raw := r.URL.Query().Get("window"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			s.sendError(w, http.StatusBadRequest, fmt.Sprintf("Invalid window: %v", err))
			return
		}
		window = parsed
	}

	history, err := s.metrics.GetHistory(r.Context(), window)
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to get metrics history: %v", err))
		return
	}

	s.sendResponse(w, http.StatusOK, Response{
		Success: true,
		Message: "Metrics history retrieved successfully",
		Data:    history,
	})
}

func statusForError(err error) int {
	if errors.Is(err, workflow.ErrNotFound) {
		return http.StatusNotFound
	}
	return http.StatusInternalServerError
}
