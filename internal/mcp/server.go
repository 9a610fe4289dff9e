package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/flowforge/flowforge/internal/queue"
	"github.com/flowforge/flowforge/internal/workflow"
)

// Server exposes workflow operations as MCP tools so agent clients can drive
// the engine over JSON-RPC.
type Server struct {
	mcpServer  *server.MCPServer
	store      workflow.Store
	validator  *workflow.Validator
	engine     *workflow.Engine
	batches    *workflow.BatchProcessor
	aggregator *workflow.Aggregator
	queue      *queue.Queue
}

func NewServer(store workflow.Store, validator *workflow.Validator, engine *workflow.Engine, batches *workflow.BatchProcessor, aggregator *workflow.Aggregator, q *queue.Queue) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"FlowForge",
			"1.0.0",
			server.WithToolCapabilities(true),
		),
		store:      store,
		validator:  validator,
		engine:     engine,
		batches:    batches,
		aggregator: aggregator,
		queue:      q,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"submit_workflow",
			mcp.WithDescription("Validate and store a workflow definition"),
			mcp.WithString("definition", mcp.Required(), mcp.Description("The workflow definition as a JSON document")),
		),
		s.handleSubmitWorkflow,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"run_workflow",
			mcp.WithDescription("Start an execution of a stored workflow"),
			mcp.WithString("workflow_id", mcp.Required(), mcp.Description("The ID of the workflow to run")),
			mcp.WithObject("parameters", mcp.Description("Runtime parameters merged over step parameters")),
		),
		s.handleRunWorkflow,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"get_execution_status",
			mcp.WithDescription("Get the status and progress of an execution"),
			mcp.WithString("execution_id", mcp.Required(), mcp.Description("The ID of the execution")),
		),
		s.handleGetExecutionStatus,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"run_batch",
			mcp.WithDescription("Run a workflow once per item in a list of parameter sets"),
			mcp.WithString("workflow_id", mcp.Required(), mcp.Description("The ID of the workflow to run")),
			mcp.WithArray("items", mcp.Required(), mcp.Description("Per-item parameter objects")),
			mcp.WithObject("config", mcp.Description("Batch configuration: batch_size, max_parallelism, retry_count, retry_delay, continue_on_error")),
		),
		s.handleRunBatch,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"aggregate_results",
			mcp.WithDescription("Aggregate results across executions"),
			mcp.WithArray("execution_ids", mcp.Required(), mcp.Description("The execution IDs to aggregate")),
			mcp.WithString("mode", mcp.Description("Aggregation mode: summary, detailed or statistical")),
		),
		s.handleAggregateResults,
	)
}

func (s *Server) handleSubmitWorkflow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	raw, ok := args["definition"].(string)
	if !ok || raw == "" {
		return mcp.NewToolResultError("Missing required parameter: definition"), nil
	}

	var def workflow.Definition
	if err := json.Unmarshal([]byte(raw), &def); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Invalid workflow definition: %v", err)), nil
	}

	if def.ID == "" {
		def.ID = uuid.New().String()
	}

	if errs := s.validator.Validate(&def); len(errs) > 0 {
		jsonBytes, _ := json.Marshal(map[string]interface{}{"errors": errs})
		return mcp.NewToolResultError(fmt.Sprintf("Workflow validation failed: %s", jsonBytes)), nil
	}

	def.CreatedAt = time.Now()
	if err := s.store.SaveDefinition(ctx, &def); err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to save workflow: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(def)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleRunWorkflow(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	workflowID, ok := args["workflow_id"].(string)
	if !ok || workflowID == "" {
		return mcp.NewToolResultError("Missing required parameter: workflow_id"), nil
	}

	params, _ := args["parameters"].(map[string]interface{})

	def, err := s.store.GetDefinition(ctx, workflowID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get workflow: %v", err)), nil
	}

	exec, err := s.engine.CreateExecution(ctx, def, params, "mcp")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to create execution: %v", err)), nil
	}

	executionID := exec.ID
	err = s.queue.Enqueue(ctx, queue.Task{
		Name:        "workflow-execution",
		ExecutionID: executionID,
		Run: func(taskCtx context.Context) error {
			return s.engine.Run(taskCtx, executionID)
		},
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to enqueue execution: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(map[string]string{"execution_id": executionID})
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleGetExecutionStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	executionID, ok := args["execution_id"].(string)
	if !ok || executionID == "" {
		return mcp.NewToolResultError("Missing required parameter: execution_id"), nil
	}

	exec, err := s.store.GetExecution(ctx, executionID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get execution: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(exec)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleRunBatch(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	workflowID, ok := args["workflow_id"].(string)
	if !ok || workflowID == "" {
		return mcp.NewToolResultError("Missing required parameter: workflow_id"), nil
	}

	rawItems, ok := args["items"].([]interface{})
	if !ok || len(rawItems) == 0 {
		return mcp.NewToolResultError("Missing required parameter: items"), nil
	}

	items := make([]map[string]interface{}, 0, len(rawItems))
	for i, rawItem := range rawItems {
		item, ok := rawItem.(map[string]interface{})
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("Item %d is not an object", i)), nil
		}
		items = append(items, item)
	}

	var cfg workflow.BatchConfig
	if rawCfg, ok := args["config"].(map[string]interface{}); ok {
		cfgBytes, _ := json.Marshal(rawCfg)
		if err := json.Unmarshal(cfgBytes, &cfg); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Invalid batch config: %v", err)), nil
		}
	}

	result, err := s.batches.Process(ctx, workflowID, items, cfg, "mcp")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to process batch: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(result)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleAggregateResults(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return mcp.NewToolResultError("Invalid arguments type"), nil
	}

	rawIDs, ok := args["execution_ids"].([]interface{})
	if !ok || len(rawIDs) == 0 {
		return mcp.NewToolResultError("Missing required parameter: execution_ids"), nil
	}

	ids := make([]string, 0, len(rawIDs))
	for i, rawID := range rawIDs {
		id, ok := rawID.(string)
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("Execution ID %d is not a string", i)), nil
		}
		ids = append(ids, id)
	}

	mode := workflow.AggregationModeSummary
	if raw, ok := args["mode"].(string); ok && raw != "" {
		mode = workflow.AggregationMode(raw)
		if !mode.Valid() {
			return mcp.NewToolResultError(fmt.Sprintf("Unknown aggregation mode: %s", raw)), nil
		}
	}

	results, err := s.aggregator.Aggregate(ctx, ids, mode)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to aggregate results: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(results)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

// MountHTTPHandlers serves the MCP endpoints under /mcp on the given mux.
func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer) {
	sseServer := server.NewSSEServer(mcpServer, server.WithStaticBasePath("/mcp"))

	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			sseServer.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	mux.HandleFunc("/mcp/sse", sseServer.ServeHTTP)
	mux.HandleFunc("/mcp/message", sseServer.ServeHTTP)
}
