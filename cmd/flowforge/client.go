package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/flowforge/flowforge/internal/api"
	"github.com/flowforge/flowforge/internal/workflow"
)

var httpClient = &http.Client{Timeout: 30 * time.Second}

func apiURL(path string) string {
	return fmt.Sprintf("http://%s:%d%s", cfg.Server.Host, cfg.Server.Port, path)
}

// callAPI sends an authenticated request and decodes the response envelope.
// It exits with the API's message on any failure.
func callAPI(method, path string, body []byte) *api.Response {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequest(method, apiURL(path), reader)
	if err != nil {
		log.Fatalf("Failed to create request: %v", err)
	}
	req.Header.Set("Authorization", "Bearer "+cfg.Security.APIToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		log.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	var apiResp api.Response
	if err := json.NewDecoder(resp.Body).Decode(&apiResp); err != nil {
		log.Fatalf("Failed to parse response: %v", err)
	}

	if !apiResp.Success {
		if data, ok := apiResp.Data.(map[string]interface{}); ok {
			if errs, ok := data["errors"].([]interface{}); ok {
				fmt.Fprintf(os.Stderr, "Error: %s\n", apiResp.Message)
				for _, e := range errs {
					fmt.Fprintf(os.Stderr, "  - %v\n", e)
				}
				os.Exit(1)
			}
		}
		log.Fatalf("API error: %s", apiResp.Message)
	}
	return &apiResp
}

func submitWorkflow(file string) {
	raw, err := os.ReadFile(file)
	if err != nil {
		log.Fatalf("Failed to read file: %v", err)
	}

	body := raw
	ext := strings.ToLower(filepath.Ext(file))
	if ext == ".yaml" || ext == ".yml" {
		var doc map[string]interface{}
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			log.Fatalf("Failed to parse YAML: %v", err)
		}
		body, err = json.Marshal(doc)
		if err != nil {
			log.Fatalf("Failed to convert YAML: %v", err)
		}
	}

	resp := callAPI("POST", "/workflows", body)

	data, _ := resp.Data.(map[string]interface{})
	fmt.Printf("Workflow submitted: %v\n", data["id"])
}

func runWorkflow(workflowID string, params []string) {
	parameters := make(map[string]interface{})
	for _, p := range params {
		parts := strings.SplitN(p, "=", 2)
		if len(parts) != 2 {
			log.Fatalf("Invalid parameter %q, expected key=value", p)
		}
		parameters[parts[0]] = parts[1]
	}

	body, _ := json.Marshal(api.StartExecutionRequest{Parameters: parameters})
	resp := callAPI("POST", "/workflows/"+workflowID+"/executions", body)

	data, _ := resp.Data.(map[string]interface{})
	fmt.Printf("Execution started: %v\n", data["execution_id"])
}

func showStatus(executionID string, steps bool) {
	path := "/executions/" + executionID
	if steps {
		path += "?steps=true"
	}
	resp := callAPI("GET", path, nil)

	raw, _ := json.Marshal(resp.Data)
	var exec workflow.Execution
	if err := json.Unmarshal(raw, &exec); err != nil {
		log.Fatalf("Failed to parse execution: %v", err)
	}

	fmt.Printf("Execution: %s\n", exec.ID)
	fmt.Printf("Workflow:  %s (%s)\n", exec.WorkflowName, exec.WorkflowID)
	fmt.Printf("Status:    %s\n", exec.Status)
	fmt.Printf("Progress:  %d/%d steps (%.0f%%)\n",
		exec.Progress.CompletedSteps, exec.Progress.TotalSteps, exec.Progress.PercentComplete)
	if exec.Error != "" {
		fmt.Printf("Error:     %s\n", exec.Error)
	}

	if steps && len(exec.StepExecutions) > 0 {
		fmt.Println(strings.Repeat("-", 60))
		for _, se := range exec.StepExecutions {
			line := fmt.Sprintf("  %-24s %s", se.StepID, se.Status)
			if se.Error != "" {
				line += "  (" + se.Error + ")"
			}
			fmt.Println(line)
		}
	}
}

func runBatch(cmd *cobra.Command, workflowID string) {
	itemsFile, _ := cmd.Flags().GetString("items")
	raw, err := os.ReadFile(itemsFile)
	if err != nil {
		log.Fatalf("Failed to read items file: %v", err)
	}

	var items []map[string]interface{}
	if err := json.Unmarshal(raw, &items); err != nil {
		log.Fatalf("Failed to parse items file: %v", err)
	}

	batchSize, _ := cmd.Flags().GetInt("batch-size")
	maxParallelism, _ := cmd.Flags().GetInt("max-parallelism")
	retryCount, _ := cmd.Flags().GetInt("retry-count")
	retryDelay, _ := cmd.Flags().GetString("retry-delay")
	continueOnError, _ := cmd.Flags().GetBool("continue-on-error")

	body, _ := json.Marshal(api.BatchRequest{
		WorkflowID: workflowID,
		Items:      items,
		Config: workflow.BatchConfig{
			BatchSize:       batchSize,
			MaxParallelism:  maxParallelism,
			RetryCount:      retryCount,
			RetryDelay:      retryDelay,
			ContinueOnError: continueOnError,
		},
	})
	resp := callAPI("POST", "/batches", body)

	raw, _ = json.Marshal(resp.Data)
	var result workflow.BatchResult
	if err := json.Unmarshal(raw, &result); err != nil {
		log.Fatalf("Failed to parse batch result: %v", err)
	}

	fmt.Printf("Batch: %s\n", result.BatchID)
	fmt.Printf("Dispatched %d of %d items in %d batches (%d failed to start)\n",
		result.Succeeded, len(items), result.Batches, result.Failed)
	if result.Stopped {
		fmt.Println("Batch stopped early on failure")
	}
}

func aggregateResults(executionIDs []string, mode string) {
	body, _ := json.Marshal(api.AggregateRequest{
		ExecutionIDs: executionIDs,
		Mode:         mode,
	})
	resp := callAPI("POST", "/aggregate", body)

	pretty, err := json.MarshalIndent(resp.Data, "", "  ")
	if err != nil {
		log.Fatalf("Failed to format results: %v", err)
	}
	fmt.Println(string(pretty))
}

func listWorkflows() {
	resp := callAPI("GET", "/workflows", nil)

	raw, _ := json.Marshal(resp.Data)
	var defs []workflow.Definition
	if err := json.Unmarshal(raw, &defs); err != nil {
		log.Fatalf("Failed to parse workflows: %v", err)
	}

	if len(defs) == 0 {
		fmt.Println("No workflows found")
		return
	}

	fmt.Printf("%-36s  %-24s  %-8s  %s\n", "ID", "NAME", "STEPS", "CREATED")
	for _, def := range defs {
		fmt.Printf("%-36s  %-24s  %-8d  %s\n",
			def.ID, def.Name, len(def.Steps), def.CreatedAt.Format(time.RFC3339))
	}
}
