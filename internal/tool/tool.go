package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Result is the payload a tool returns on success.
type Result struct {
	Output   interface{}       `json:"output"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Tool is a named unit of work a workflow step can invoke.
type Tool interface {
	Name() string
	Execute(ctx context.Context, params map[string]interface{}) (*Result, error)
}

// Func adapts a plain function into a Tool.
type Func struct {
	name string
	fn   func(ctx context.Context, params map[string]interface{}) (*Result, error)
}

// NewFunc creates a function-backed tool.
func NewFunc(name string, fn func(ctx context.Context, params map[string]interface{}) (*Result, error)) *Func {
	return &Func{name: name, fn: fn}
}

func (f *Func) Name() string {
	return f.name
}

func (f *Func) Execute(ctx context.Context, params map[string]interface{}) (*Result, error) {
	return f.fn(ctx, params)
}

// Remote invokes an external tool service over HTTP. The service receives the
// parameter mapping as a JSON body and responds with either a JSON payload
// (any 2xx status) or an error message.
type Remote struct {
	name     string
	endpoint string
	client   *http.Client
}

// NewRemote creates a tool backed by an HTTP endpoint.
func NewRemote(name, endpoint string) *Remote {
	return &Remote{
		name:     name,
		endpoint: endpoint,
		client: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

func (r *Remote) Name() string {
	return r.name
}

func (r *Remote) Execute(ctx context.Context, params map[string]interface{}) (*Result, error) {
	body, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal tool parameters: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build tool request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tool %s request failed: %w", r.name, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read tool response: %w", err)
	}

	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("tool %s returned status %d: %s", r.name, resp.StatusCode, string(data))
	}

	var output interface{}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &output); err != nil {
			// Non-JSON payloads are passed through as text.
			output = string(data)
		}
	}

	return &Result{
		Output: output,
		Metadata: map[string]string{
			"endpoint": r.endpoint,
			"status":   fmt.Sprintf("%d", resp.StatusCode),
		},
	}, nil
}
