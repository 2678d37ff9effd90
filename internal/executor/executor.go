// Package executor holds the HTTP clients for the external
// collaborators the scheduler dispatches into: the agent message
// endpoint, the workflow-execution API, and the activity tracker.
//
// The scheduler never cancels work these services have started; it only
// stops waiting. Every call therefore carries a hard context deadline
// and the caller records a timeout as a failed execution.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"agentsched/pkg/logx"
)

// errorBodyCap bounds how much of a non-2xx body ends up in error text.
const errorBodyCap = 2048

func newHTTPClient() *http.Client {
	// Per-request deadlines come from the caller's context; the client
	// itself only bounds dialing/idle behavior.
	return &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        16,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
}

func postJSON(ctx context.Context, hc *http.Client, endpoint string, body any, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyCap))
		return fmt.Errorf("%s returned %d: %s", endpoint, resp.StatusCode,
			strings.TrimSpace(string(snippet)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func joinURL(base string, parts ...string) string {
	u := strings.TrimRight(base, "/")
	for _, p := range parts {
		u += "/" + url.PathEscape(p)
	}
	return u
}

// AgentResult is what the agent endpoint reports for one message.
type AgentResult struct {
	Response     string
	ContextUsed  int
	ContextMax   int
	Cost         float64
	ToolCalls    int
	ExecutionLog string
}

// AgentClient talks to the agent-message execution endpoint.
type AgentClient struct {
	base string
	hc   *http.Client
	log  logx.Logger
}

func NewAgentClient(baseURL string, log logx.Logger) *AgentClient {
	return &AgentClient{base: baseURL, hc: newHTTPClient(), log: log}
}

type agentRequest struct {
	Message string `json:"message"`
	Timeout int    `json:"timeout"`
}

type agentResponse struct {
	Response string `json:"response"`
	Usage    struct {
		ContextUsed  int     `json:"context_used"`
		ContextMax   int     `json:"context_max"`
		Cost         float64 `json:"cost"`
		ToolCalls    int     `json:"tool_calls"`
		ExecutionLog string  `json:"execution_log"`
	} `json:"usage"`
}

// Send delivers the schedule's message to the named agent and waits,
// bounded by timeout, for the response.
func (c *AgentClient) Send(ctx context.Context, agentName, message string, timeout time.Duration) (AgentResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	endpoint := joinURL(c.base, "api", "agents", agentName, "messages")
	var resp agentResponse
	err := postJSON(ctx, c.hc, endpoint, agentRequest{
		Message: message,
		Timeout: int(timeout.Seconds()),
	}, &resp)
	if err != nil {
		return AgentResult{}, err
	}
	return AgentResult{
		Response:     resp.Response,
		ContextUsed:  resp.Usage.ContextUsed,
		ContextMax:   resp.Usage.ContextMax,
		Cost:         resp.Usage.Cost,
		ToolCalls:    resp.Usage.ToolCalls,
		ExecutionLog: resp.Usage.ExecutionLog,
	}, nil
}

// WorkflowClient talks to the workflow-execution API used by process
// schedules.
type WorkflowClient struct {
	base string
	hc   *http.Client
	log  logx.Logger
}

func NewWorkflowClient(baseURL string, log logx.Logger) *WorkflowClient {
	return &WorkflowClient{base: baseURL, hc: newHTTPClient(), log: log}
}

type workflowRequest struct {
	ProcessID   string         `json:"process_id"`
	TriggeredBy string         `json:"triggered_by"`
	InputData   map[string]any `json:"input_data"`
}

type workflowResponse struct {
	ExecutionID string `json:"execution_id"`
}

// StartProcess asks the workflow engine to run one process definition
// and returns the engine's execution identifier.
func (c *WorkflowClient) StartProcess(ctx context.Context, processID, triggerID, scheduleID string, timeout time.Duration) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	endpoint := joinURL(c.base, "api", "processes", processID, "executions")
	var resp workflowResponse
	err := postJSON(ctx, c.hc, endpoint, workflowRequest{
		ProcessID:   processID,
		TriggeredBy: "schedule",
		InputData: map[string]any{
			"trigger_id":  triggerID,
			"schedule_id": scheduleID,
		},
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.ExecutionID == "" {
		return "", fmt.Errorf("workflow API returned no execution id")
	}
	return resp.ExecutionID, nil
}

// ActivityClient records start/completion markers for observability.
// Fire-and-forget: failures are logged at debug and never propagated,
// so an activity-tracker outage cannot fail a schedule execution.
type ActivityClient struct {
	base string
	hc   *http.Client
	log  logx.Logger
}

func NewActivityClient(baseURL string, log logx.Logger) *ActivityClient {
	return &ActivityClient{base: baseURL, hc: newHTTPClient(), log: log}
}

func (c *ActivityClient) record(ctx context.Context, kind string, fields map[string]any) {
	if c == nil || strings.TrimSpace(c.base) == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	body := map[string]any{"kind": kind}
	for k, v := range fields {
		body[k] = v
	}
	if err := postJSON(ctx, c.hc, joinURL(c.base, "api", "activity"), body, nil); err != nil {
		c.log.Debug("activity record failed", logx.Err(err), logx.String("kind", kind))
	}
}

func (c *ActivityClient) RecordStarted(ctx context.Context, scheduleID, executionID string) {
	c.record(ctx, "schedule_execution_started", map[string]any{
		"schedule_id":  scheduleID,
		"execution_id": executionID,
	})
}

func (c *ActivityClient) RecordCompleted(ctx context.Context, scheduleID, executionID, status string) {
	c.record(ctx, "schedule_execution_completed", map[string]any{
		"schedule_id":  scheduleID,
		"execution_id": executionID,
		"status":       status,
	})
}
