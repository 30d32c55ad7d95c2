// Package coordinator connects the agent to a central coordination
// server for distributed task execution. All communication is outbound
// from the agent, so it works through NAT and firewalls.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/mem"

	"github.com/alpha-agent/agent/internal/httputil"
	"github.com/alpha-agent/agent/internal/logging"
)

var log = logging.L("coordinator")

// Task is a unit of work handed out by the coordinator.
type Task struct {
	ID          string         `json:"task_id"`
	Type        string         `json:"type"`
	Description string         `json:"description,omitempty"`
	Params      map[string]any `json:"params,omitempty"`
}

// TaskResult reports the outcome of a task back to the coordinator.
type TaskResult struct {
	TaskID      string         `json:"task_id"`
	AgentID     string         `json:"agent_id"`
	Status      string         `json:"status"`
	Result      map[string]any `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	CompletedAt int64          `json:"completed_at"`
}

const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Client is the coordinator's HTTP API client.
type Client struct {
	baseURL string
	agentID string
	version string
	client  *http.Client
	retry   httputil.RetryConfig
	health  func() map[string]any
}

// NewClient creates a Client for the coordinator at baseURL.
func NewClient(baseURL, agentID, version string) *Client {
	retry := httputil.DefaultRetryConfig()
	retry.MaxRetries = 1
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		agentID: agentID,
		version: version,
		client:  &http.Client{Timeout: 15 * time.Second},
		retry:   retry,
	}
}

// AgentID returns the identity this client registers under.
func (c *Client) AgentID() string { return c.agentID }

// SetHealthSource attaches a callback whose output is embedded in
// register and heartbeat payloads.
func (c *Client) SetHealthSource(src func() map[string]any) { c.health = src }

// Register announces the agent and its capabilities.
func (c *Client) Register(ctx context.Context) error {
	hostname, _ := os.Hostname()
	capabilities := map[string]any{
		"agent_id":  c.agentID,
		"hostname":  hostname,
		"platform":  runtime.GOOS,
		"cpu_cores": runtime.NumCPU(),
		"version":   c.version,
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		capabilities["memory_gb"] = float64(vm.Total) / (1 << 30)
	}
	if c.health != nil {
		capabilities["health"] = c.health()
	}

	if err := c.post(ctx, "/api/register", capabilities); err != nil {
		return fmt.Errorf("registration failed: %w", err)
	}
	log.Info("registered with coordinator", "url", c.baseURL, "agentId", c.agentID)
	return nil
}

// Heartbeat tells the coordinator the agent is alive.
func (c *Client) Heartbeat(ctx context.Context) error {
	payload := map[string]any{
		"agent_id":  c.agentID,
		"timestamp": time.Now().Unix(),
	}
	if c.health != nil {
		payload["health"] = c.health()
	}
	return c.post(ctx, "/api/heartbeat", payload)
}

// Unregister removes the agent from the coordinator's pool.
func (c *Client) Unregister(ctx context.Context) error {
	return c.post(ctx, "/api/unregister", map[string]any{
		"agent_id": c.agentID,
	})
}

// NextTask asks for work. A nil task means the queue is empty.
func (c *Client) NextTask(ctx context.Context) (*Task, error) {
	endpoint := c.baseURL + "/api/tasks/next?agent_id=" + url.QueryEscape(c.agentID)
	resp, err := httputil.Do(ctx, c.client, http.MethodGet, endpoint, nil, nil, c.retry)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("task poll returned status %d", resp.StatusCode)
	}

	var task Task
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		return nil, fmt.Errorf("malformed task: %w", err)
	}
	if task.ID == "" {
		return nil, nil
	}
	return &task, nil
}

// SubmitResult reports a finished task.
func (c *Client) SubmitResult(ctx context.Context, result TaskResult) error {
	if err := c.post(ctx, "/api/tasks/result", result); err != nil {
		return fmt.Errorf("result submission failed: %w", err)
	}
	log.Info("result submitted", logging.KeyTaskID, result.TaskID, "status", result.Status)
	return nil
}

// Execute runs a task locally and returns its result. Unknown task
// types fail the task rather than the agent.
func (c *Client) Execute(ctx context.Context, task Task) TaskResult {
	log.Info("executing task", logging.KeyTaskID, task.ID, "taskType", task.Type)

	result := TaskResult{
		TaskID:  task.ID,
		AgentID: c.agentID,
		Status:  StatusCompleted,
	}

	switch task.Type {
	case "ping":
		result.Result = map[string]any{"message": "pong", "agent_id": c.agentID}

	case "compute":
		result.Result = computeSumOfSquares(task.Params)

	case "info":
		hostname, _ := os.Hostname()
		cwd, _ := os.Getwd()
		result.Result = map[string]any{
			"agent_id":  c.agentID,
			"hostname":  hostname,
			"platform":  runtime.GOOS,
			"cwd":       cwd,
			"version":   c.version,
			"timestamp": time.Now().Unix(),
		}

	default:
		result.Status = StatusFailed
		result.Error = fmt.Sprintf("unknown task type: %s", task.Type)
	}

	result.CompletedAt = time.Now().Unix()
	return result
}

// computeSumOfSquares sums i^2 for i in [0, n).
func computeSumOfSquares(params map[string]any) map[string]any {
	n := 100
	if raw, ok := params["n"]; ok {
		// JSON numbers decode as float64.
		if f, ok := raw.(float64); ok && f >= 0 {
			n = int(f)
		}
	}

	var sum int64
	for i := 0; i < n; i++ {
		sum += int64(i) * int64(i)
	}
	return map[string]any{
		"computation": fmt.Sprintf("sum of squares up to %d", n),
		"result":      sum,
	}
}

func (c *Client) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	headers := http.Header{"Content-Type": []string{"application/json"}}
	resp, err := httputil.Do(ctx, c.client, http.MethodPost, c.baseURL+path, body, headers, c.retry)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s returned status %d", path, resp.StatusCode)
	}
	return nil
}
