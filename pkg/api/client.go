package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Client is the API client for the orchestrator
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new API client
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// SubmitWorkflow queues a workflow and returns it in its pending state.
func (c *Client) SubmitWorkflow(ctx context.Context, request WorkflowRequest) (*Workflow, error) {
	var wf Workflow
	if err := c.do(ctx, http.MethodPost, "/workflows", request, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

func (c *Client) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	var wf Workflow
	if err := c.do(ctx, http.MethodGet, "/workflows/"+url.PathEscape(id), nil, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// WaitWorkflow polls until the workflow is terminal or ctx is done.
func (c *Client) WaitWorkflow(ctx context.Context, id string, interval time.Duration) (*Workflow, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		wf, err := c.GetWorkflow(ctx, id)
		if err != nil {
			return nil, err
		}
		if wf.Terminal() {
			return wf, nil
		}
		select {
		case <-ctx.Done():
			return wf, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) CancelWorkflow(ctx context.Context, id, reason string) (*Workflow, error) {
	var wf Workflow
	body := map[string]string{"reason": reason}
	if err := c.do(ctx, http.MethodPost, "/workflows/"+url.PathEscape(id)+"/cancel", body, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// WorkflowEvents returns the most recent limit audit entries; zero means all.
func (c *Client) WorkflowEvents(ctx context.Context, id string, limit int) ([]Event, error) {
	path := "/workflows/" + url.PathEscape(id) + "/events"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	var out struct {
		Events []Event `json:"events"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Events, nil
}

func (c *Client) SessionWorkflows(ctx context.Context, sessionID string) ([]Workflow, error) {
	var out struct {
		Workflows []Workflow `json:"workflows"`
	}
	if err := c.do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(sessionID)+"/workflows", nil, &out); err != nil {
		return nil, err
	}
	return out.Workflows, nil
}

func (c *Client) ListAgents(ctx context.Context) ([]Agent, error) {
	var out struct {
		Agents []Agent `json:"agents"`
	}
	if err := c.do(ctx, http.MethodGet, "/agents", nil, &out); err != nil {
		return nil, err
	}
	return out.Agents, nil
}

func (c *Client) AgentHealth(ctx context.Context, agentID string) (*AgentHealth, error) {
	var out AgentHealth
	if err := c.do(ctx, http.MethodGet, "/agents/"+url.PathEscape(agentID)+"/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) AgentStatus(ctx context.Context, agentID string) (*AgentStatus, error) {
	var out AgentStatus
	if err := c.do(ctx, http.MethodGet, "/agents/"+url.PathEscape(agentID)+"/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetHealth checks the health of the service
func (c *Client) GetHealth(ctx context.Context) (*HealthStatus, error) {
	var health HealthStatus
	if err := c.do(ctx, http.MethodGet, "/health", nil, &health); err != nil {
		return nil, fmt.Errorf("service unhealthy: %w", err)
	}
	return &health, nil
}

// SetTimeout sets the HTTP client timeout
func (c *Client) SetTimeout(timeout time.Duration) {
	c.httpClient.Timeout = timeout
}

// SetHTTPClient sets a custom HTTP client
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to make request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if json.Unmarshal(respBody, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(respBody))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return nil
}
