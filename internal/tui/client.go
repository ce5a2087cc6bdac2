package tui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fentz26/leash/internal/models"
)

// DefaultClientTimeout is the default timeout for API requests. It has to
// cover a full poll listen window and the kill teardown wait.
const DefaultClientTimeout = 15 * time.Second

// Client wraps HTTP calls to the leash daemon.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new API client with timeout.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: DefaultClientTimeout,
		},
	}
}

// Health fetches the daemon health payload. A reachable daemon returns a
// payload even when unhealthy, so callers can tell degraded from down.
func (c *Client) Health() (*models.HealthStatus, error) {
	resp, err := c.httpClient.Get(c.baseURL + "/health")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var health models.HealthStatus
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, err
	}
	return &health, nil
}

// ListTasks fetches the live task registry.
func (c *Client) ListTasks() ([]models.TaskSnapshot, error) {
	body, err := c.get("/tasks")
	if err != nil {
		return nil, err
	}

	var tasks []models.TaskSnapshot
	if err := json.Unmarshal(body, &tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// Poll collects new output for a task. The daemon holds the request up to
// its poll window when the task is quiet.
func (c *Client) Poll(taskID string) (*models.RunResult, error) {
	body, err := c.post("/tasks/"+taskID+"/poll", nil)
	if err != nil {
		return nil, err
	}

	var res models.RunResult
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Send writes a line to a running task's stdin.
func (c *Client) Send(taskID, input string) (*models.RunResult, error) {
	body, err := c.post("/tasks/"+taskID+"/send", map[string]string{"input": input})
	if err != nil {
		return nil, err
	}

	var res models.RunResult
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Kill terminates a task and returns its terminal result.
func (c *Client) Kill(taskID string) (*models.RunResult, error) {
	body, err := c.post("/tasks/"+taskID+"/kill", nil)
	if err != nil {
		return nil, err
	}

	var res models.RunResult
	if err := json.Unmarshal(body, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// LearnStats fetches the learning store aggregates, including the
// hot-pattern list.
func (c *Client) LearnStats() (*models.LearnStats, error) {
	body, err := c.get("/learn/stats")
	if err != nil {
		return nil, err
	}

	var stats models.LearnStats
	if err := json.Unmarshal(body, &stats); err != nil {
		return nil, err
	}
	return &stats, nil
}

func (c *Client) get(path string) ([]byte, error) {
	resp, err := c.httpClient.Get(c.baseURL + path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return body, nil
}

func (c *Client) post(path string, data any) ([]byte, error) {
	var payload io.Reader
	if data != nil {
		jsonData, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		payload = bytes.NewReader(jsonData)
	}

	resp, err := c.httpClient.Post(c.baseURL+path, "application/json", payload)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	return body, nil
}
