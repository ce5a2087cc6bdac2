package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fentz26/leash/internal/models"
)

// DefaultClientTimeout is the default timeout for API requests. It covers a
// full poll listen window and the kill teardown wait.
const DefaultClientTimeout = 15 * time.Second

// apiClient is the shared HTTP client with timeout.
var apiClient = &http.Client{
	Timeout: DefaultClientTimeout,
}

// runClient has no timeout: a run holds the connection until the command
// yields, which the caller may push as high as the command timeout.
var runClient = &http.Client{}

// apiGet performs a GET request against the daemon.
func apiGet(path string) ([]byte, error) {
	resp, err := apiClient.Get(apiAddr + path)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	return readAPIResponse(resp)
}

// apiPost performs a POST request against the daemon.
func apiPost(path string, data interface{}) ([]byte, error) {
	return postWith(apiClient, path, data)
}

// apiPostBlocking is apiPost without a client timeout, for run and follow
// polls that legitimately hold the connection.
func apiPostBlocking(path string, data interface{}) ([]byte, error) {
	return postWith(runClient, path, data)
}

func postWith(client *http.Client, path string, data interface{}) ([]byte, error) {
	var payload io.Reader
	if data != nil {
		jsonData, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		payload = bytes.NewReader(jsonData)
	}

	resp, err := client.Post(apiAddr+path, "application/json", payload)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	return readAPIResponse(resp)
}

func readAPIResponse(resp *http.Response) ([]byte, error) {
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

// checkHealth returns the parsed health payload even on non-200 responses,
// so callers can inspect the degraded state alongside the error.
func checkHealth() (*models.HealthStatus, error) {
	resp, err := apiClient.Get(apiAddr + "/health")
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var health models.HealthStatus
	if err := json.Unmarshal(body, &health); err != nil {
		return nil, fmt.Errorf("failed to parse health response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return &health, fmt.Errorf("health check failed (status %d)", resp.StatusCode)
	}
	return &health, nil
}
