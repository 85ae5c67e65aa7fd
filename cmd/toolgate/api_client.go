package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/fentz26/toolgate/internal/controlplane"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// apiClient is the shared HTTP client with timeout.
var apiClient = &http.Client{
	Timeout: DefaultClientTimeout,
}

// invokeClient waits longer; tool calls are bounded by the daemon's
// call timeout instead.
var invokeClient = &http.Client{
	Timeout: 5 * time.Minute,
}

// apiGet performs a GET request to the API.
func apiGet(path string) ([]byte, error) {
	return apiDo(apiClient, http.MethodGet, path, nil)
}

// apiPost performs a POST request to the API.
func apiPost(path string, data any) ([]byte, error) {
	return apiDo(apiClient, http.MethodPost, path, data)
}

// apiDelete performs a DELETE request to the API.
func apiDelete(path string) ([]byte, error) {
	return apiDo(apiClient, http.MethodDelete, path, nil)
}

func apiDo(client *http.Client, method, path string, data any) ([]byte, error) {
	var body io.Reader
	if data != nil {
		jsonData, err := json.Marshal(data)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequest(method, apiAddr+path, body)
	if err != nil {
		return nil, err
	}
	if data != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode >= 400 {
		return nil, apiError(resp.StatusCode, respBody)
	}
	return respBody, nil
}

// apiError turns an error reply into a readable error, keeping the kind
// so denials and unknown tools read differently.
func apiError(status int, body []byte) error {
	var er controlplane.ErrorResponse
	if err := json.Unmarshal(body, &er); err != nil || er.Error == "" {
		return fmt.Errorf("API error (%d): %s", status, string(body))
	}
	return fmt.Errorf("%s [%s]", er.Error, er.Kind)
}

func decodeInto(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decoding API response: %w", err)
	}
	return nil
}
