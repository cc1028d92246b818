package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/stemsplit/api/internal/config"
)

// Device classes reported by the inference service
const (
	DeviceCPU         = "cpu"
	DeviceAccelerator = "cuda"
)

// Separator defines the source-separation engine contract. The engine has
// no progress signal; callers estimate it.
type Separator interface {
	Separate(ctx context.Context, req *SeparateRequest) (*SeparateResponse, error)
	Device() string
}

// SeparateRequest asks the engine to split one WAV file into stems
type SeparateRequest struct {
	JobID      string `json:"job_id"`
	InputPath  string `json:"input_path"`
	OutputDir  string `json:"output_dir"`
	SampleRate int    `json:"sample_rate"`
	Model      string `json:"model"`
	Device     string `json:"device"`
}

// SeparateResponse maps stem names to the files the engine wrote
type SeparateResponse struct {
	Stems      map[string]string `json:"stems"`
	Device     string            `json:"device"`
	SampleRate int               `json:"sample_rate"`
}

// SeparatorClient implements Separator for the Python inference microservice
type SeparatorClient struct {
	httpClient *http.Client
	baseURL    string
	model      string
	device     string
}

// NewSeparatorClient creates a new separation client
func NewSeparatorClient(cfg *config.SeparatorConfig) *SeparatorClient {
	return &SeparatorClient{
		httpClient: &http.Client{
			Timeout: time.Duration(cfg.Timeout) * time.Second,
		},
		baseURL: strings.TrimRight(cfg.ServiceURL, "/"),
		model:   cfg.Model,
		device:  cfg.Device,
	}
}

// Separate runs the model once over the whole input
func (c *SeparatorClient) Separate(ctx context.Context, req *SeparateRequest) (*SeparateResponse, error) {
	if req.Model == "" {
		req.Model = c.model
	}
	if req.Device == "" {
		req.Device = c.device
	}

	var result SeparateResponse
	if err := c.post(ctx, "/separate", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Device reports the execution class the service was configured with
func (c *SeparatorClient) Device() string {
	if c.device == "" {
		return DeviceCPU
	}
	return c.device
}

// HealthCheck checks if the separation service is available
func (c *SeparatorClient) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("separator service unhealthy: status %d", resp.StatusCode)
	}

	return nil
}

// post sends a POST request with JSON body and parses the response
func (c *SeparatorClient) post(ctx context.Context, endpoint string, body interface{}, result interface{}) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &ToolError{Tool: "separator", Err: fmt.Errorf("failed to send request: %w", err)}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return &ToolError{Tool: "separator", Err: fmt.Errorf("failed to read response: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &ToolError{
			Tool:   "separator",
			Err:    fmt.Errorf("service error (status %d)", resp.StatusCode),
			Stderr: string(respBody),
		}
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return &ToolError{Tool: "separator", Err: fmt.Errorf("failed to unmarshal response: %w", err)}
	}

	return nil
}

// IsConfigured returns true if the client has valid configuration
func (c *SeparatorClient) IsConfigured() bool {
	return c.baseURL != ""
}
