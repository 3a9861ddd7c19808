package tracking

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// DisableEnvVar disables the experiment tracker when set to any
// non-empty value, so headless or CI runs need no service running.
const DisableEnvVar = "TRACKING_DISABLED"

// Tracker mirrors logged metrics to a sidecar experiment tracking
// service over HTTP.
type Tracker struct {
	config     TrackerConfig
	httpClient *http.Client
	enabled    bool
}

// TrackerConfig contains configuration for the tracking service client
type TrackerConfig struct {
	BaseURL       string        `json:"base_url"`
	RunName       string        `json:"run_name"`
	Timeout       time.Duration `json:"timeout"`
	RetryAttempts int           `json:"retry_attempts"`
	RetryDelay    time.Duration `json:"retry_delay"`
}

// TrackerResponse represents the response from the tracking service
type TrackerResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	RunID     string `json:"run_id,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
}

// DefaultTrackerConfig returns default configuration for the tracking
// service client
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		BaseURL:       "http://localhost:8080",
		RunName:       "run",
		Timeout:       30 * time.Second,
		RetryAttempts: 3,
		RetryDelay:    1 * time.Second,
	}
}

// NewTracker creates a new tracking service client. The client starts
// enabled unless the disable environment variable is set.
func NewTracker(config TrackerConfig) *Tracker {
	return &Tracker{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		enabled: os.Getenv(DisableEnvVar) == "",
	}
}

// Enable enables the tracker
func (tr *Tracker) Enable() {
	tr.enabled = true
}

// Disable disables the tracker
func (tr *Tracker) Disable() {
	tr.enabled = false
}

// IsEnabled returns whether the tracker is enabled
func (tr *Tracker) IsEnabled() bool {
	return tr.enabled
}

// Init registers the run and its configuration with the tracking
// service. Call it once before training starts.
func (tr *Tracker) Init(runConfig map[string]interface{}) error {
	if !tr.enabled {
		return nil
	}
	payload := map[string]interface{}{
		"name":   tr.config.RunName,
		"config": runConfig,
	}
	_, err := tr.post("/api/runs", payload)
	return err
}

// Log mirrors one metrics mapping at the given step, retrying transient
// failures.
func (tr *Tracker) Log(values map[string]float64, step int64) error {
	if !tr.enabled {
		return nil
	}
	payload := map[string]interface{}{
		"run":     tr.config.RunName,
		"step":    step,
		"metrics": values,
	}

	var lastErr error
	attempts := tr.config.RetryAttempts
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			time.Sleep(tr.config.RetryDelay)
		}
		if _, lastErr = tr.post("/api/metrics", payload); lastErr == nil {
			return nil
		}
	}
	return fmt.Errorf("failed to log metrics after %d attempts: %v", attempts, lastErr)
}

// post sends a JSON payload to the tracking service and parses its
// response.
func (tr *Tracker) post(path string, payload interface{}) (*TrackerResponse, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	url := fmt.Sprintf("%s%s", tr.config.BaseURL, path)
	req, err := http.NewRequest("POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "go-trainer")

	resp, err := tr.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send HTTP request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	var trackerResponse TrackerResponse
	if err := json.Unmarshal(respBody, &trackerResponse); err != nil {
		return nil, fmt.Errorf("failed to parse response JSON: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return &trackerResponse, fmt.Errorf("HTTP request failed with status %d: %s", resp.StatusCode, trackerResponse.Message)
	}
	return &trackerResponse, nil
}
