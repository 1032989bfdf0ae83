package api

import (
	"encoding/json"
	"time"

	"agent-exec-sandbox/internal/sandbox"
)

// ExecuteRequest is the API-level submission of a program.
type ExecuteRequest struct {
	Code         string          `json:"code"`
	Language     string          `json:"language"` // python, javascript, shell
	Input        json.RawMessage `json:"input,omitempty"`
	Dependencies []string        `json:"dependencies,omitempty"`
	Timeout      Duration        `json:"timeout,omitempty"`

	// TaskID is an opaque caller-side correlation id echoed back on the
	// execution record.
	TaskID string `json:"task_id,omitempty"`

	// SandboxID runs the program in an existing persistent sandbox; when
	// empty a single-use sandbox is provisioned and destroyed afterwards.
	SandboxID string                  `json:"sandbox_id,omitempty"`
	Limits    *sandbox.ResourceLimits `json:"limits,omitempty"`
	Network   string                  `json:"network,omitempty"` // none (default) or bridge
}

// ValidateRequest runs only the static security checks.
type ValidateRequest struct {
	Code     string `json:"code"`
	Language string `json:"language"`
}

// SandboxCreateRequest provisions a persistent sandbox.
type SandboxCreateRequest struct {
	Language string                  `json:"language"`
	Limits   *sandbox.ResourceLimits `json:"limits,omitempty"`
	Network  string                  `json:"network,omitempty"`
}

// SandboxResponse is the API view of a sandbox.
type SandboxResponse struct {
	ID        string                 `json:"id"`
	Owner     string                 `json:"owner"`
	Language  string                 `json:"language"`
	Status    string                 `json:"status"`
	Network   string                 `json:"network"`
	Limits    sandbox.ResourceLimits `json:"limits"`
	CreatedAt time.Time              `json:"created_at"`
}

// Duration wraps time.Duration for JSON marshaling as a string like "10s".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + d.String() + `"`), nil
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	d.Duration = dur
	return nil
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status     string `json:"status"`
	Containerd bool   `json:"containerd"`
	Database   bool   `json:"database"`
	Uptime     string `json:"uptime"`
}
