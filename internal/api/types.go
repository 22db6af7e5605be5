package api

import (
	"time"

	"codegate/internal/engine"
)

// LoginRequest carries credentials for POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// LoginResponse returns a freshly issued bearer token.
type LoginResponse struct {
	Token     string `json:"token"`
	TokenType string `json:"token_type"`
	ExpiresIn int64  `json:"expires_in"` // seconds
}

// ExecuteRequest is the API-level request to run a code snippet.
type ExecuteRequest struct {
	Code     string         `json:"code"`
	Language string         `json:"language"` // python, node, bash
	Timeout  Duration       `json:"timeout,omitempty"`
	Limits   ResourceLimits `json:"limits,omitempty"`
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

// ResourceLimits defines per-job resource ceilings. Zero fields fall back to
// the configured defaults.
type ResourceLimits struct {
	CPUShares      int64 `json:"cpu_shares,omitempty"` // 1024 = 1 CPU
	MemoryMB       int64 `json:"memory_mb,omitempty"`
	PidsLimit      int64 `json:"pids_limit,omitempty"`
	MaxOutputBytes int64 `json:"max_output_bytes,omitempty"`
}

// ExecuteResponse is the terminal record of one snippet run.
type ExecuteResponse struct {
	ID           string           `json:"id"`
	Outcome      string           `json:"outcome"`
	Stdout       string           `json:"stdout"`
	Stderr       string           `json:"stderr"`
	ExitCode     int              `json:"exit_code"`
	Elapsed      string           `json:"elapsed"`
	PeakMemoryMB int64            `json:"peak_memory_mb,omitempty"`
	Findings     []engine.Finding `json:"findings,omitempty"`
}

// AuditEventView is one audit record on the query surface.
type AuditEventView struct {
	Seq       uint64    `json:"seq"`
	Time      time.Time `json:"time"`
	Category  string    `json:"category"`
	Principal string    `json:"principal,omitempty"`
	RequestID string    `json:"request_id,omitempty"`
	Detail    string    `json:"detail"`
	Severity  string    `json:"severity"`
	Dropped   uint64    `json:"dropped,omitempty"`
}

// AuditEventsResponse wraps an audit query result.
type AuditEventsResponse struct {
	Events []AuditEventView `json:"events"`
	Count  int              `json:"count"`
}

// ErrorResponse is returned for API errors.
type ErrorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"request_id"`
}

// HealthResponse is returned by the health check endpoint.
type HealthResponse struct {
	Status   string `json:"status"`
	Database bool   `json:"database"`
	Engine   bool   `json:"engine"`
	Uptime   string `json:"uptime"`
}

func toExecuteResponse(r *engine.Result) ExecuteResponse {
	return ExecuteResponse{
		ID:           r.JobID,
		Outcome:      string(r.Outcome),
		Stdout:       r.Stdout,
		Stderr:       r.Stderr,
		ExitCode:     r.ExitCode,
		Elapsed:      r.Elapsed.String(),
		PeakMemoryMB: r.PeakMemoryMB,
		Findings:     r.Findings,
	}
}
