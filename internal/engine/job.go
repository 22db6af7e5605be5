package engine

import "time"

// Outcome is the terminal classification of an execution job.
type Outcome string

const (
	OutcomeCompleted       Outcome = "completed"
	OutcomeTimedOut        Outcome = "timed-out"
	OutcomeMemoryExceeded  Outcome = "memory-exceeded"
	OutcomeOutputTruncated Outcome = "output-truncated"
	OutcomeRejectedByScan  Outcome = "rejected-by-scan"
	OutcomeRuntimeError    Outcome = "runtime-error"
)

// Limits are the independently enforced resource ceilings for one job.
type Limits struct {
	MaxWallClock   time.Duration `json:"max_wall_clock"`
	MemoryMB       int64         `json:"memory_mb"`
	CPUShares      int64         `json:"cpu_shares"` // 1024 = 1 CPU core
	PidsLimit      int64         `json:"pids_limit"` // fork bomb protection
	MaxOutputBytes int64         `json:"max_output_bytes"`
}

// Job is one untrusted code submission.
type Job struct {
	ID        string `json:"id"`
	Source    string `json:"source"`
	Language  string `json:"language"`
	Submitter string `json:"submitter"`
	Limits    Limits `json:"limits"`
}

// Result is the immutable terminal record of a job. A failed or timed-out
// job is a normal result, not an error; errors are reserved for engine
// faults.
type Result struct {
	JobID        string        `json:"job_id"`
	Outcome      Outcome       `json:"outcome"`
	Stdout       string        `json:"stdout"`
	Stderr       string        `json:"stderr"`
	ExitCode     int           `json:"exit_code"`
	Elapsed      time.Duration `json:"elapsed"`
	PeakMemoryMB int64         `json:"peak_memory_mb"`

	// Findings is populated only for rejected-by-scan outcomes.
	Findings []Finding `json:"findings,omitempty"`
}
