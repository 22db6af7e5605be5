package engine

import (
	"errors"
	"fmt"
)

// Sentinel errors for typed error checking. Timeouts and OOM kills are not
// errors; they surface as Result outcomes.
var (
	ErrInvalidJob      = errors.New("invalid execution job")
	ErrUnsupportedLang = errors.New("unsupported language")
	ErrJobInFlight     = errors.New("job identifier already in flight")
	ErrSaturated       = errors.New("engine saturated")

	// ErrInfrastructure marks engine faults (backend unreachable, container
	// creation failed) as opposed to job outcomes. Callers retry once.
	ErrInfrastructure = errors.New("execution infrastructure fault")
)

// JobError wraps errors with job context.
type JobError struct {
	JobID string
	Op    string // the operation that failed
	Err   error
}

func (e *JobError) Error() string {
	if e.JobID != "" {
		return fmt.Sprintf("job %s: %s: %s", e.JobID, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *JobError) Unwrap() error {
	return e.Err
}

// IsInfrastructure reports whether the error is an engine fault eligible for
// a single retry, rather than a job validation problem.
func IsInfrastructure(err error) bool {
	return errors.Is(err, ErrInfrastructure)
}
