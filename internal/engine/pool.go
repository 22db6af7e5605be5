package engine

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"codegate/internal/audit"
	"codegate/internal/monitor"
	"codegate/internal/runtime"
)

// maxSourceBytes caps submitted source size.
const maxSourceBytes = 1 << 20

// resultRetention bounds how many terminal results are kept for lookup.
const resultRetention = 1024

const truncationMarker = "\n... [output truncated]"

// Options configure the execution engine.
type Options struct {
	Workers       int
	QueueDepth    int
	DefaultLimits Limits
}

// Engine runs jobs through a fixed worker pool over an isolation backend.
// Submission beyond the queue depth fails fast with ErrSaturated instead of
// stacking goroutines behind a saturated backend.
type Engine struct {
	backend  Backend
	scanner  *Scanner
	auditor  *audit.Logger
	tracer   *monitor.Tracer
	runtimes *runtime.Registry
	defaults Limits

	queue chan *task

	mu       sync.Mutex
	inflight map[string]struct{}
	results  map[string]*Result
	order    []string // result IDs oldest first, for retention eviction
	closed   bool

	wg sync.WaitGroup
}

type task struct {
	ctx context.Context
	job Job
	// optional live stream destinations, in addition to the buffered capture
	stdout io.Writer
	stderr io.Writer
	out    chan taskResult
}

type taskResult struct {
	result *Result
	err    error
}

// New creates an engine and starts its workers. auditor may be nil.
func New(backend Backend, auditor *audit.Logger, opts Options) *Engine {
	if opts.Workers < 1 {
		opts.Workers = 8
	}
	if opts.QueueDepth < 1 {
		opts.QueueDepth = 4 * opts.Workers
	}
	if opts.DefaultLimits == (Limits{}) {
		opts.DefaultLimits = DefaultLimits()
	}

	e := &Engine{
		backend:  backend,
		scanner:  NewScanner(),
		auditor:  auditor,
		tracer:   monitor.NewTracer(),
		runtimes: runtime.NewRegistry(),
		defaults: opts.DefaultLimits,
		queue:    make(chan *task, opts.QueueDepth),
		inflight: make(map[string]struct{}),
		results:  make(map[string]*Result),
	}

	for range opts.Workers {
		e.wg.Add(1)
		go e.worker()
	}

	log.Info().
		Int("workers", opts.Workers).
		Int("queue_depth", opts.QueueDepth).
		Msg("execution engine started")

	return e
}

// Submit validates, scans, and runs one job, blocking until its terminal
// result. A job that times out, gets OOM-killed, floods its output cap, or
// simply crashes is a Result; errors are reserved for rejected submissions
// and engine faults.
func (e *Engine) Submit(ctx context.Context, job Job) (*Result, error) {
	return e.submit(ctx, job, nil, nil)
}

// SubmitStreaming is Submit with the process streams additionally copied to
// the given writers as they are produced. The writers see at most the output
// cap; the returned Result still carries the buffered capture.
func (e *Engine) SubmitStreaming(ctx context.Context, job Job, stdout, stderr io.Writer) (*Result, error) {
	return e.submit(ctx, job, stdout, stderr)
}

func (e *Engine) submit(ctx context.Context, job Job, stdout, stderr io.Writer) (*Result, error) {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	job.Limits = job.Limits.withDefaults(e.defaults)

	if err := e.validate(job); err != nil {
		return nil, &JobError{JobID: job.ID, Op: "validate", Err: err}
	}

	if err := e.markInFlight(job.ID); err != nil {
		return nil, &JobError{JobID: job.ID, Op: "dedup", Err: err}
	}
	defer e.clearInFlight(job.ID)

	// Pattern scan runs before anything touches a backend. A match is a
	// terminal result with zero elapsed time and no container spend.
	if findings := e.scanner.Scan(job.Source); len(findings) > 0 {
		result := &Result{
			JobID:        job.ID,
			Outcome:      OutcomeRejectedByScan,
			ExitCode:     -1,
			PeakMemoryMB: -1,
			Findings:     findings,
		}
		e.storeResult(result)
		e.record(audit.Event{
			Category:  audit.CategorySecurityViolation,
			Principal: job.Submitter,
			RequestID: job.ID,
			Detail:    fmt.Sprintf("source rejected by scan: %s", findingNames(findings)),
			Severity:  audit.SeverityCritical,
		})
		return result, nil
	}

	t := &task{ctx: ctx, job: job, stdout: stdout, stderr: stderr, out: make(chan taskResult, 1)}

	// Enqueue under the same lock Close holds when closing the channel, so
	// a submission racing shutdown fails instead of sending on a closed
	// channel.
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, &JobError{JobID: job.ID, Op: "enqueue", Err: ErrInfrastructure}
	}
	select {
	case e.queue <- t:
		e.mu.Unlock()
	default:
		e.mu.Unlock()
		return nil, &JobError{JobID: job.ID, Op: "enqueue", Err: ErrSaturated}
	}

	// The worker always delivers, even on caller cancellation: the request
	// context flows into the backend run, so cancellation kills the
	// container and surfaces here as a fast result or error.
	res := <-t.out
	return res.result, res.err
}

// Result returns the stored terminal result for a job ID.
func (e *Engine) Result(id string) (*Result, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.results[id]
	return r, ok
}

// Healthy reports whether the engine is accepting work. It also exposes the
// current queue fill so health checks can flag saturation before it bites.
func (e *Engine) Healthy() (bool, int, int) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	return !closed, len(e.queue), cap(e.queue)
}

// Close drains the workers and shuts down the backend. Jobs already queued
// still run to completion; submissions racing the shutdown fail with
// ErrInfrastructure.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	close(e.queue)
	e.mu.Unlock()

	e.wg.Wait()
	return e.backend.Close()
}

func (e *Engine) validate(job Job) error {
	if strings.TrimSpace(job.Source) == "" {
		return fmt.Errorf("%w: source is empty", ErrInvalidJob)
	}
	if len(job.Source) > maxSourceBytes {
		return fmt.Errorf("%w: source exceeds 1MB limit", ErrInvalidJob)
	}
	if job.Language == "" {
		return fmt.Errorf("%w: language is required", ErrInvalidJob)
	}
	if _, err := e.runtimes.Get(job.Language); err != nil {
		return fmt.Errorf("%w: %s", ErrUnsupportedLang, job.Language)
	}
	return job.Limits.Validate()
}

func (e *Engine) markInFlight(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrInfrastructure
	}
	if _, dup := e.inflight[id]; dup {
		return ErrJobInFlight
	}
	e.inflight[id] = struct{}{}
	return nil
}

func (e *Engine) clearInFlight(id string) {
	e.mu.Lock()
	delete(e.inflight, id)
	e.mu.Unlock()
}

func (e *Engine) worker() {
	defer e.wg.Done()
	for t := range e.queue {
		result, err := e.run(t)
		t.out <- taskResult{result: result, err: err}
	}
}

func (e *Engine) run(t *task) (*Result, error) {
	ctx, job := t.ctx, t.job
	ctx, span := e.tracer.StartSpan(ctx, "execute",
		monitor.AttrJobID.String(job.ID),
		monitor.AttrLanguage.String(job.Language),
		monitor.AttrPrincipal.String(job.Submitter),
	)
	defer span.End()

	e.record(audit.Event{
		Category:  audit.CategoryExecutionStart,
		Principal: job.Submitter,
		RequestID: job.ID,
		Detail:    fmt.Sprintf("language=%s wall_clock=%s memory_mb=%d", job.Language, job.Limits.MaxWallClock, job.Limits.MemoryMB),
		Severity:  audit.SeverityLow,
	})

	var stdoutBuf, stderrBuf bytes.Buffer
	var stdoutDst io.Writer = &stdoutBuf
	var stderrDst io.Writer = &stderrBuf
	if t.stdout != nil {
		stdoutDst = io.MultiWriter(&stdoutBuf, t.stdout)
	}
	if t.stderr != nil {
		stderrDst = io.MultiWriter(&stderrBuf, t.stderr)
	}
	stdoutCap := newCapWriter(stdoutDst, job.Limits.MaxOutputBytes)
	stderrCap := newCapWriter(stderrDst, job.Limits.MaxOutputBytes)

	status, err := e.backend.Run(ctx, job, stdoutCap, stderrCap)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	result := e.resolve(job, status, stdoutBuf, stderrBuf, stdoutCap, stderrCap)
	e.storeResult(result)
	span.SetAttributes(
		monitor.AttrOutcome.String(string(result.Outcome)),
		monitor.AttrExitCode.Int(result.ExitCode),
		monitor.AttrDurationMS.Int64(result.Elapsed.Milliseconds()),
	)

	severity := audit.SeverityLow
	if result.Outcome != OutcomeCompleted {
		severity = audit.SeverityMedium
	}
	e.record(audit.Event{
		Category:  audit.CategoryExecutionResult,
		Principal: job.Submitter,
		RequestID: job.ID,
		Detail:    fmt.Sprintf("outcome=%s exit_code=%d elapsed=%s", result.Outcome, result.ExitCode, result.Elapsed),
		Severity:  severity,
	})

	return result, nil
}

// resolve classifies a finished run. When several ceilings fired during one
// run, the earliest breach names the outcome: a snippet that floods stdout
// and then sits until the timer fires is output-truncated, not timed-out.
func (e *Engine) resolve(job Job, status *RunStatus, stdoutBuf, stderrBuf bytes.Buffer, stdoutCap, stderrCap *capWriter) *Result {
	result := &Result{
		JobID:        job.ID,
		ExitCode:     status.ExitCode,
		Elapsed:      status.Elapsed,
		PeakMemoryMB: status.PeakMemoryMB,
	}

	capBreach := earliestNonZero(stdoutCap.BreachedAt(), stderrCap.BreachedAt())

	outcome := OutcomeCompleted
	var breachAt time.Time

	if !capBreach.IsZero() {
		outcome = OutcomeOutputTruncated
		breachAt = capBreach
	}
	if status.TimedOut && (breachAt.IsZero() || status.TimedOutAt.Before(breachAt)) {
		outcome = OutcomeTimedOut
		breachAt = status.TimedOutAt
	}
	if status.OOMKilled && breachAt.IsZero() {
		// The kernel kill carries no timestamp, so it loses ties against
		// breaches observed while the process was still alive.
		outcome = OutcomeMemoryExceeded
	}

	if outcome == OutcomeCompleted && status.ExitCode != 0 {
		outcome = OutcomeRuntimeError
	}

	result.Outcome = outcome
	result.Stdout = stdoutBuf.String()
	result.Stderr = stderrBuf.String()
	if !stdoutCap.BreachedAt().IsZero() {
		result.Stdout += truncationMarker
	}
	if !stderrCap.BreachedAt().IsZero() {
		result.Stderr += truncationMarker
	}

	return result
}

func (e *Engine) storeResult(r *Result) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.results[r.JobID]; !exists {
		e.order = append(e.order, r.JobID)
	}
	e.results[r.JobID] = r

	for len(e.order) > resultRetention {
		delete(e.results, e.order[0])
		e.order = e.order[1:]
	}
}

func (e *Engine) record(ev audit.Event) {
	if e.auditor == nil {
		return
	}
	e.auditor.Record(ev)
}

func earliestNonZero(a, b time.Time) time.Time {
	switch {
	case a.IsZero():
		return b
	case b.IsZero():
		return a
	case b.Before(a):
		return b
	default:
		return a
	}
}

func findingNames(findings []Finding) string {
	names := make([]string, 0, len(findings))
	for _, f := range findings {
		names = append(names, f.Pattern)
	}
	return strings.Join(names, ",")
}
