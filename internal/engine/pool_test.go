package engine

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// fakeBackend scripts backend behavior for pool tests.
type fakeBackend struct {
	runs atomic.Int64
	run  func(ctx context.Context, job Job, stdout, stderr io.Writer) (*RunStatus, error)
}

func (f *fakeBackend) Run(ctx context.Context, job Job, stdout, stderr io.Writer) (*RunStatus, error) {
	f.runs.Add(1)
	return f.run(ctx, job, stdout, stderr)
}

func (f *fakeBackend) Close() error { return nil }

func okBackend(output string) *fakeBackend {
	b := &fakeBackend{}
	b.run = func(_ context.Context, _ Job, stdout, _ io.Writer) (*RunStatus, error) {
		if _, err := io.WriteString(stdout, output); err != nil {
			return nil, err
		}
		return &RunStatus{ExitCode: 0, Elapsed: 5 * time.Millisecond, PeakMemoryMB: -1}, nil
	}
	return b
}

func testJob(source string) Job {
	return Job{
		ID:        "job-1",
		Source:    source,
		Language:  "python",
		Submitter: "alice@example.com",
	}
}

func TestSubmit_Completed(t *testing.T) {
	backend := okBackend("hello\n")
	e := New(backend, nil, Options{Workers: 2})
	defer e.Close()

	result, err := e.Submit(context.Background(), testJob("print('hello')"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result.Outcome != OutcomeCompleted {
		t.Errorf("Outcome = %s, want completed", result.Outcome)
	}
	if result.Stdout != "hello\n" {
		t.Errorf("Stdout = %q", result.Stdout)
	}
	if result.ExitCode != 0 {
		t.Errorf("ExitCode = %d, want 0", result.ExitCode)
	}
}

func TestSubmit_RuntimeError(t *testing.T) {
	backend := &fakeBackend{}
	backend.run = func(_ context.Context, _ Job, _, stderr io.Writer) (*RunStatus, error) {
		io.WriteString(stderr, "Traceback (most recent call last):\n")
		return &RunStatus{ExitCode: 1, Elapsed: time.Millisecond, PeakMemoryMB: -1}, nil
	}
	e := New(backend, nil, Options{Workers: 1})
	defer e.Close()

	result, err := e.Submit(context.Background(), testJob("raise ValueError()"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result.Outcome != OutcomeRuntimeError {
		t.Errorf("Outcome = %s, want runtime-error", result.Outcome)
	}
	if !strings.Contains(result.Stderr, "Traceback") {
		t.Errorf("Stderr = %q, want traceback preserved", result.Stderr)
	}
}

func TestSubmit_TimedOut(t *testing.T) {
	backend := &fakeBackend{}
	backend.run = func(_ context.Context, job Job, _, _ io.Writer) (*RunStatus, error) {
		return &RunStatus{
			ExitCode:     -1,
			Elapsed:      job.Limits.MaxWallClock,
			PeakMemoryMB: -1,
			TimedOut:     true,
			TimedOutAt:   time.Now(),
		}, nil
	}
	e := New(backend, nil, Options{Workers: 1})
	defer e.Close()

	result, err := e.Submit(context.Background(), testJob("while True: pass"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result.Outcome != OutcomeTimedOut {
		t.Errorf("Outcome = %s, want timed-out", result.Outcome)
	}
}

func TestSubmit_MemoryExceeded(t *testing.T) {
	backend := &fakeBackend{}
	backend.run = func(_ context.Context, _ Job, _, _ io.Writer) (*RunStatus, error) {
		return &RunStatus{ExitCode: 137, Elapsed: 80 * time.Millisecond, PeakMemoryMB: -1, OOMKilled: true}, nil
	}
	e := New(backend, nil, Options{Workers: 1})
	defer e.Close()

	result, err := e.Submit(context.Background(), testJob("x = 'a' * (10**10)"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result.Outcome != OutcomeMemoryExceeded {
		t.Errorf("Outcome = %s, want memory-exceeded", result.Outcome)
	}
}

func TestSubmit_OutputTruncated(t *testing.T) {
	flood := strings.Repeat("y", 4096)
	backend := okBackend(flood)
	e := New(backend, nil, Options{Workers: 1})
	defer e.Close()

	job := testJob("print('y' * 4096)")
	job.Limits = DefaultLimits()
	job.Limits.MaxOutputBytes = 1024

	result, err := e.Submit(context.Background(), job)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result.Outcome != OutcomeOutputTruncated {
		t.Errorf("Outcome = %s, want output-truncated", result.Outcome)
	}
	if !strings.HasSuffix(result.Stdout, truncationMarker) {
		t.Error("truncation marker missing from Stdout")
	}
	if len(result.Stdout) != 1024+len(truncationMarker) {
		t.Errorf("retained %d bytes, want 1024 plus marker", len(result.Stdout))
	}
}

func TestSubmit_FirstBreachWins(t *testing.T) {
	// The output cap breaches while the process is running; the wall-clock
	// timer fires afterward. The earlier breach names the outcome.
	backend := &fakeBackend{}
	backend.run = func(_ context.Context, _ Job, stdout, _ io.Writer) (*RunStatus, error) {
		io.WriteString(stdout, strings.Repeat("z", 4096))
		return &RunStatus{
			ExitCode:     -1,
			Elapsed:      time.Second,
			PeakMemoryMB: -1,
			TimedOut:     true,
			TimedOutAt:   time.Now().Add(time.Second),
		}, nil
	}
	e := New(backend, nil, Options{Workers: 1})
	defer e.Close()

	job := testJob("flood then spin")
	job.Limits = DefaultLimits()
	job.Limits.MaxOutputBytes = 1024

	result, err := e.Submit(context.Background(), job)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result.Outcome != OutcomeOutputTruncated {
		t.Errorf("Outcome = %s, want output-truncated (earliest breach)", result.Outcome)
	}
}

func TestSubmit_ScanRejectsWithoutBackendCall(t *testing.T) {
	backend := okBackend("never runs")
	e := New(backend, nil, Options{Workers: 1})
	defer e.Close()

	result, err := e.Submit(context.Background(), testJob("import subprocess\nsubprocess.run(['id'])"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result.Outcome != OutcomeRejectedByScan {
		t.Errorf("Outcome = %s, want rejected-by-scan", result.Outcome)
	}
	if result.Elapsed != 0 {
		t.Errorf("Elapsed = %s, want zero for scan rejection", result.Elapsed)
	}
	if len(result.Findings) == 0 {
		t.Error("Findings empty on scan rejection")
	}
	if backend.runs.Load() != 0 {
		t.Errorf("backend invoked %d times, want 0", backend.runs.Load())
	}
}

func TestSubmit_ValidationErrors(t *testing.T) {
	e := New(okBackend(""), nil, Options{Workers: 1})
	defer e.Close()

	tests := []struct {
		name string
		job  Job
	}{
		{"empty source", Job{ID: "a", Language: "python"}},
		{"missing language", Job{ID: "b", Source: "print(1)"}},
		{"oversized source", Job{ID: "c", Source: strings.Repeat("#", maxSourceBytes+1), Language: "python"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := e.Submit(context.Background(), tt.job); !errors.Is(err, ErrInvalidJob) {
				t.Errorf("err = %v, want ErrInvalidJob", err)
			}
		})
	}
}

func TestSubmit_UnsupportedLanguage(t *testing.T) {
	e := New(okBackend(""), nil, Options{Workers: 1})
	defer e.Close()

	_, err := e.Submit(context.Background(), Job{ID: "a", Source: "x", Language: "cobol"})
	if !errors.Is(err, ErrUnsupportedLang) {
		t.Errorf("err = %v, want ErrUnsupportedLang", err)
	}
}

func TestSubmit_DuplicateJobID(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	backend := &fakeBackend{}
	backend.run = func(_ context.Context, _ Job, _, _ io.Writer) (*RunStatus, error) {
		close(started)
		<-release
		return &RunStatus{ExitCode: 0, PeakMemoryMB: -1}, nil
	}
	e := New(backend, nil, Options{Workers: 2})
	defer e.Close()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if _, err := e.Submit(context.Background(), testJob("sleep")); err != nil {
			t.Errorf("first Submit: %v", err)
		}
	}()
	<-started

	_, err := e.Submit(context.Background(), testJob("sleep"))
	if !errors.Is(err, ErrJobInFlight) {
		t.Errorf("err = %v, want ErrJobInFlight", err)
	}

	close(release)
	wg.Wait()
}

func TestSubmit_Saturation(t *testing.T) {
	release := make(chan struct{})
	var startedOnce sync.Once
	started := make(chan struct{})
	backend := &fakeBackend{}
	backend.run = func(_ context.Context, _ Job, _, _ io.Writer) (*RunStatus, error) {
		startedOnce.Do(func() { close(started) })
		<-release
		return &RunStatus{ExitCode: 0, PeakMemoryMB: -1}, nil
	}
	e := New(backend, nil, Options{Workers: 1, QueueDepth: 1})
	defer e.Close()

	var wg sync.WaitGroup
	submit := func(id string) {
		defer wg.Done()
		job := testJob("sleep")
		job.ID = id
		e.Submit(context.Background(), job)
	}

	// One job occupies the worker, one fills the queue slot.
	wg.Add(1)
	go submit("running")
	<-started
	wg.Add(1)
	go submit("queued")

	deadline := time.Now().Add(time.Second)
	for len(e.queue) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if len(e.queue) == 0 {
		t.Fatal("queue slot never filled")
	}

	job := testJob("sleep")
	job.ID = "rejected"
	_, err := e.Submit(context.Background(), job)
	if !errors.Is(err, ErrSaturated) {
		t.Errorf("err = %v, want ErrSaturated", err)
	}

	close(release)
	wg.Wait()
}

func TestSubmit_InfrastructureErrorPropagates(t *testing.T) {
	backend := &fakeBackend{}
	backend.run = func(_ context.Context, job Job, _, _ io.Writer) (*RunStatus, error) {
		return nil, &JobError{JobID: job.ID, Op: "create_container", Err: ErrInfrastructure}
	}
	e := New(backend, nil, Options{Workers: 1})
	defer e.Close()

	_, err := e.Submit(context.Background(), testJob("print(1)"))
	if !IsInfrastructure(err) {
		t.Errorf("err = %v, want infrastructure fault", err)
	}
}

func TestSubmit_RacingCloseFailsCleanly(t *testing.T) {
	e := New(okBackend("ok"), nil, Options{Workers: 2, QueueDepth: 4})

	start := make(chan struct{})
	var wg sync.WaitGroup
	for i := range 16 {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			<-start
			job := testJob("print(1)")
			job.ID = "race-" + strings.Repeat("x", n+1)
			_, err := e.Submit(context.Background(), job)
			if err != nil && !IsInfrastructure(err) && !errors.Is(err, ErrSaturated) {
				t.Errorf("Submit during close: %v", err)
			}
		}(i)
	}
	close(start)
	if err := e.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	wg.Wait()
}

func TestResult_Lookup(t *testing.T) {
	e := New(okBackend("out"), nil, Options{Workers: 1})
	defer e.Close()

	submitted, err := e.Submit(context.Background(), testJob("print('out')"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	stored, ok := e.Result(submitted.JobID)
	if !ok {
		t.Fatal("result not stored")
	}
	if stored.Outcome != OutcomeCompleted || stored.Stdout != "out" {
		t.Errorf("stored = %+v", stored)
	}

	if _, ok := e.Result("no-such-job"); ok {
		t.Error("lookup of unknown ID succeeded")
	}
}

func TestSubmit_GeneratesJobID(t *testing.T) {
	e := New(okBackend(""), nil, Options{Workers: 1})
	defer e.Close()

	job := testJob("print(1)")
	job.ID = ""
	result, err := e.Submit(context.Background(), job)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result.JobID == "" {
		t.Error("JobID not generated")
	}
}
