package engine

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"runtime"
	"time"

	"github.com/rs/zerolog/log"
)

// RunStatus reports the raw facts of one container run. Outcome resolution
// (first limit breached wins) happens in the pool, which also sees the
// output-cap writers.
type RunStatus struct {
	ExitCode     int
	Elapsed      time.Duration
	PeakMemoryMB int64
	TimedOut     bool      // wall-clock ceiling fired
	TimedOutAt   time.Time // when the timer fired, for first-breach ordering
	OOMKilled    bool      // memory cgroup killed the process
}

// Backend runs one job in an isolated container. stdout/stderr receive the
// process streams as they are produced; the caller caps them. Errors are
// infrastructure faults only; a snippet that crashes, loops, or gets killed
// is a RunStatus, not an error.
type Backend interface {
	Run(ctx context.Context, job Job, stdout, stderr io.Writer) (*RunStatus, error)
	Close() error
}

// BackendConfig selects and configures the isolation backend.
type BackendConfig struct {
	Preference       string // "auto" (default), "containerd", or "docker"
	ContainerdSocket string
	Namespace        string
}

// NewBackend picks the best available backend: containerd on Linux, Docker
// elsewhere.
func NewBackend(ctx context.Context, cfg BackendConfig) (Backend, error) {
	preference := cfg.Preference
	if preference == "" {
		preference = "auto"
	}

	switch preference {
	case "containerd":
		return newContainerdBackend(ctx, cfg)
	case "docker":
		return newDockerBackend()
	case "auto":
		if runtime.GOOS == "linux" {
			backend, err := newContainerdBackend(ctx, cfg)
			if err == nil {
				log.Info().Msg("using containerd backend")
				return backend, nil
			}
			log.Warn().Err(err).Msg("containerd unavailable, trying Docker")
		}

		backend, err := newDockerBackend()
		if err == nil {
			log.Info().Msg("using Docker backend")
			return backend, nil
		}

		return nil, fmt.Errorf("no isolation backend available: install Docker Desktop (macOS/Windows) or containerd (Linux)")
	default:
		return nil, fmt.Errorf("unknown backend %q: must be auto, containerd, or docker", preference)
	}
}

// unavailableBackend fails every run with ErrInfrastructure. It lets the
// server start for health and metrics debugging when no container runtime is
// reachable.
type unavailableBackend struct{ reason error }

// NewUnavailableBackend returns a backend that rejects all work with the
// given startup failure as context.
func NewUnavailableBackend(reason error) Backend {
	return &unavailableBackend{reason: reason}
}

func (b *unavailableBackend) Run(context.Context, Job, io.Writer, io.Writer) (*RunStatus, error) {
	return nil, fmt.Errorf("%w: %v", ErrInfrastructure, b.reason)
}

func (b *unavailableBackend) Close() error { return nil }

func newContainerdBackend(ctx context.Context, cfg BackendConfig) (Backend, error) {
	client, err := NewClient(ctx, cfg.ContainerdSocket, cfg.Namespace)
	if err != nil {
		return nil, err
	}

	runner := NewContainerdRunner(client)

	cleaned, err := runner.CleanupOrphaned(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to cleanup orphaned containers")
	} else if cleaned > 0 {
		log.Info().Int("count", cleaned).Msg("cleaned orphaned containers on startup")
	}

	return runner, nil
}

func newDockerBackend() (Backend, error) {
	if _, err := exec.LookPath("docker"); err != nil {
		return nil, fmt.Errorf("docker not found in PATH: %w", err)
	}

	if err := exec.Command("docker", "info").Run(); err != nil {
		return nil, fmt.Errorf("docker daemon not reachable: %w", err)
	}

	return NewDockerRunner(), nil
}
