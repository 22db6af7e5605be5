package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"codegate/internal/runtime"
	"codegate/pkg/seccomp"
)

// DockerRunner is the Docker-based isolation backend (macOS, or Linux
// without containerd). The snippet runs as nobody in a read-only container
// with no network, all capabilities dropped, and hard cgroup memory/pids
// limits.
type DockerRunner struct {
	runtimes      *runtime.Registry
	dockerHost    string // resolved DOCKER_HOST (e.g. from Docker context)
	wg            sync.WaitGroup
	cancelCleanup context.CancelFunc
}

func NewDockerRunner() *DockerRunner {
	d := &DockerRunner{
		runtimes:   runtime.NewRegistry(),
		dockerHost: resolveDockerHost(),
	}

	ctx, cancel := context.WithCancel(context.Background())
	d.cancelCleanup = cancel
	go d.orphanCleanupLoop(ctx)

	return d
}

// orphanCleanupLoop periodically kills orphaned job containers that survived
// server crashes.
func (d *DockerRunner) orphanCleanupLoop(ctx context.Context) {
	d.cleanupOrphans()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.cleanupOrphans()
		case <-ctx.Done():
			return
		}
	}
}

func (d *DockerRunner) cleanupOrphans() {
	cmd := exec.Command("docker", "ps", "--filter", "name=codegate-job-", "-q") // #nosec G204 -- no user input
	if d.dockerHost != "" {
		cmd.Env = append(os.Environ(), "DOCKER_HOST="+d.dockerHost)
	}
	out, err := cmd.Output()
	if err != nil {
		return
	}
	for _, id := range strings.Fields(strings.TrimSpace(string(out))) {
		log.Warn().Str("container_id", id).Msg("killing orphaned job container")
		kill := exec.Command("docker", "rm", "-f", id) // #nosec G204 -- id from docker ps
		if d.dockerHost != "" {
			kill.Env = append(os.Environ(), "DOCKER_HOST="+d.dockerHost)
		}
		_ = kill.Run()
	}
}

// resolveDockerHost figures out the Docker socket. On macOS, Docker Desktop
// uses a context-specific socket that child processes don't inherit.
func resolveDockerHost() string {
	if h := os.Getenv("DOCKER_HOST"); h != "" {
		return h
	}

	out, err := exec.Command("docker", "context", "inspect", "--format", "{{.Endpoints.docker.Host}}").Output()
	if err == nil {
		host := strings.TrimSpace(string(out))
		if host != "" {
			log.Debug().Str("docker_host", host).Msg("resolved Docker host from context")
			return host
		}
	}

	return ""
}

func (d *DockerRunner) Run(ctx context.Context, job Job, stdout, stderr io.Writer) (*RunStatus, error) {
	logger := log.With().
		Str("job_id", job.ID).
		Str("language", job.Language).
		Logger()

	rt, err := d.runtimes.Get(job.Language)
	if err != nil {
		return nil, &JobError{JobID: job.ID, Op: "get_runtime", Err: fmt.Errorf("%w: %s", ErrUnsupportedLang, job.Language)}
	}

	d.wg.Add(1)
	defer d.wg.Done()

	hostDir, err := os.MkdirTemp("", "codegate-job-"+job.ID+"-*")
	if err != nil {
		return nil, &JobError{JobID: job.ID, Op: "create_temp_dir", Err: fmt.Errorf("%w: %v", ErrInfrastructure, err)}
	}
	defer os.RemoveAll(hostDir)

	codeFile := filepath.Join(hostDir, "code"+rt.Extension)
	if err := os.WriteFile(codeFile, []byte(job.Source), 0600); err != nil {
		return nil, &JobError{JobID: job.ID, Op: "write_code", Err: fmt.Errorf("%w: %v", ErrInfrastructure, err)}
	}
	if err := os.Chmod(codeFile, 0444); err != nil { // world-readable: container runs as nobody
		return nil, &JobError{JobID: job.ID, Op: "chmod_code", Err: fmt.Errorf("%w: %v", ErrInfrastructure, err)}
	}

	profileJSON, err := seccomp.DockerProfileJSON()
	if err != nil {
		return nil, &JobError{JobID: job.ID, Op: "seccomp_profile", Err: fmt.Errorf("%w: %v", ErrInfrastructure, err)}
	}
	seccompFile := filepath.Join(hostDir, "seccomp.json")
	if err := os.WriteFile(seccompFile, profileJSON, 0600); err != nil {
		return nil, &JobError{JobID: job.ID, Op: "write_seccomp", Err: fmt.Errorf("%w: %v", ErrInfrastructure, err)}
	}

	containerCodePath := "/workspace/code" + rt.Extension
	args := buildDockerArgs(job, rt, codeFile, containerCodePath, seccompFile)

	// Hard external timer: the snippet cannot be trusted to yield, so the
	// deadline kills the docker client process (and --rm reaps the container).
	execCtx, cancel := context.WithTimeout(ctx, job.Limits.MaxWallClock)
	defer cancel()

	start := time.Now()

	cmd := exec.CommandContext(execCtx, "docker", args...) // #nosec G204 -- args built internally by buildDockerArgs, not from raw user input
	if d.dockerHost != "" {
		cmd.Env = append(os.Environ(), "DOCKER_HOST="+d.dockerHost)
	}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	logger.Debug().Msg("starting job container")

	runErr := cmd.Run()
	elapsed := time.Since(start)

	status := &RunStatus{Elapsed: elapsed, PeakMemoryMB: -1} // peak memory not sampled on this backend

	if runErr != nil {
		if execCtx.Err() == context.DeadlineExceeded {
			status.TimedOut = true
			status.TimedOutAt = start.Add(job.Limits.MaxWallClock)
			status.ExitCode = -1
			// Paranoia: CommandContext kills the client, not necessarily
			// the container. Force-remove it by name.
			d.forceRemove(job.ID)
			return status, nil
		}

		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			status.ExitCode = exitErr.ExitCode()
			if status.ExitCode == 137 {
				// SIGKILL from the memory cgroup.
				status.OOMKilled = true
			}
			return status, nil
		}

		return nil, &JobError{JobID: job.ID, Op: "docker_run", Err: fmt.Errorf("%w: %v", ErrInfrastructure, runErr)}
	}

	logger.Debug().
		Int("exit_code", status.ExitCode).
		Dur("elapsed", elapsed).
		Msg("job container finished")

	return status, nil
}

func (d *DockerRunner) forceRemove(jobID string) {
	kill := exec.Command("docker", "rm", "-f", "codegate-job-"+jobID) // #nosec G204 -- job ID is a UUID
	if d.dockerHost != "" {
		kill.Env = append(os.Environ(), "DOCKER_HOST="+d.dockerHost)
	}
	_ = kill.Run()
}

func buildDockerArgs(job Job, rt runtime.Runtime, hostCodeFile, containerCodePath, seccompPath string) []string {
	limits := job.Limits

	args := []string{
		"run", "--rm",
		"--name", "codegate-job-" + job.ID,
		"--network", "none",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--security-opt", "seccomp=" + seccompPath,
		"--read-only",
		"--memory", fmt.Sprintf("%dm", limits.MemoryMB),
		"--memory-swap", fmt.Sprintf("%dm", limits.MemoryMB),
		"--pids-limit", fmt.Sprintf("%d", limits.PidsLimit),
		"--cpus", fmt.Sprintf("%.1f", float64(limits.CPUShares)/1024.0),
		"--tmpfs", fmt.Sprintf("/tmp:rw,nosuid,nodev,size=%d", scratchBytes),
		"-v", fmt.Sprintf("%s:%s:ro", hostCodeFile, containerCodePath),
		"--user", "65534:65534",
		"-e", "HOME=/tmp",
		"-e", "LANG=C.UTF-8",
		"-e", "SANDBOX=true",
	}

	args = append(args, rt.Image)
	args = append(args, rt.Command(containerCodePath)...)

	return args
}

func (d *DockerRunner) Close() error {
	if d.cancelCleanup != nil {
		d.cancelCleanup()
	}

	// Wait up to 30s for active runs to drain.
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Info().Msg("all docker job runs drained")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("timed out waiting for docker job runs to drain")
	}
	return nil
}
