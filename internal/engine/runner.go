package engine

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/containers"
	"github.com/containerd/containerd/errdefs"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog/log"

	"codegate/internal/runtime"
)

// ContainerdRunner is the containerd-based isolation backend.
type ContainerdRunner struct {
	client   *Client
	runtimes *runtime.Registry
	mu       sync.Mutex
	closed   bool
}

func NewContainerdRunner(client *Client) *ContainerdRunner {
	return &ContainerdRunner{
		client:   client,
		runtimes: runtime.NewRegistry(),
	}
}

// Run executes one job in a fresh container. Infrastructure faults come back
// as errors wrapping ErrInfrastructure; snippet behavior (crash, timeout,
// OOM kill) is reported in the RunStatus.
func (r *ContainerdRunner) Run(ctx context.Context, job Job, stdout, stderr io.Writer) (*RunStatus, error) {
	logger := log.With().
		Str("job_id", job.ID).
		Str("language", job.Language).
		Logger()

	rt, err := r.runtimes.Get(job.Language)
	if err != nil {
		return nil, &JobError{JobID: job.ID, Op: "get_runtime", Err: fmt.Errorf("%w: %s", ErrUnsupportedLang, job.Language)}
	}

	hostCodeDir, err := os.MkdirTemp("", "codegate-job-"+job.ID+"-*")
	if err != nil {
		return nil, &JobError{JobID: job.ID, Op: "create_temp_dir", Err: fmt.Errorf("%w: %v", ErrInfrastructure, err)}
	}
	defer os.RemoveAll(hostCodeDir)

	codeFileName := "code" + rt.Extension
	hostCodePath := filepath.Join(hostCodeDir, codeFileName)
	if err := os.WriteFile(hostCodePath, []byte(job.Source), 0600); err != nil {
		return nil, &JobError{JobID: job.ID, Op: "write_code", Err: fmt.Errorf("%w: %v", ErrInfrastructure, err)}
	}
	if err := os.Chmod(hostCodePath, 0444); err != nil { // #nosec G302 -- container runs as nobody (UID 65534)
		return nil, &JobError{JobID: job.ID, Op: "chmod_code", Err: fmt.Errorf("%w: %v", ErrInfrastructure, err)}
	}

	// The wall-clock ceiling covers the run only. Image pull and container
	// setup bill against the caller's context, not the snippet's budget.
	image, err := r.client.PullImage(ctx, rt.Image)
	if err != nil {
		return nil, &JobError{JobID: job.ID, Op: "pull_image", Err: fmt.Errorf("%w: %v", ErrInfrastructure, err)}
	}

	containerID := "codegate-job-" + job.ID
	codePath := "/workspace/" + codeFileName

	container, err := r.createContainer(ctx, containerID, image, rt, codePath, hostCodeDir, job.Limits)
	if err != nil {
		return nil, &JobError{JobID: job.ID, Op: "create_container", Err: fmt.Errorf("%w: %v", ErrInfrastructure, err)}
	}
	defer func() {
		if cleanErr := r.cleanupContainer(context.Background(), container); cleanErr != nil {
			logger.Error().Err(cleanErr).Msg("container cleanup failed")
		}
	}()

	nsCtx := r.client.WithNamespace(ctx)

	task, err := container.NewTask(nsCtx,
		cio.NewCreator(cio.WithStreams(nil, stdout, stderr)),
	)
	if err != nil {
		return nil, &JobError{JobID: job.ID, Op: "create_task", Err: fmt.Errorf("%w: %v", ErrInfrastructure, err)}
	}
	defer func() {
		if _, err := task.Delete(context.Background(), containerd.WithProcessKill); err != nil && !errdefs.IsNotFound(err) {
			logger.Error().Err(err).Msg("task delete failed")
		}
	}()

	exitCh, err := task.Wait(nsCtx)
	if err != nil {
		return nil, &JobError{JobID: job.ID, Op: "task_wait", Err: fmt.Errorf("%w: %v", ErrInfrastructure, err)}
	}

	execCtx, cancel := context.WithTimeout(ctx, job.Limits.MaxWallClock)
	defer cancel()

	start := time.Now()

	if err := task.Start(nsCtx); err != nil {
		return nil, &JobError{JobID: job.ID, Op: "task_start", Err: fmt.Errorf("%w: %v", ErrInfrastructure, err)}
	}

	logger.Debug().Msg("task started")

	status := &RunStatus{PeakMemoryMB: -1} // peak memory not sampled per run

	select {
	case exitStatus := <-exitCh:
		status.Elapsed = time.Since(start)
		status.ExitCode = int(exitStatus.ExitCode())
		if status.ExitCode == 137 {
			// SIGKILL inside the container almost always means the memory
			// cgroup fired. The snippet has no capability to kill itself
			// with anything it didn't raise.
			status.OOMKilled = true
		}

	case <-execCtx.Done():
		breach := time.Now()
		logger.Warn().Msg("job hit wall-clock ceiling, killing task")
		if err := task.Kill(context.Background(), 9); err != nil && !errdefs.IsNotFound(err) {
			logger.Error().Err(err).Msg("failed to kill timed out task")
		}
		<-exitCh

		status.Elapsed = time.Since(start)
		status.ExitCode = -1
		status.TimedOut = true
		status.TimedOutAt = breach
	}

	logger.Debug().
		Int("exit_code", status.ExitCode).
		Dur("elapsed", status.Elapsed).
		Msg("job finished")

	return status, nil
}

func (r *ContainerdRunner) createContainer(
	ctx context.Context,
	id string,
	image containerd.Image,
	rt runtime.Runtime,
	codePath string,
	hostCodeDir string,
	limits Limits,
) (containerd.Container, error) {
	nsCtx := r.client.WithNamespace(ctx)

	container, err := r.client.Raw().NewContainer(nsCtx, id,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(id+"-snapshot", image),
		containerd.WithNewSpec(
			oci.WithImageConfig(image),
			oci.WithProcessArgs(rt.Command(codePath)...),
			oci.WithHostname("codegate"),
			func(_ context.Context, _ oci.Client, _ *containers.Container, s *specs.Spec) error {
				HardenSpec(s)
				ApplyResourceLimits(s, limits)

				s.Mounts = append(s.Mounts, specs.Mount{
					Destination: "/workspace",
					Type:        "bind",
					Source:      hostCodeDir,
					Options:     []string{"rbind", "ro"},
				})

				s.Process.Env = []string{
					"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
					"HOME=/tmp",
					"LANG=C.UTF-8",
					"SANDBOX=true",
				}

				return nil
			},
		),
	)
	if err != nil {
		return nil, fmt.Errorf("creating container: %w", err)
	}

	return container, nil
}

func (r *ContainerdRunner) cleanupContainer(ctx context.Context, container containerd.Container) error {
	if container == nil {
		return nil
	}

	id := container.ID()
	logger := log.With().Str("container_id", id).Logger()

	cleanupCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	cleanupCtx = r.client.WithNamespace(cleanupCtx)

	if task, err := container.Task(cleanupCtx, nil); err == nil {
		if status, err := task.Status(cleanupCtx); err == nil && status.Status != containerd.Stopped {
			logger.Debug().Msg("killing running task")
			_ = task.Kill(cleanupCtx, 9)

			waitCtx, waitCancel := context.WithTimeout(cleanupCtx, 5*time.Second)
			defer waitCancel()
			exitCh, _ := task.Wait(waitCtx)
			if exitCh != nil {
				select {
				case <-exitCh:
				case <-waitCtx.Done():
					logger.Warn().Msg("timed out waiting for task to stop")
				}
			}
		}

		if _, err := task.Delete(cleanupCtx, containerd.WithProcessKill); err != nil {
			if !errdefs.IsNotFound(err) {
				logger.Warn().Err(err).Msg("failed to delete task")
			}
		}
	}

	if err := container.Delete(cleanupCtx, containerd.WithSnapshotCleanup); err != nil {
		if !errdefs.IsNotFound(err) {
			logger.Error().Err(err).Msg("failed to delete container")
			return fmt.Errorf("deleting container %s: %w", id, err)
		}
	}

	logger.Debug().Msg("container cleaned up")
	return nil
}

// CleanupOrphaned removes job containers left over from previous runs.
func (r *ContainerdRunner) CleanupOrphaned(ctx context.Context) (int, error) {
	nsCtx := r.client.WithNamespace(ctx)

	containerList, err := r.client.Raw().Containers(nsCtx)
	if err != nil {
		return 0, fmt.Errorf("listing containers: %w", err)
	}

	var cleaned int
	for _, c := range containerList {
		id := c.ID()
		if !strings.HasPrefix(id, "codegate-job-") {
			continue
		}

		logger := log.With().Str("container_id", id).Logger()
		logger.Info().Msg("cleaning up orphaned job container")

		if err := r.cleanupContainer(ctx, c); err != nil {
			logger.Error().Err(err).Msg("failed to clean orphaned container")
			continue
		}
		cleaned++
	}

	return cleaned, nil
}

func (r *ContainerdRunner) Close() error {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return r.client.Close()
}
