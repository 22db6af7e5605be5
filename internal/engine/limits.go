package engine

import (
	"fmt"
	"time"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// tmpfs size for the sandbox /tmp; snippets get scratch space but no
// persistent disk.
const scratchBytes = 64 << 20

// DefaultLimits returns the limits applied when a job specifies none.
func DefaultLimits() Limits {
	return Limits{
		MaxWallClock:   10 * time.Second,
		MemoryMB:       256,
		CPUShares:      512, // 0.5 CPU
		PidsLimit:      50,
		MaxOutputBytes: 64 * 1024,
	}
}

// Validate checks that limits are within the ranges the backends enforce.
func (l Limits) Validate() error {
	if l.MaxWallClock < 100*time.Millisecond || l.MaxWallClock > 5*time.Minute {
		return fmt.Errorf("%w: max_wall_clock must be 100ms-5m, got %s", ErrInvalidJob, l.MaxWallClock)
	}
	if l.MemoryMB < 16 || l.MemoryMB > 2048 {
		return fmt.Errorf("%w: memory_mb must be 16-2048, got %d", ErrInvalidJob, l.MemoryMB)
	}
	if l.CPUShares < 2 || l.CPUShares > 4096 {
		return fmt.Errorf("%w: cpu_shares must be 2-4096, got %d", ErrInvalidJob, l.CPUShares)
	}
	if l.PidsLimit < 5 || l.PidsLimit > 500 {
		return fmt.Errorf("%w: pids_limit must be 5-500, got %d", ErrInvalidJob, l.PidsLimit)
	}
	if l.MaxOutputBytes < 1024 || l.MaxOutputBytes > 8<<20 {
		return fmt.Errorf("%w: max_output_bytes must be 1KB-8MB, got %d", ErrInvalidJob, l.MaxOutputBytes)
	}
	return nil
}

// withDefaults fills zero fields from the configured defaults.
func (l Limits) withDefaults(defaults Limits) Limits {
	if l.MaxWallClock == 0 {
		l.MaxWallClock = defaults.MaxWallClock
	}
	if l.MemoryMB == 0 {
		l.MemoryMB = defaults.MemoryMB
	}
	if l.CPUShares == 0 {
		l.CPUShares = defaults.CPUShares
	}
	if l.PidsLimit == 0 {
		l.PidsLimit = defaults.PidsLimit
	}
	if l.MaxOutputBytes == 0 {
		l.MaxOutputBytes = defaults.MaxOutputBytes
	}
	return l
}

// ApplyResourceLimits writes the job limits into an OCI runtime spec. The
// memory limit is a hard cgroup ceiling (with swap pinned to the same value
// so it cannot be dodged); CPU uses a CFS quota rather than shares so the
// cap holds even on an idle host.
func ApplyResourceLimits(spec *specs.Spec, limits Limits) {
	if spec.Linux == nil {
		spec.Linux = &specs.Linux{}
	}
	if spec.Linux.Resources == nil {
		spec.Linux.Resources = &specs.LinuxResources{}
	}
	if spec.Process == nil {
		spec.Process = &specs.Process{}
	}

	period := uint64(100000) // 100ms in microseconds
	quota := int64(float64(limits.CPUShares) / 1024.0 * float64(period))
	if quota < 1000 {
		quota = 1000 // minimum 1ms
	}

	spec.Linux.Resources.CPU = &specs.LinuxCPU{
		Period: &period,
		Quota:  &quota,
	}

	memoryBytes := limits.MemoryMB * 1024 * 1024
	spec.Linux.Resources.Memory = &specs.LinuxMemory{
		Limit: &memoryBytes,
		Swap:  &memoryBytes,
	}

	spec.Linux.Resources.Pids = &specs.LinuxPids{
		Limit: limits.PidsLimit,
	}

	spec.Mounts = appendIfNotExists(spec.Mounts, specs.Mount{
		Destination: "/tmp",
		Type:        "tmpfs",
		Source:      "tmpfs",
		Options: []string{
			"nosuid", "nodev",
			fmt.Sprintf("size=%d", scratchBytes),
			"mode=1777",
		},
	})

	spec.Process.Rlimits = []specs.POSIXRlimit{
		{Type: "RLIMIT_NOFILE", Hard: 256, Soft: 256},
		{Type: "RLIMIT_NPROC", Hard: safeUint64(limits.PidsLimit), Soft: safeUint64(limits.PidsLimit)},
		{Type: "RLIMIT_FSIZE", Hard: scratchBytes, Soft: scratchBytes},
		{Type: "RLIMIT_CORE", Hard: 0, Soft: 0},
		{Type: "RLIMIT_STACK", Hard: 8388608, Soft: 8388608},
	}
}

func safeUint64(v int64) uint64 {
	if v < 0 {
		return 0
	}
	return uint64(v)
}

func appendIfNotExists(mounts []specs.Mount, m specs.Mount) []specs.Mount {
	for _, existing := range mounts {
		if existing.Destination == m.Destination {
			return mounts
		}
	}
	return append(mounts, m)
}
