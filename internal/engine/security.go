package engine

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"

	"codegate/pkg/seccomp"
)

// Procfs and sysfs paths hidden from job containers. Masked paths read as
// empty; readonly paths reject writes.
var (
	maskedPaths = []string{
		"/proc/acpi",
		"/proc/kcore",
		"/proc/keys",
		"/proc/latency_stats",
		"/proc/timer_list",
		"/proc/timer_stats",
		"/proc/sched_debug",
		"/proc/scsi",
		"/sys/firmware",
		"/sys/devices/virtual/powercap",
	}
	readonlyPaths = []string{
		"/proc/asound",
		"/proc/bus",
		"/proc/fs",
		"/proc/irq",
		"/proc/sys",
		"/proc/sysrq-trigger",
	}
)

// jobNamespaces gives every job private PID, network, mount, UTS, IPC, and
// user namespaces. The private network namespace has no interfaces, which is
// what cuts the snippet off from the network.
var jobNamespaces = []specs.LinuxNamespace{
	{Type: specs.PIDNamespace},
	{Type: specs.NetworkNamespace},
	{Type: specs.MountNamespace},
	{Type: specs.UTSNamespace},
	{Type: specs.IPCNamespace},
	{Type: specs.UserNamespace},
}

// HardenSpec applies the full isolation posture to a job container spec:
// the deny-by-default seccomp profile, an empty capability set, private
// namespaces, hidden kernel paths, no-new-privileges, a read-only rootfs,
// and the nobody user.
func HardenSpec(s *specs.Spec) {
	if s.Linux == nil {
		s.Linux = &specs.Linux{}
	}
	if s.Process == nil {
		s.Process = &specs.Process{}
	}

	s.Linux.Seccomp = seccomp.DefaultProfile()
	s.Linux.Namespaces = jobNamespaces
	s.Linux.MaskedPaths = maskedPaths
	s.Linux.ReadonlyPaths = readonlyPaths

	none := []string{}
	s.Process.Capabilities = &specs.LinuxCapabilities{
		Bounding:    none,
		Effective:   none,
		Inheritable: none,
		Permitted:   none,
		Ambient:     none,
	}
	s.Process.NoNewPrivileges = true
	s.Process.User = specs.User{UID: 65534, GID: 65534}

	if s.Root != nil {
		s.Root.Readonly = true
	}
}
