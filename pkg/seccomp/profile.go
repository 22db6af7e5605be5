// Package seccomp builds the syscall filter applied to every job container.
// The filter is deny-by-default: anything not named below fails with EPERM,
// which lets interpreters degrade gracefully instead of dying on the first
// stray syscall.
package seccomp

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// rule groups syscalls that share one action.
type rule struct {
	action specs.LinuxSeccompAction
	names  []string
}

// Allowed syscall groups, split by concern. The set covers what the python,
// node, and bash runtimes need to start up and run user code. Networking
// syscalls are absent on purpose: jobs run without a network, so socket and
// friends fall through to the EPERM default.
var (
	allowFileIO = []string{
		"read", "write", "readv", "writev", "pread64", "pwrite64",
		"open", "openat", "close", "lseek",
		"stat", "fstat", "lstat", "newfstatat", "statx",
		"access", "faccessat", "faccessat2",
		"dup", "dup2", "dup3",
		"fcntl",
		"poll", "ppoll", "select", "pselect6",
		"pipe", "pipe2",
		"readlink", "readlinkat",
		"getdents64",
		"chmod", "fchmod", "fchmodat",
		"chdir", "fchdir", "getcwd",
		"rename", "renameat", "renameat2",
		"unlink", "unlinkat",
		"mkdir", "mkdirat", "rmdir",
		"symlink", "symlinkat", "link", "linkat",
		"ftruncate", "fallocate",
		"fsync", "fdatasync", "flock",
		"statfs", "fstatfs",
		"memfd_create",
		"copy_file_range",
		"umask",
	}

	allowMemory = []string{
		"brk", "mmap", "munmap", "mprotect", "mremap", "madvise",
	}

	allowProcess = []string{
		"execve", "execveat",
		"exit", "exit_group",
		"wait4", "waitid",
		"clone", "clone3", "vfork",
		"set_tid_address",
		"set_robust_list", "get_robust_list",
		"futex", "gettid", "tgkill",
		"rt_sigaction", "rt_sigprocmask", "rt_sigreturn", "sigaltstack",
	}

	allowClock = []string{
		"clock_gettime", "clock_getres", "gettimeofday",
		"nanosleep", "clock_nanosleep",
	}

	allowIdentity = []string{
		"getpid", "getppid",
		"getuid", "geteuid", "getgid", "getegid",
		"uname", "sysinfo",
		"getrlimit", "prlimit64",
	}

	allowEventLoop = []string{
		"epoll_create1", "epoll_ctl", "epoll_wait", "epoll_pwait",
		"eventfd2",
	}

	allowRuntimeSetup = []string{
		"getrandom", "arch_prctl", "prctl", "ioctl",
	}

	// Introspection and kernel-surface syscalls trap with SIGSYS so an
	// escape attempt leaves a loud signal rather than a quiet EPERM.
	trapIntrospection = []string{
		"ptrace",
		"process_vm_readv", "process_vm_writev",
		"keyctl", "add_key", "request_key",
		"bpf",
		"perf_event_open",
		"userfaultfd",
		"kexec_load", "kexec_file_load",
		"init_module", "finit_module", "delete_module",
	}

	// Host-control syscalls are denied outright.
	denyHostControl = []string{
		"mount", "umount2", "pivot_root",
		"reboot",
		"swapon", "swapoff",
		"sethostname", "setdomainname",
		"setns", "unshare",
		"acct",
		"settimeofday", "adjtimex", "clock_adjtime",
		"nfsservctl",
		"personality",
		"lookup_dcookie",
		"ioperm", "iopl",
	}
)

var profileRules = []rule{
	{specs.ActAllow, allowFileIO},
	{specs.ActAllow, allowMemory},
	{specs.ActAllow, allowProcess},
	{specs.ActAllow, allowClock},
	{specs.ActAllow, allowIdentity},
	{specs.ActAllow, allowEventLoop},
	{specs.ActAllow, allowRuntimeSetup},
	{specs.ActTrap, trapIntrospection},
	{specs.ActErrno, denyHostControl},
}

// DefaultProfile returns the filter applied to every job container.
func DefaultProfile() *specs.LinuxSeccomp {
	p := &specs.LinuxSeccomp{
		DefaultAction: specs.ActErrno,
		Architectures: []specs.Arch{
			specs.ArchX86_64,
			specs.ArchAARCH64,
		},
	}
	for _, r := range profileRules {
		p.Syscalls = append(p.Syscalls, specs.LinuxSyscall{
			Names:  r.names,
			Action: r.action,
		})
	}
	return p
}
