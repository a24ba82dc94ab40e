package sandbox

import (
	appErr "orbishost/pkg/errors"
)

// SeccompMode selects how the syscall filter treats calls outside the
// allow-list.
type SeccompMode string

const (
	// SeccompDisabled installs no filter.
	SeccompDisabled SeccompMode = "disabled"
	// SeccompLog records disallowed syscalls but lets them through.
	SeccompLog SeccompMode = "log"
	// SeccompStrict kills the worker on a disallowed syscall.
	SeccompStrict SeccompMode = "strict"
)

// SeccompPolicy is the effective filter handed to the worker bootstrap.
// An empty Allowed list means no filtering (logged as such) rather than
// deny-everything, which would kill the worker before it could report.
type SeccompPolicy struct {
	Mode    SeccompMode `yaml:"mode" json:"mode"`
	Allowed []string    `yaml:"allowed" json:"allowed"`
}

// DefaultSeccompPolicy is strict filtering over the essential set.
func DefaultSeccompPolicy() SeccompPolicy {
	return SeccompPolicy{Mode: SeccompStrict, Allowed: DefaultAllowedSyscalls()}
}

// MinimalSeccompPolicy logs everything and blocks nothing.
func MinimalSeccompPolicy() SeccompPolicy {
	return SeccompPolicy{Mode: SeccompLog}
}

// WithSyscalls returns a copy with extra allow-listed syscalls.
// Names on the blocked list are refused outright.
func (p SeccompPolicy) WithSyscalls(extra ...string) (SeccompPolicy, error) {
	if len(extra) == 0 {
		return p, nil
	}
	seen := make(map[string]struct{}, len(p.Allowed)+len(extra))
	merged := make([]string, 0, len(p.Allowed)+len(extra))
	for _, name := range p.Allowed {
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		merged = append(merged, name)
	}
	for _, name := range extra {
		if IsBlockedSyscall(name) {
			return SeccompPolicy{}, appErr.ValidationError("syscalls", "syscall is blocked: "+name)
		}
		if _, ok := seen[name]; ok {
			continue
		}
		seen[name] = struct{}{}
		merged = append(merged, name)
	}
	return SeccompPolicy{Mode: p.Mode, Allowed: merged}, nil
}

// DefaultAllowedSyscalls returns the essential syscall whitelist:
// enough for memory management, file and socket I/O, process control
// and timing, and nothing that reconfigures the machine.
func DefaultAllowedSyscalls() []string {
	return []string{
		"read", "write", "open", "close", "stat", "fstat", "lstat",
		"poll", "lseek", "mmap", "mprotect", "munmap", "brk",
		"rt_sigaction", "rt_sigprocmask", "rt_sigreturn",
		"ioctl", "pread64", "pwrite64", "readv", "writev",
		"access", "pipe", "select", "sched_yield", "mremap",
		"msync", "mincore", "madvise", "dup", "dup2", "pause",
		"nanosleep", "getitimer", "alarm", "setitimer", "getpid",
		"sendfile", "socket", "connect", "accept", "sendto",
		"recvfrom", "sendmsg", "recvmsg", "shutdown", "bind",
		"listen", "getsockname", "getpeername", "socketpair",
		"setsockopt", "getsockopt", "clone", "fork", "vfork",
		"execve", "exit", "wait4", "kill", "uname", "fcntl",
		"flock", "fsync", "fdatasync", "truncate", "ftruncate",
		"getdents", "getcwd", "chdir", "fchdir", "rename",
		"mkdir", "rmdir", "creat", "link", "unlink", "symlink",
		"readlink", "chmod", "fchmod", "chown", "fchown",
		"lchown", "umask", "gettimeofday", "getrlimit", "getrusage",
		"sysinfo", "times", "getuid", "getgid", "setuid", "setgid",
		"geteuid", "getegid", "getppid", "getpgrp", "setsid",
		"getgroups", "setgroups", "sigaltstack", "prctl",
		"arch_prctl", "gettid", "futex", "sched_getaffinity",
		"epoll_create", "epoll_ctl", "epoll_wait", "epoll_pwait",
		"clock_gettime", "clock_getres", "clock_nanosleep",
		"exit_group", "epoll_create1", "dup3", "pipe2",
		"preadv", "pwritev", "getrandom", "memfd_create",
	}
}

// BlockedSyscalls lists syscalls that may never be granted to a
// worker: tracing, kernel module and kexec control, mount table
// manipulation, clock and hostname changes, and raw BPF.
func BlockedSyscalls() []string {
	return []string{
		"ptrace",
		"kexec_load",
		"kexec_file_load",
		"module_init",
		"delete_module",
		"mount",
		"umount",
		"umount2",
		"pivot_root",
		"swapon",
		"swapoff",
		"reboot",
		"sethostname",
		"setdomainname",
		"iopl",
		"ioperm",
		"create_module",
		"init_module",
		"finit_module",
		"query_module",
		"quotactl",
		"nfsservctl",
		"acct",
		"settimeofday",
		"adjtimex",
		"clock_settime",
		"lookup_dcookie",
		"perf_event_open",
		"fanotify_init",
		"kcmp",
		"bpf",
		"userfaultfd",
	}
}

var blockedSyscallSet = func() map[string]struct{} {
	set := make(map[string]struct{})
	for _, name := range BlockedSyscalls() {
		set[name] = struct{}{}
	}
	return set
}()

// IsBlockedSyscall reports whether the syscall may never be allowed.
func IsBlockedSyscall(name string) bool {
	_, ok := blockedSyscallSet[name]
	return ok
}
