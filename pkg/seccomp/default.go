package seccomp

import (
	specs "github.com/opencontainers/runtime-spec/specs-go"
)

// FileIO covers reads, writes, stat and directory traversal.
func FileIO(b *Builder) *Builder {
	return b.Allow(
		"read", "write", "readv", "writev", "pread64", "pwrite64",
		"open", "openat", "close", "lseek",
		"stat", "fstat", "lstat", "newfstatat",
		"access", "faccessat", "faccessat2",
		"dup", "dup2", "dup3",
		"fcntl",
		"poll", "ppoll", "select", "pselect6",
		"pipe", "pipe2",
		"readlink", "readlinkat",
		"getdents64",
		"chmod", "fchmod", "fchmodat",
		"chdir", "fchdir",
		"rename", "renameat", "renameat2",
		"unlink", "unlinkat",
		"mkdir", "mkdirat",
		"rmdir",
		"symlink", "symlinkat",
		"link", "linkat",
		"ftruncate", "fallocate",
		"fsync", "fdatasync",
		"flock",
		"statfs", "fstatfs", "statx",
		"memfd_create",
		"copy_file_range",
		"umask",
	)
}

// Memory covers heap and mapping management.
func Memory(b *Builder) *Builder {
	return b.Allow(
		"brk", "mmap", "munmap", "mprotect", "mremap",
		"madvise",
	)
}

// Process covers exec, fork and exit used by interpreters and their children.
func Process(b *Builder) *Builder {
	return b.Allow(
		"execve", "execveat",
		"exit", "exit_group",
		"wait4", "waitid",
		"clone", "clone3",
		"vfork",
		"set_tid_address",
		"set_robust_list", "get_robust_list",
		"futex",
		"gettid",
		"tgkill",
		"rt_sigaction", "rt_sigprocmask", "rt_sigreturn",
		"sigaltstack",
	)
}

// Clock covers time queries and sleeps.
func Clock(b *Builder) *Builder {
	return b.Allow(
		"clock_gettime", "clock_getres",
		"gettimeofday",
		"nanosleep", "clock_nanosleep",
	)
}

// Identity covers read-only process and system introspection.
func Identity(b *Builder) *Builder {
	return b.Allow(
		"getpid", "getppid",
		"getuid", "geteuid",
		"getgid", "getegid",
		"uname",
		"getcwd",
		"sysinfo",
		"getrlimit", "prlimit64",
	)
}

// EventLoop covers epoll and eventfd used by node and asyncio.
func EventLoop(b *Builder) *Builder {
	return b.Allow(
		"epoll_create1", "epoll_ctl", "epoll_wait", "epoll_pwait",
		"eventfd2",
	)
}

// Misc covers the remaining syscalls interpreters need at startup.
func Misc(b *Builder) *Builder {
	return b.Allow(
		"getrandom",
		"arch_prctl",
		"prctl",
		"ioctl",
	)
}

// Network permits socket syscalls. Only applied for bridge-mode sandboxes.
func Network(b *Builder) *Builder {
	return b.Allow(
		"socket", "connect", "bind", "listen", "accept", "accept4",
		"sendto", "recvfrom", "sendmsg", "recvmsg",
		"getsockopt", "setsockopt",
		"getsockname", "getpeername",
		"shutdown",
	)
}

// Hostile traps or denies syscalls with no legitimate use inside a sandbox.
func Hostile(b *Builder) *Builder {
	return b.
		Trap(
			"ptrace",
			"process_vm_readv", "process_vm_writev",
			"keyctl",
			"add_key", "request_key",
			"bpf",
			"perf_event_open",
			"userfaultfd",
			"kexec_load", "kexec_file_load",
			"finit_module", "init_module", "delete_module",
		).
		Deny(
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
		)
}

// ExecutionProfile returns the profile applied to every sandbox. Network
// syscalls are only allowed when the sandbox was created in bridge mode.
func ExecutionProfile(networkAllowed bool) *specs.LinuxSeccomp {
	b := NewBuilder().
		Group(FileIO).
		Group(Memory).
		Group(Process).
		Group(Clock).
		Group(Identity).
		Group(EventLoop).
		Group(Misc)
	if networkAllowed {
		b = b.Group(Network)
	}
	return b.Group(Hostile).Build()
}
