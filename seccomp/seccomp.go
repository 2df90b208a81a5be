// Package seccomp builds and installs the default-deny syscall policy
// confining sandboxed interpreters. Any syscall outside the allow-list
// kills the process; the supervisor observes this as a signal-terminated
// exit.
package seccomp

import (
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
	seccomp "github.com/elastic/go-seccomp-bpf"
)

// Enough for the supported interpreters to start, allocate memory, work
// with files and pipes, manage threads and exit. Grouped by concern, merged
// and deduplicated in AllowedSyscalls.
var (
	processSyscalls = []string{
		"execve", "exit", "exit_group", "wait4",
		"getpid", "gettid", "getppid", "getpgrp", "getsid",
		"getuid", "getgid", "geteuid", "getegid",
		"clone", "clone3", "arch_prctl",
		"set_tid_address", "set_robust_list", "rseq",
		"sched_getaffinity", "sched_yield",
		"sysinfo", "uname", "getrusage",
	}

	memorySyscalls = []string{
		"mmap", "mprotect", "munmap", "mremap", "madvise", "brk",
	}

	fileSyscalls = []string{
		"read", "write", "close", "lseek",
		"open", "openat", "openat2",
		"pread64", "pwrite64", "readv", "writev",
		"fstat", "stat", "lstat", "newfstatat", "statx",
		"access", "faccessat", "faccessat2",
		"readlink", "readlinkat", "getcwd", "chdir", "fchdir",
		"getdents64", "mkdir", "mkdirat",
		"rename", "renameat", "unlink", "unlinkat",
		"ftruncate", "fsync", "fdatasync", "umask",
		"fcntl", "ioctl", "dup", "dup2", "dup3",
		"pipe", "pipe2",
	}

	signalSyscalls = []string{
		"rt_sigaction", "rt_sigprocmask", "rt_sigreturn",
		"sigaltstack", "tgkill", "futex",
	}

	pollSyscalls = []string{
		"poll", "ppoll", "select", "pselect6",
		"epoll_create", "epoll_create1", "epoll_ctl",
		"epoll_wait", "epoll_pwait",
		"eventfd", "eventfd2",
	}

	timeSyscalls = []string{
		"clock_gettime", "clock_getres", "gettimeofday",
		"nanosleep", "clock_nanosleep", "getrandom",
	}

	// The child performs namespace, mount and rlimit setup itself before
	// the filter is loaded. These stay on the list so the filter does not
	// retroactively break the completed setup path; the kernel has already
	// dropped the privileges needed to abuse them (no_new_privs is set and
	// capabilities are gone inside the namespaces).
	setupSyscalls = []string{
		"unshare", "mount", "umount2",
		"setrlimit", "getrlimit", "prlimit64",
	}

	// Appended only when the job explicitly allows network access. The
	// default policy omits the whole family, so even a job whose namespace
	// isolation failed to establish cannot open a connection.
	networkSyscalls = []string{
		"socket", "socketpair", "connect", "bind", "listen",
		"accept", "accept4", "shutdown",
		"sendto", "recvfrom", "sendmsg", "recvmsg",
		"getsockname", "getpeername", "setsockopt", "getsockopt",
	}
)

// AllowedSyscalls returns the merged allow-list, sorted for stable filter
// programs.
func AllowedSyscalls(allowNetwork bool) []string {
	set := mapset.NewThreadUnsafeSet[string]()
	for _, group := range [][]string{
		processSyscalls,
		memorySyscalls,
		fileSyscalls,
		signalSyscalls,
		pollSyscalls,
		timeSyscalls,
		setupSyscalls,
	} {
		set.Append(group...)
	}

	if allowNetwork {
		set.Append(networkSyscalls...)
	}

	names := set.ToSlice()
	sort.Strings(names)
	return names
}

// Policy builds the filter policy: kill the process on anything outside
// the allow-list.
func Policy(allowNetwork bool) seccomp.Policy {
	return seccomp.Policy{
		DefaultAction: seccomp.ActionKillProcess,
		Syscalls: []seccomp.SyscallGroup{
			{
				Action: seccomp.ActionAllow,
				Names:  AllowedSyscalls(allowNetwork),
			},
		},
	}
}

// Load installs the policy on the calling thread group. Must be the last
// setup step before exec: once loaded, only allow-listed syscalls survive.
func Load(allowNetwork bool) error {
	return seccomp.LoadFilter(seccomp.Filter{
		NoNewPrivs: true,
		Flag:       seccomp.FilterFlagTSync,
		Policy:     Policy(allowNetwork),
	})
}
