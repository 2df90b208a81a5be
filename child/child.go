// Package child implements the setup that runs inside the re-exec'd
// sandbox process before the interpreter is exec'd. The supervisor starts
// `/proc/self/exe init` already detached into fresh PID, network, mount,
// IPC and UTS namespaces; this package finishes the job in a fixed order:
// mount setup, resource limits, syscall filter, exec.
package child

import (
	"encoding/json"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"sandrun/entities"
	"sandrun/seccomp"
)

// SpecFd is the file descriptor the supervisor passes the ChildSpec on.
const SpecFd = 3

// ExitLaunchFailed is returned by the child whenever setup or exec fails,
// distinguishing "never launched" from interpreter-level failures.
const ExitLaunchFailed = 127

// Run never returns: it either execs the interpreter or exits the process.
func Run() {
	spec, err := readSpec()
	if err != nil {
		fail(err)
	}

	if err := setup(spec); err != nil {
		fail(err)
	}

	// Last step. From here on only allow-listed syscalls survive, and
	// exec is one of them.
	if err := seccomp.Load(spec.AllowNetwork); err != nil {
		fail(fmt.Errorf("loading the syscall filter: %w", err))
	}

	err = unix.Exec(spec.InterpreterPath, spec.Argv, spec.Env)
	fail(fmt.Errorf("exec %s: %w", spec.InterpreterPath, err))
}

func readSpec() (*entities.ChildSpec, error) {
	file := os.NewFile(SpecFd, "childspec")
	if file == nil {
		return nil, fmt.Errorf("missing childspec fd")
	}
	defer file.Close()

	var spec entities.ChildSpec
	if err := json.NewDecoder(file).Decode(&spec); err != nil {
		return nil, fmt.Errorf("decoding the childspec: %w", err)
	}
	return &spec, nil
}

func setup(spec *entities.ChildSpec) error {
	if !spec.DegradedIsolation {
		if err := setupMounts(spec); err != nil {
			return err
		}

		_ = unix.Sethostname([]byte("sandrun"))
	}

	if err := os.Chdir(spec.WorkspacePath); err != nil {
		return fmt.Errorf("entering the workspace: %w", err)
	}

	if err := applyRlimits(spec); err != nil {
		return err
	}

	return nil
}

// setupMounts overlays the workspace with a size-capped tmpfs and rewrites
// the script into it, so nothing the job writes can exceed the cap or land
// on host-visible storage. Requires the private mount namespace.
func setupMounts(spec *entities.ChildSpec) error {
	// Keep mount events from leaking back to the host through a shared
	// peer group.
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("making the mount tree private: %w", err)
	}

	script, err := os.ReadFile(spec.Argv[len(spec.Argv)-1])
	if err != nil {
		return fmt.Errorf("reading the script: %w", err)
	}

	opts := fmt.Sprintf("size=%d", spec.TmpfsSizeBytes)
	if err := unix.Mount("tmpfs", spec.WorkspacePath, "tmpfs", unix.MS_NOSUID|unix.MS_NODEV, opts); err != nil {
		return fmt.Errorf("mounting the workspace tmpfs: %w", err)
	}

	if err := os.WriteFile(spec.Argv[len(spec.Argv)-1], script, 0644); err != nil {
		return fmt.Errorf("placing the script: %w", err)
	}

	return nil
}

func applyRlimits(spec *entities.ChildSpec) error {
	limits := []struct {
		resource int
		soft     uint64
		hard     uint64
	}{
		{unix.RLIMIT_AS, spec.MemoryLimitBytes, spec.MemoryLimitBytes},
		{unix.RLIMIT_CPU, spec.CpuSeconds, spec.CpuSeconds + 1},
		// No core dumps: a dump would resurrect wiped script data.
		{unix.RLIMIT_CORE, 0, 0},
		{unix.RLIMIT_NPROC, entities.MaxProcessesPerJob, entities.MaxProcessesPerJob},
		{unix.RLIMIT_NOFILE, entities.MaxOpenFiles, entities.MaxOpenFiles},
	}

	for _, l := range limits {
		if err := unix.Setrlimit(l.resource, &unix.Rlimit{Cur: l.soft, Max: l.hard}); err != nil {
			return fmt.Errorf("setting rlimit %d: %w", l.resource, err)
		}
	}
	return nil
}

// fail reports a terse reason on stderr and exits. Internal paths are
// deliberately not included; the message ends up in the captured stderr
// of the job.
func fail(err error) {
	fmt.Fprintf(os.Stderr, "sandrun: %v\n", err)
	os.Exit(ExitLaunchFailed)
}
