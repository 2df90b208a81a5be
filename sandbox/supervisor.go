package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	"sandrun/entities"
)

// initCommand is the argv[1] that routes a re-exec of ourselves into the
// child-side setup path.
const initCommand = "init"

const namespaceFlags = syscall.CLONE_NEWPID |
	syscall.CLONE_NEWNET |
	syscall.CLONE_NEWNS |
	syscall.CLONE_NEWIPC |
	syscall.CLONE_NEWUTS

type runOutcome struct {
	exitCode    int
	stdout      []byte
	stderr      []byte
	cpuSeconds  float64
	memoryBytes uint64
	wallTime    time.Duration
	timedOut    bool
	degraded    bool
	setupErr    error
}

// supervise starts the confined child, feeds it the setup spec, drains its
// output and enforces the wall-clock deadline. It blocks until the child
// is reaped.
func (s *Sandbox) supervise(ctx context.Context, jobId string, spec entities.ChildSpec, timeout time.Duration) runOutcome {
	var outcome runOutcome

	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		outcome.setupErr = fmt.Errorf("Error creating the stdout pipe: %w", err)
		return outcome
	}
	defer stdoutR.Close()

	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdoutW.Close()
		outcome.setupErr = fmt.Errorf("Error creating the stderr pipe: %w", err)
		return outcome
	}
	defer stderrR.Close()

	specR, specW, err := os.Pipe()
	if err != nil {
		stdoutW.Close()
		stderrW.Close()
		outcome.setupErr = fmt.Errorf("Error creating the spec pipe: %w", err)
		return outcome
	}
	defer specW.Close()

	cmd, degraded, err := s.startChild(stdoutW, stderrW, specR)

	// The child holds duplicates now (or never will); drop our copies so
	// the pipes see EOF when the child side goes away.
	stdoutW.Close()
	stderrW.Close()
	specR.Close()

	if err != nil {
		outcome.setupErr = fmt.Errorf("Error starting the sandbox process: %w", err)
		return outcome
	}
	outcome.degraded = degraded
	spec.DegradedIsolation = degraded

	wallTimeBegin := time.Now()
	pid := cmd.Process.Pid
	s.register(jobId, pid)
	defer s.unregister(jobId)

	if err := json.NewEncoder(specW).Encode(&spec); err != nil {
		logrus.WithError(err).Warn("Error handing the spec to the sandbox child")
	}
	specW.Close()

	deadlineCtx, cancelDeadline := context.WithTimeout(ctx, timeout)
	defer cancelDeadline()

	childDone := make(chan struct{})
	go func() {
		select {
		case <-childDone:
		case <-deadlineCtx.Done():
			// Deadline passed or the caller gave up: the whole process
			// group goes down, not just the direct child.
			_ = unix.Kill(-pid, unix.SIGKILL)
		}
	}()

	var eg errgroup.Group
	eg.Go(func() error {
		outcome.stdout = drainStream(stdoutR)
		return nil
	})
	eg.Go(func() error {
		outcome.stderr = drainStream(stderrR)
		return nil
	})
	_ = eg.Wait()

	waitErr := cmd.Wait()
	close(childDone)

	outcome.wallTime = time.Since(wallTimeBegin)
	outcome.timedOut = errors.Is(deadlineCtx.Err(), context.DeadlineExceeded)

	state := cmd.ProcessState
	if state == nil {
		outcome.setupErr = fmt.Errorf("Error waiting for the sandbox process: %w", waitErr)
		outcome.exitCode = -1
		return outcome
	}

	status := state.Sys().(syscall.WaitStatus)
	switch {
	case status.Exited():
		outcome.exitCode = status.ExitStatus()
	case status.Signaled():
		outcome.exitCode = -int(status.Signal())
	default:
		outcome.exitCode = -1
	}

	if rusage, ok := state.SysUsage().(*syscall.Rusage); ok && rusage != nil {
		outcome.cpuSeconds = timevalSeconds(rusage.Utime) + timevalSeconds(rusage.Stime)
		outcome.memoryBytes = uint64(rusage.Maxrss) * 1024
	}

	return outcome
}

// startChild re-execs ourselves into the init path inside fresh
// namespaces. When namespace creation is denied and the config allows it,
// the child is restarted without the clone flags: seccomp and rlimits
// still bind, and the syscall filter alone still denies network access.
func (s *Sandbox) startChild(stdoutW, stderrW, specR *os.File) (*exec.Cmd, bool, error) {
	flags := namespaceFlags
	if s.config.AllowNetwork {
		flags &^= syscall.CLONE_NEWNET
	}

	cmd := s.childCommand(stdoutW, stderrW, specR, uintptr(flags))
	err := cmd.Start()
	if err == nil {
		return cmd, false, nil
	}

	if !s.config.AllowDegradedIsolation || !isNamespaceDenied(err) {
		return nil, false, err
	}

	logrus.WithError(err).Warn("Namespace isolation unavailable, continuing with seccomp and rlimits only")

	cmd = s.childCommand(stdoutW, stderrW, specR, 0)
	if err := cmd.Start(); err != nil {
		return nil, false, err
	}
	return cmd, true, nil
}

func (s *Sandbox) childCommand(stdoutW, stderrW, specR *os.File, cloneFlags uintptr) *exec.Cmd {
	cmd := exec.Command("/proc/self/exe", initCommand)
	cmd.Stdin = nil
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW
	cmd.ExtraFiles = []*os.File{specR}
	cmd.Env = []string{}
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setpgid:    true,
		Cloneflags: cloneFlags,
	}
	return cmd
}

func isNamespaceDenied(err error) bool {
	return errors.Is(err, unix.EPERM) ||
		errors.Is(err, unix.EACCES) ||
		errors.Is(err, unix.EINVAL) ||
		errors.Is(err, unix.ENOSYS)
}

// drainStream reads a pipe to EOF, keeping at most MaxOutputSize bytes
// plus the truncation marker. Past the cap the stream is still consumed so
// pipe backpressure cannot stall the child, but nothing more is buffered.
func drainStream(r io.Reader) []byte {
	buf := make([]byte, 0, 64*1024)
	chunk := make([]byte, 4096)
	truncated := false

	for {
		n, err := r.Read(chunk)
		if n > 0 && !truncated {
			if len(buf)+n > entities.MaxOutputSize {
				buf = append(buf, chunk[:entities.MaxOutputSize-len(buf)]...)
				buf = append(buf, entities.TruncationMarker...)
				truncated = true
			} else {
				buf = append(buf, chunk[:n]...)
			}
		}
		if err != nil {
			return buf
		}
	}
}

func timevalSeconds(tv syscall.Timeval) float64 {
	return float64(tv.Sec) + float64(tv.Usec)/1e6
}
