// Package sandbox turns an interpreter name and a code blob into an
// isolated, resource-capped, time-bounded OS process and reports what
// happened. Execute is the only entry point collaborators use; admission,
// persistence and retries all live outside this package.
package sandbox

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"

	"sandrun/entities"
)

type Sandbox struct {
	config       entities.SandboxConfig
	recorder     SyscallRecorder
	artifactSink func(jobId string, archive []byte)

	mu      sync.Mutex
	running map[string]int
}

type Option func(*Sandbox)

// WithRecorder attaches a proof-of-compute recorder.
func WithRecorder(r SyscallRecorder) Option {
	return func(s *Sandbox) { s.recorder = r }
}

// WithArtifactSink receives the compressed archive of files the job left
// in its workspace, captured just before the secure wipe.
func WithArtifactSink(sink func(jobId string, archive []byte)) Option {
	return func(s *Sandbox) { s.artifactSink = sink }
}

func New(config entities.SandboxConfig, opts ...Option) (*Sandbox, error) {
	config = config.WithDefaults()
	if !config.Interpreter.Valid() {
		return nil, &entities.UnsupportedInterpreterError{Interpreter: string(config.Interpreter)}
	}

	s := &Sandbox{
		config:   config,
		recorder: NoopRecorder{},
		running:  map[string]int{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Sandbox) Config() entities.SandboxConfig {
	return s.config
}

// Execute runs one already-admitted job. Every failure mode resolves to a
// normally-returned JobResult; callers branch on ExitCode and Error only.
// The workspace never outlives this call.
func (s *Sandbox) Execute(ctx context.Context, code []byte, jobId string) entities.JobResult {
	result := entities.JobResult{JobId: jobId, ExitCode: -1}

	interpreterPath, err := s.config.Interpreter.Path()
	if err != nil {
		result.Error = err.Error()
		return result
	}

	s.recorder.StartRecording(jobId, code)

	workspace, err := CreateWorkspace(jobId, code)
	if err != nil {
		logrus.WithError(err).WithField("job_id", jobId).Error("Error creating the workspace")
		result.Error = "Failed to create workspace"
		return result
	}
	defer workspace.Destroy()

	spec := entities.ChildSpec{
		WorkspacePath:    workspace.Path(),
		InterpreterPath:  interpreterPath,
		Argv:             []string{string(s.config.Interpreter), workspace.ScriptPath()},
		Env:              s.childEnv(workspace.Path()),
		TmpfsSizeBytes:   entities.TmpfsSizeLimit,
		MemoryLimitBytes: s.config.MemoryLimitBytes,
		CpuSeconds:       s.config.CpuSeconds(),
		AllowNetwork:     s.config.AllowNetwork,
	}

	outcome := s.supervise(ctx, jobId, spec, s.config.Timeout())
	if outcome.setupErr != nil {
		logrus.WithError(outcome.setupErr).WithField("job_id", jobId).Error("Error supervising the job")
		result.Error = "Failed to start the sandboxed process"
		return result
	}

	result.ExitCode = outcome.exitCode
	result.Stdout = string(outcome.stdout)
	result.Stderr = string(outcome.stderr)
	result.CpuSeconds = outcome.cpuSeconds
	result.MemoryBytes = outcome.memoryBytes
	result.WallTimeMs = uint64(outcome.wallTime.Milliseconds())
	zero(outcome.stdout)
	zero(outcome.stderr)

	if outcome.timedOut {
		result.TimedOut = true
		result.Error = fmt.Sprintf("Killed: timeout after %ds", s.config.TimeoutSeconds)
	}

	artifacts, archive, err := CollectArtifacts(workspace.Path())
	if err != nil {
		logrus.WithError(err).WithField("job_id", jobId).Warn("Error collecting job artifacts")
	} else {
		result.Artifacts = artifacts
		if s.artifactSink != nil && archive != nil {
			s.artifactSink(jobId, archive)
		}
	}

	return result
}

// Kill delivers SIGKILL to a running job's process group. Returns false
// when the job is not currently running under this sandbox.
func (s *Sandbox) Kill(jobId string) bool {
	s.mu.Lock()
	pid, ok := s.running[jobId]
	s.mu.Unlock()
	if !ok {
		return false
	}
	return unix.Kill(-pid, unix.SIGKILL) == nil
}

func (s *Sandbox) register(jobId string, pid int) {
	s.mu.Lock()
	s.running[jobId] = pid
	s.mu.Unlock()
}

func (s *Sandbox) unregister(jobId string) {
	s.mu.Lock()
	delete(s.running, jobId)
	s.mu.Unlock()
}

// childEnv builds the interpreter environment. GPU settings are forwarded
// as hints only, never enforced here.
func (s *Sandbox) childEnv(workspacePath string) []string {
	env := []string{
		"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
		"HOME=" + workspacePath,
	}
	if s.config.Gpu != nil && s.config.Gpu.Enabled {
		env = append(env,
			fmt.Sprintf("CUDA_VISIBLE_DEVICES=%d", s.config.Gpu.DeviceId),
			fmt.Sprintf("SANDRUN_GPU_MEMORY_LIMIT=%d", s.config.Gpu.MemoryLimitBytes),
		)
	}
	return env
}

func zero(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}
