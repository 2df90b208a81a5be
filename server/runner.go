package server

import (
	"context"
	"sync"

	"sandrun/entities"
	"sandrun/proof"
	"sandrun/sandbox"
)

// SandboxRunner executes jobs through the sandbox engine, one engine
// instance per job, and keeps the job-id to engine mapping so external
// cancellation reaches the right process group.
type SandboxRunner struct {
	proofEnabled bool

	mu     sync.Mutex
	active map[string]*sandbox.Sandbox
}

func NewSandboxRunner(proofEnabled bool) *SandboxRunner {
	return &SandboxRunner{
		proofEnabled: proofEnabled,
		active:       map[string]*sandbox.Sandbox{},
	}
}

func (r *SandboxRunner) Run(ctx context.Context, job *Job) RunOutput {
	var output RunOutput

	var generator *proof.Generator
	opts := []sandbox.Option{
		sandbox.WithArtifactSink(func(_ string, archive []byte) {
			output.Archive = archive
		}),
	}
	if r.proofEnabled {
		generator = proof.NewGenerator()
		opts = append(opts, sandbox.WithRecorder(generator))
	}

	sb, err := sandbox.New(job.Config, opts...)
	if err != nil {
		output.Result = entities.JobResult{
			JobId:    job.Id,
			ExitCode: -1,
			Error:    err.Error(),
		}
		return output
	}

	r.mu.Lock()
	r.active[job.Id] = sb
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		delete(r.active, job.Id)
		r.mu.Unlock()
	}()

	output.Result = sb.Execute(ctx, job.Code, job.Id)

	if generator != nil {
		p := generator.GenerateProof(
			[]byte(output.Result.Stdout),
			output.Result.CpuSeconds,
			output.Result.MemoryBytes,
		)
		output.Proof = &p
		output.ProofHash = proof.ProofHash(p)
	}

	return output
}

func (r *SandboxRunner) Cancel(jobId string) bool {
	r.mu.Lock()
	sb, ok := r.active[jobId]
	r.mu.Unlock()
	if !ok {
		return false
	}
	return sb.Kill(jobId)
}
