package sandbox

import "sandrun/entities"

// SyscallRecorder is the hook the proof-of-compute subsystem plugs into.
// RecordSyscall would be driven by a seccomp notify/trace mechanism; the
// engine does not attach it to the live filter today, so implementations
// must not rely on per-syscall callbacks actually firing. The default is
// the no-op recorder.
type SyscallRecorder interface {
	StartRecording(jobId string, code []byte)
	RecordSyscall(number int, arg1, arg2 uint64)
	Checkpoint() string
	GenerateProof(output []byte, cpuSeconds float64, memoryPeakBytes uint64) entities.ProofOfCompute
}

type NoopRecorder struct{}

func (NoopRecorder) StartRecording(string, []byte)     {}
func (NoopRecorder) RecordSyscall(int, uint64, uint64) {}
func (NoopRecorder) Checkpoint() string                { return "" }
func (NoopRecorder) GenerateProof([]byte, float64, uint64) entities.ProofOfCompute {
	return entities.ProofOfCompute{}
}
