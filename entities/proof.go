package entities

import "time"

// ProofOfCompute is the verifiable summary of one job's execution trace,
// produced by a SyscallRecorder implementation. The engine itself only
// forwards it; validation belongs to the consensus subsystem.
type ProofOfCompute struct {
	JobId            string    `json:"job_id"`
	CodeHash         string    `json:"code_hash"`
	OutputHash       string    `json:"output_hash"`
	ExecutionHash    string    `json:"execution_hash"`
	CheckpointHashes []string  `json:"checkpoint_hashes,omitempty"`
	CpuSeconds       float64   `json:"cpu_seconds"`
	MemoryPeakBytes  uint64    `json:"memory_peak_bytes"`
	SyscallCount     uint64    `json:"syscall_count"`
	Timestamp        time.Time `json:"timestamp"`
}
