// Package proof implements the proof-of-compute generator: a hash-chained
// record of a job's execution usable to check that independent workers
// produced consistent results. It satisfies sandbox.SyscallRecorder; the
// engine does not yet drive RecordSyscall from the live seccomp filter, so
// proofs today cover code, output and resource figures plus whatever trace
// entries collaborators feed in.
package proof

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"sandrun/entities"
)

const maxTraceLength = 10000

type traceEntry struct {
	number int
	arg1   uint64
	arg2   uint64
}

type Generator struct {
	mu          sync.Mutex
	jobId       string
	codeHash    string
	trace       []traceEntry
	checkpoints []string
	started     time.Time
}

func NewGenerator() *Generator {
	return &Generator{}
}

func (g *Generator) StartRecording(jobId string, code []byte) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.jobId = jobId
	g.codeHash = hashHex(code)
	g.trace = g.trace[:0]
	g.checkpoints = nil
	g.started = time.Now()
}

func (g *Generator) RecordSyscall(number int, arg1, arg2 uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.trace) >= maxTraceLength {
		return
	}
	g.trace = append(g.trace, traceEntry{number: number, arg1: arg1, arg2: arg2})
}

// Checkpoint seals the trace so far into a hash chained onto the previous
// checkpoint, for long-running jobs.
func (g *Generator) Checkpoint() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	previous := ""
	if len(g.checkpoints) > 0 {
		previous = g.checkpoints[len(g.checkpoints)-1]
	}

	sum := hashHex([]byte(previous + g.serializeTrace()))
	g.checkpoints = append(g.checkpoints, sum)
	return sum
}

func (g *Generator) GenerateProof(output []byte, cpuSeconds float64, memoryPeakBytes uint64) entities.ProofOfCompute {
	g.mu.Lock()
	defer g.mu.Unlock()

	return entities.ProofOfCompute{
		JobId:            g.jobId,
		CodeHash:         g.codeHash,
		OutputHash:       hashHex(output),
		ExecutionHash:    hashHex([]byte(g.serializeTrace())),
		CheckpointHashes: append([]string(nil), g.checkpoints...),
		CpuSeconds:       cpuSeconds,
		MemoryPeakBytes:  memoryPeakBytes,
		SyscallCount:     uint64(len(g.trace)),
		Timestamp:        time.Now(),
	}
}

func (g *Generator) serializeTrace() string {
	var b strings.Builder
	for _, entry := range g.trace {
		fmt.Fprintf(&b, "%d:%d:%d\n", entry.number, entry.arg1, entry.arg2)
	}
	return b.String()
}

// ProofHash produces the deterministic digest of a proof, the value that
// gets signed and compared across workers. The timestamp is excluded:
// independent workers never agree on it.
func ProofHash(p entities.ProofOfCompute) string {
	var b strings.Builder
	b.WriteString(p.JobId)
	b.WriteString("|")
	b.WriteString(p.CodeHash)
	b.WriteString("|")
	b.WriteString(p.OutputHash)
	b.WriteString("|")
	b.WriteString(p.ExecutionHash)
	for _, c := range p.CheckpointHashes {
		b.WriteString("|")
		b.WriteString(c)
	}
	fmt.Fprintf(&b, "|%.6f|%d|%d", p.CpuSeconds, p.MemoryPeakBytes, p.SyscallCount)
	return hashHex([]byte(b.String()))
}

// JobHash is the canonical identity of a job definition, shared with the
// pool protocol.
func JobHash(entrypoint string, interpreter entities.Interpreter, environment string, args []string, code []byte) string {
	var b strings.Builder
	b.WriteString(entrypoint)
	b.WriteString("|")
	b.WriteString(string(interpreter))
	b.WriteString("|")
	b.WriteString(environment)
	b.WriteString("|")
	for _, arg := range args {
		b.WriteString(arg)
		b.WriteString("|")
	}
	b.Write(code)
	return hashHex([]byte(b.String()))
}

func hashHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
