package entities

// JobResult is the single value produced by every execute call, including
// calls that failed during setup. Exit code semantics: 0 on success,
// positive for a normal nonzero exit (127 = the interpreter could not be
// launched), negative of the signal number for signal terminations, -1 for
// supervisor-side setup failures.
type JobResult struct {
	JobId       string  `json:"job_id"`
	Stdout      string  `json:"stdout"`
	Stderr      string  `json:"stderr"`
	ExitCode    int     `json:"exit_code"`
	Error       string  `json:"error,omitempty"`
	CpuSeconds  float64 `json:"cpu_seconds"`
	MemoryBytes uint64  `json:"memory_bytes"`
	WallTimeMs  uint64  `json:"wall_time_ms"`
	TimedOut    bool    `json:"timed_out,omitempty"`

	Artifacts []Artifact `json:"artifacts,omitempty"`
}

// Artifact describes one file the job left in its workspace, captured
// before the secure wipe. Contents travel only inside the archive built by
// the artifact collector.
type Artifact struct {
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	Sha256 string `json:"sha256"`
}

// Clear drops captured output and artifact metadata so script data does
// not linger in the result longer than necessary. Buffers holding the raw
// pipe data are zeroed by the supervisor; string fields here can only be
// released for collection.
func (r *JobResult) Clear() {
	r.Stdout = ""
	r.Stderr = ""
	r.Error = ""
	r.Artifacts = nil
}
