package entities

// ChildSpec is the setup payload the supervisor hands to the re-exec'd
// child over an inherited pipe. It carries everything the child needs to
// finish confinement and exec the interpreter; it never contains user
// input besides the workspace path owned by the supervisor.
type ChildSpec struct {
	WorkspacePath    string   `json:"workspace_path"`
	InterpreterPath  string   `json:"interpreter_path"`
	Argv             []string `json:"argv"`
	Env              []string `json:"env"`
	TmpfsSizeBytes   uint64   `json:"tmpfs_size_bytes"`
	MemoryLimitBytes uint64   `json:"memory_limit_bytes"`
	CpuSeconds       uint64   `json:"cpu_seconds"`
	AllowNetwork     bool     `json:"allow_network"`

	// Set by the supervisor when the child was started without namespace
	// isolation; the child then skips the mount setup that requires a
	// private mount namespace.
	DegradedIsolation bool `json:"degraded_isolation"`
}
