package sandbox

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"sandrun/utils"
)

// ScriptFileName is the fixed name the job's source is written under.
const ScriptFileName = "script"

// Workspace is the disposable scratch directory owned by exactly one job.
// It is created at the start of execute and destroyed at the end, no
// matter how the job went.
type Workspace struct {
	path string
}

// workspaceRoot prefers /dev/shm so the workspace is RAM-backed even when
// the child cannot mount its own tmpfs.
func workspaceRoot() string {
	return lo.Ternary(utils.DirectoryExists("/dev/shm"), "/dev/shm", os.TempDir())
}

// CreateWorkspace makes the scratch directory and writes the job's source
// into it. The in-memory copy of the source is zeroed after the write; the
// file in the workspace is the only remaining copy.
func CreateWorkspace(jobId string, code []byte) (*Workspace, error) {
	path := filepath.Join(workspaceRoot(), "job_"+jobId)
	if err := os.MkdirAll(path, 0700); err != nil {
		return nil, fmt.Errorf("Error creating the workspace directory: %w", err)
	}

	err := os.WriteFile(filepath.Join(path, ScriptFileName), code, 0644)
	for i := range code {
		code[i] = 0
	}
	if err != nil {
		_ = os.RemoveAll(path)
		return nil, fmt.Errorf("Error writing the script: %w", err)
	}

	return &Workspace{path: path}, nil
}

func (w *Workspace) Path() string {
	return w.path
}

func (w *Workspace) ScriptPath() string {
	return filepath.Join(w.path, ScriptFileName)
}

// Destroy wipes and removes the workspace. Idempotent, and always succeeds
// from the caller's point of view: the job is already over, so wipe errors
// are logged rather than propagated.
func (w *Workspace) Destroy() {
	if w.path == "" {
		return
	}

	if err := Wipe(w.path); err != nil {
		logrus.WithError(err).WithField("path", w.path).Warn("Error wiping the workspace")
	}

	if err := os.RemoveAll(w.path); err != nil {
		logrus.WithError(err).WithField("path", w.path).Warn("Error removing the workspace")
	}

	w.path = ""
}
