package sandbox

import (
	"bytes"
	"os"
	"testing"
)

func TestCreateWorkspaceWritesScriptAndZeroesSource(t *testing.T) {
	code := []byte("print('hello')")
	ws, err := CreateWorkspace("test-create", code)
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	defer ws.Destroy()

	written, err := os.ReadFile(ws.ScriptPath())
	if err != nil {
		t.Fatalf("script missing: %v", err)
	}
	if string(written) != "print('hello')" {
		t.Fatalf("wrong script content: %q", written)
	}

	// The only remaining copy of the source must be the file.
	if !bytes.Equal(code, make([]byte, len(code))) {
		t.Fatalf("source buffer not zeroed: %q", code)
	}
}

func TestDestroyRemovesWorkspace(t *testing.T) {
	ws, err := CreateWorkspace("test-destroy", []byte("echo hi"))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	path := ws.Path()

	ws.Destroy()

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("workspace still present at %s", path)
	}
}

func TestDestroyIsIdempotent(t *testing.T) {
	ws, err := CreateWorkspace("test-idem", []byte("echo hi"))
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	ws.Destroy()
	ws.Destroy()
}
