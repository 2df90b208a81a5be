package sandbox

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
)

func TestWipeOverwritesFileContents(t *testing.T) {
	dir := t.TempDir()
	payload := bytes.Repeat([]byte("sensitive"), 1000)
	name := filepath.Join(dir, "data.txt")
	if err := os.WriteFile(name, payload, 0644); err != nil {
		t.Fatal(err)
	}

	if err := Wipe(dir); err != nil {
		t.Fatalf("wipe failed: %v", err)
	}

	after, err := os.ReadFile(name)
	if err != nil {
		t.Fatalf("file removed before the caller's RemoveAll: %v", err)
	}
	if len(after) != len(payload) {
		t.Fatalf("wipe changed the file length: %d != %d", len(after), len(payload))
	}
	if bytes.Contains(after, []byte("sensitive")) {
		t.Fatal("original content survived the wipe")
	}
}

func TestWipeHandlesNestedDirectoriesAndEmptyFiles(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "a", "b"), 0755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "a", "b", "deep.bin"), []byte("xyz"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "empty"), nil, 0644); err != nil {
		t.Fatal(err)
	}

	if err := Wipe(dir); err != nil {
		t.Fatalf("wipe failed: %v", err)
	}

	deep, _ := os.ReadFile(filepath.Join(dir, "a", "b", "deep.bin"))
	if string(deep) == "xyz" {
		t.Fatal("nested file not wiped")
	}
}

func TestWipeLargeFileSpansChunks(t *testing.T) {
	dir := t.TempDir()
	payload := bytes.Repeat([]byte{0xAA}, wipeChunkSize+4096)
	name := filepath.Join(dir, "big")
	if err := os.WriteFile(name, payload, 0644); err != nil {
		t.Fatal(err)
	}

	if err := Wipe(dir); err != nil {
		t.Fatalf("wipe failed: %v", err)
	}

	after, _ := os.ReadFile(name)
	if int64(len(after)) != int64(len(payload)) {
		t.Fatalf("length changed: %d", len(after))
	}
	if bytes.Equal(after[wipeChunkSize:], payload[wipeChunkSize:]) {
		t.Fatal("tail past the first chunk not overwritten")
	}
}
