package identity

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"sandrun/entities"
)

func TestSignAndVerifyRoundtrip(t *testing.T) {
	w, err := Generate()
	if err != nil {
		t.Fatal(err)
	}

	data := []byte("attestation payload")
	signature := w.Sign(data)
	if !Verify(data, signature, w.PublicKey()) {
		t.Fatal("signature did not verify against its own key")
	}
	if Verify([]byte("other payload"), signature, w.PublicKey()) {
		t.Fatal("signature verified against different data")
	}

	other, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	if Verify(data, signature, other.PublicKey()) {
		t.Fatal("signature verified against a foreign key")
	}
}

func TestVerifyRejectsMalformedInputs(t *testing.T) {
	w, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	data := []byte("payload")

	if Verify(data, "not-base64!!", w.PublicKey()) {
		t.Fatal("malformed signature accepted")
	}
	if Verify(data, w.Sign(data), "not-base64!!") {
		t.Fatal("malformed public key accepted")
	}
	if Verify(data, w.Sign(data), "c2hvcnQ=") {
		t.Fatal("truncated public key accepted")
	}
}

func TestKeyfileRoundtrip(t *testing.T) {
	w, err := Generate()
	if err != nil {
		t.Fatal(err)
	}

	path := filepath.Join(t.TempDir(), "worker.pem")
	if err := w.SaveKeyfile(path); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Fatalf("keyfile mode %v", info.Mode().Perm())
	}

	loaded, err := FromKeyfile(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.PublicKey() != w.PublicKey() {
		t.Fatal("loaded key differs from the saved one")
	}

	data := []byte("payload")
	if !Verify(data, loaded.Sign(data), w.PublicKey()) {
		t.Fatal("loaded key produces incompatible signatures")
	}
}

func TestFromKeyfileRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.pem")
	if err := os.WriteFile(path, []byte("not a key"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := FromKeyfile(path); err == nil {
		t.Fatal("garbage keyfile accepted")
	}
}

func TestSignResultCoversDerivedFields(t *testing.T) {
	w, err := Generate()
	if err != nil {
		t.Fatal(err)
	}

	result := entities.JobResult{
		JobId:       "job-1",
		Stdout:      "hello\n",
		ExitCode:    0,
		CpuSeconds:  0.25,
		MemoryBytes: 4096,
		Artifacts: []entities.Artifact{
			{Path: "out.txt", Size: 6, Sha256: "aa"},
		},
	}

	signature := w.SignResult(&result)
	if !Verify([]byte(ResultDigest(&result)), signature, w.PublicKey()) {
		t.Fatal("result signature did not verify")
	}

	tampered := result
	tampered.ExitCode = 1
	if Verify([]byte(ResultDigest(&tampered)), signature, w.PublicKey()) {
		t.Fatal("signature survived exit code tampering")
	}
}

func TestResultDigestOmitsRawOutput(t *testing.T) {
	result := entities.JobResult{JobId: "job-2", Stdout: "secret-output"}
	digest := ResultDigest(&result)
	if strings.Contains(digest, "secret-output") {
		t.Fatal("raw stdout leaked into the signed material")
	}
}
