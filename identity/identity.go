// Package identity holds the worker's Ed25519 keypair and signs derived
// fields of completed job results. The engine has no dependency on
// signing succeeding; a worker without a keyfile simply returns unsigned
// results.
package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/hex"
	"encoding/pem"
	"fmt"
	"os"
	"strings"

	"sandrun/entities"
)

type WorkerIdentity struct {
	private ed25519.PrivateKey
	public  ed25519.PublicKey
}

func Generate() (*WorkerIdentity, error) {
	public, private, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("Error generating the worker keypair: %w", err)
	}
	return &WorkerIdentity{private: private, public: public}, nil
}

// FromKeyfile loads a PEM-encoded PKCS#8 Ed25519 private key.
func FromKeyfile(path string) (*WorkerIdentity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("Error reading the keyfile: %w", err)
	}

	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("The keyfile %s contains no PEM block", path)
	}

	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("Error parsing the keyfile: %w", err)
	}

	private, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("The keyfile %s does not hold an Ed25519 key", path)
	}

	return &WorkerIdentity{
		private: private,
		public:  private.Public().(ed25519.PublicKey),
	}, nil
}

func (w *WorkerIdentity) SaveKeyfile(path string) error {
	der, err := x509.MarshalPKCS8PrivateKey(w.private)
	if err != nil {
		return fmt.Errorf("Error encoding the private key: %w", err)
	}

	data := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("Error writing the keyfile: %w", err)
	}
	return nil
}

// PublicKey returns the base64-encoded 32-byte public key.
func (w *WorkerIdentity) PublicKey() string {
	return base64.StdEncoding.EncodeToString(w.public)
}

// Sign returns the base64-encoded signature over data.
func (w *WorkerIdentity) Sign(data []byte) string {
	return base64.StdEncoding.EncodeToString(ed25519.Sign(w.private, data))
}

// SignResult signs the canonical digest of a job result's derived fields:
// exit code, resource figures, output hash and artifact hashes. Captured
// output itself is never part of the signed material, only its digest.
func (w *WorkerIdentity) SignResult(result *entities.JobResult) string {
	return w.Sign([]byte(ResultDigest(result)))
}

// Verify checks a base64 signature against a base64 public key.
func Verify(data []byte, signatureB64, publicKeyB64 string) bool {
	signature, err := base64.StdEncoding.DecodeString(signatureB64)
	if err != nil {
		return false
	}
	public, err := base64.StdEncoding.DecodeString(publicKeyB64)
	if err != nil || len(public) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(ed25519.PublicKey(public), data, signature)
}

// ResultDigest builds the canonical signed representation of a result.
func ResultDigest(result *entities.JobResult) string {
	stdoutSum := sha256.Sum256([]byte(result.Stdout))

	var b strings.Builder
	fmt.Fprintf(&b, "%s|%d|%.6f|%d|%s",
		result.JobId,
		result.ExitCode,
		result.CpuSeconds,
		result.MemoryBytes,
		hex.EncodeToString(stdoutSum[:]),
	)
	for _, artifact := range result.Artifacts {
		fmt.Fprintf(&b, "|%s:%s", artifact.Path, artifact.Sha256)
	}
	return b.String()
}
