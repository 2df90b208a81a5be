package utils

import (
	"os"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

const idAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// InstanceId identifies this process in logs and worker metadata.
var InstanceId = gonanoid.MustGenerate(idAlphabet, 12)

// NewJobId generates an identifier safe to embed in filesystem paths.
func NewJobId() string {
	return gonanoid.MustGenerate(idAlphabet, 21)
}

// Returns true if the specified file exists and is actually a file (not a directory)
func FileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}

// Returns true if the specified directory exists and is actually a directory (not a file)
func DirectoryExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.IsDir()
}
