package sandbox

import (
	"archive/tar"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/zstd"

	"sandrun/entities"
)

// CollectArtifacts captures the files a job left in its workspace before
// the wipe destroys them: per-file metadata with content hashes (the
// signer's input) and a zstd-compressed tar of the contents for download.
// The script itself is not an artifact. Collection stops once the combined
// size would exceed MaxJobFilesSize; files are visited in path order so
// the cut-off is deterministic.
func CollectArtifacts(workspacePath string) ([]entities.Artifact, []byte, error) {
	var paths []string
	err := filepath.WalkDir(workspacePath, func(name string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(workspacePath, name)
		if err != nil {
			return err
		}
		if rel == ScriptFileName {
			return nil
		}

		paths = append(paths, rel)
		return nil
	})
	if err != nil {
		return nil, nil, fmt.Errorf("Error walking the workspace: %w", err)
	}
	if len(paths) == 0 {
		return nil, nil, nil
	}

	sort.Strings(paths)

	var archive bytes.Buffer
	compressor, err := zstd.NewWriter(&archive)
	if err != nil {
		return nil, nil, fmt.Errorf("Error creating the artifact compressor: %w", err)
	}
	tarWriter := tar.NewWriter(compressor)

	var (
		artifacts []entities.Artifact
		total     int64
	)
	for _, rel := range paths {
		full := filepath.Join(workspacePath, rel)
		info, err := os.Stat(full)
		if err != nil {
			return nil, nil, fmt.Errorf("Error inspecting artifact %s: %w", rel, err)
		}
		if total+info.Size() > entities.MaxJobFilesSize {
			break
		}
		total += info.Size()

		sum, err := appendArtifact(tarWriter, full, rel, info)
		if err != nil {
			return nil, nil, err
		}

		artifacts = append(artifacts, entities.Artifact{
			Path:   rel,
			Size:   info.Size(),
			Sha256: sum,
		})
	}

	if err := tarWriter.Close(); err != nil {
		return nil, nil, fmt.Errorf("Error finalizing the artifact archive: %w", err)
	}
	if err := compressor.Close(); err != nil {
		return nil, nil, fmt.Errorf("Error finalizing the artifact compressor: %w", err)
	}

	return artifacts, archive.Bytes(), nil
}

func appendArtifact(tw *tar.Writer, full, rel string, info fs.FileInfo) (string, error) {
	file, err := os.Open(full)
	if err != nil {
		return "", fmt.Errorf("Error opening artifact %s: %w", rel, err)
	}
	defer file.Close()

	if err := tw.WriteHeader(&tar.Header{
		Name: rel,
		Mode: 0644,
		Size: info.Size(),
	}); err != nil {
		return "", fmt.Errorf("Error writing the archive header for %s: %w", rel, err)
	}

	digest := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tw, digest), file); err != nil {
		return "", fmt.Errorf("Error archiving artifact %s: %w", rel, err)
	}

	return hex.EncodeToString(digest.Sum(nil)), nil
}
