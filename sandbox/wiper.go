package sandbox

import (
	crand "crypto/rand"
	"fmt"
	"io/fs"
	"math/rand"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
)

const wipeChunkSize = 1024 * 1024

// Wipe overwrites every regular file under path with random bytes and
// syncs it before the caller removes the tree. The workspace is normally
// tmpfs, so this guards against the workspace ever being moved to
// persistent storage rather than against the current layout; callers must
// not be able to tell the difference.
func Wipe(path string) error {
	return filepath.WalkDir(path, func(name string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.Type().IsRegular() {
			return nil
		}

		info, err := entry.Info()
		if err != nil {
			return err
		}
		if info.Size() == 0 {
			return nil
		}

		return overwriteFile(name, info.Size())
	})
}

func overwriteFile(name string, size int64) error {
	file, err := os.OpenFile(name, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("Error opening %s for wiping: %w", name, err)
	}
	defer file.Close()

	chunk := make([]byte, min(size, wipeChunkSize))
	var written int64
	for written < size {
		n := min(size-written, int64(len(chunk)))
		fillRandom(chunk[:n])
		if _, err := file.Write(chunk[:n]); err != nil {
			return fmt.Errorf("Error overwriting %s: %w", name, err)
		}
		written += n
	}

	return file.Sync()
}

// fillRandom sources bytes from crypto/rand, falling back to the
// non-cryptographic generator only when the secure source is unavailable.
func fillRandom(buf []byte) {
	if _, err := crand.Read(buf); err != nil {
		logrus.WithError(err).Warn("Secure random source unavailable, wiping with PRNG bytes")
		for i := range buf {
			buf[i] = byte(rand.Intn(256))
		}
	}
}
