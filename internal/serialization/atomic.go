package serialization

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// TempSuffix marks in-flight files. Anything ending in it is garbage left by
// an interrupted write and may be removed.
const TempSuffix = ".tmp"

// WriteFile creates path and fills it using fill.
//
// When atomic is true the content is written to a uniquely named temporary
// file in the same directory, synced, and renamed over path, so readers see
// either the old file or the complete new one. On any error the file being
// written is removed: the temporary file, or path itself when not atomic.
func WriteFile(path string, atomic bool, fill func(w *bufio.Writer) error) (err error) {
	target := path
	if atomic {
		target = filepath.Join(filepath.Dir(path),
			fmt.Sprintf(".%s.%s%s", filepath.Base(path), uuid.NewString()[:8], TempSuffix))
	}

	//nolint:gosec // G304: output path is chosen by the caller
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(target)
		}
	}()

	w := bufio.NewWriterSize(f, 1<<16)
	if err = fill(w); err != nil {
		return err
	}
	if err = w.Flush(); err != nil {
		return fmt.Errorf("failed to flush %s: %w", path, err)
	}
	if atomic {
		if err = f.Sync(); err != nil {
			return fmt.Errorf("failed to sync %s: %w", path, err)
		}
	}
	if err = f.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}
	if atomic {
		if err = os.Rename(target, path); err != nil {
			_ = os.Remove(target)
			return fmt.Errorf("failed to commit %s: %w", path, err)
		}
	}
	return nil
}
