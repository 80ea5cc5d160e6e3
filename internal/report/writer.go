// Package report renders loop records and workflow results as markdown and
// writes them to disk safely.
package report

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// Writer writes report files under Dir. Each write holds an exclusive
// "<file>.lock" lock and replaces the file atomically, so concurrent
// processes never see partial reports.
type Writer struct {
	Dir         string
	LockTimeout time.Duration
	RetryDelay  time.Duration
}

// NewWriter creates a Writer rooted at dir.
func NewWriter(dir string) *Writer {
	return &Writer{Dir: dir, LockTimeout: 10 * time.Second, RetryDelay: 50 * time.Millisecond}
}

// Path resolves name against Dir. Absolute names are returned unchanged.
func (w *Writer) Path(name string) string {
	if filepath.IsAbs(name) || w.Dir == "" {
		return name
	}
	return filepath.Join(w.Dir, name)
}

// Write stores data as name and returns the written path.
func (w *Writer) Write(ctx context.Context, name string, data []byte) (string, error) {
	path := w.Path(name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return "", fmt.Errorf("failed to create directory for %s: %w", path, err)
	}

	lockCtx := ctx
	if w.LockTimeout > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, w.LockTimeout)
		defer cancel()
	}
	retry := w.RetryDelay
	if retry <= 0 {
		retry = 50 * time.Millisecond
	}

	lock := flock.New(path + ".lock")
	locked, err := lock.TryLockContext(lockCtx, retry)
	if err != nil {
		return "", fmt.Errorf("failed to acquire lock on %s: %w", path, err)
	}
	if !locked {
		return "", fmt.Errorf("failed to acquire lock on %s", path)
	}
	defer lock.Unlock()

	if err := atomicWrite(path, data); err != nil {
		return "", err
	}
	return path, nil
}

// atomicWrite writes to a temp file in the target directory and renames it
// over path.
func atomicWrite(path string, data []byte) error {
	dir := filepath.Dir(path)
	tempFile, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tempPath := tempFile.Name()

	defer func() {
		if tempFile != nil {
			tempFile.Close()
			os.Remove(tempPath)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		return fmt.Errorf("failed to write to temp file: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync temp file: %w", err)
	}
	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tempPath, 0644); err != nil {
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file to %s: %w", path, err)
	}

	tempFile = nil
	return nil
}
