// Package local writes job archives under a directory on the local filesystem.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// Config names the archive directory.
type Config struct {
	BaseDir string
}

// BlobStore implements ingestor.BlobStore on a directory. Every write goes
// through an os.Root, so paths cannot escape BaseDir.
type BlobStore struct {
	baseDir string
}

// New creates BaseDir when missing and fails fast when it is not a writable
// directory.
func New(cfg Config) (*BlobStore, error) {
	dir := strings.TrimSpace(cfg.BaseDir)
	if dir == "" {
		return nil, errors.New("local: base directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("local: create base directory: %w", err)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("local: resolve base directory: %w", err)
	}
	root, err := os.OpenRoot(abs)
	if err != nil {
		return nil, fmt.Errorf("local: open base directory: %w", err)
	}
	defer root.Close()

	probe := ".writable-" + uuid.NewString()
	if err := root.WriteFile(probe, nil, 0o600); err != nil {
		return nil, fmt.Errorf("local: base directory is not writable: %w", err)
	}
	if err := root.Remove(probe); err != nil {
		return nil, fmt.Errorf("local: remove probe file: %w", err)
	}
	return &BlobStore{baseDir: abs}, nil
}

// PutObject writes data to name and returns a file:// URI. Content goes to a
// temporary sibling first and is renamed into place, so readers never see a
// partial archive. The content type is not recorded.
func (s *BlobStore) PutObject(ctx context.Context, name string, _ string, data io.Reader) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", errors.New("local: object path is required")
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("local: %w", err)
	}
	name = path.Clean(strings.TrimLeft(filepath.ToSlash(name), "/"))

	root, err := os.OpenRoot(s.baseDir)
	if err != nil {
		return "", fmt.Errorf("local: open base directory: %w", err)
	}
	defer root.Close()

	if dir := path.Dir(name); dir != "." {
		if err := root.MkdirAll(dir, 0o750); err != nil {
			return "", fmt.Errorf("local: create %s: %w", dir, err)
		}
	}
	tmp := path.Join(path.Dir(name), ".put-"+uuid.NewString())
	if err := writeFile(root, tmp, data); err != nil {
		_ = root.Remove(tmp)
		return "", err
	}
	if err := root.Rename(tmp, name); err != nil {
		_ = root.Remove(tmp)
		return "", fmt.Errorf("local: move %s into place: %w", name, err)
	}
	return "file://" + filepath.Join(s.baseDir, filepath.FromSlash(name)), nil
}

func writeFile(root *os.Root, name string, data io.Reader) error {
	f, err := root.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("local: create %s: %w", name, err)
	}
	if _, err := io.Copy(f, data); err != nil {
		return errors.Join(fmt.Errorf("local: write %s: %w", name, err), f.Close())
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("local: close %s: %w", name, err)
	}
	return nil
}
