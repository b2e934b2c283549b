package drivers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

const metaSuffix = ".meta"

// LocalFSDriver stores evidence on local disk. Keys map to paths below BaseDir and the content
// type is kept in a ".meta" sidecar.
type LocalFSDriver struct {
	BaseDir string
}

// NewLocalFSDriver creates the base directory if needed.
func NewLocalFSDriver(baseDir string) (*LocalFSDriver, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &LocalFSDriver{BaseDir: baseDir}, nil
}

// path resolves key below BaseDir and rejects keys escaping it.
func (d *LocalFSDriver) path(key string) (string, error) {
	full := filepath.Join(d.BaseDir, filepath.FromSlash(key))
	rel, err := filepath.Rel(d.BaseDir, full)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("key %q escapes the storage directory", key)
	}
	return full, nil
}

func (d *LocalFSDriver) Save(_ context.Context, key string, body io.Reader, contentType string) error {
	fullPath, err := d.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	file, err := os.Create(fullPath)
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer file.Close()

	if _, err := io.Copy(file, body); err != nil {
		_ = os.Remove(fullPath)
		return fmt.Errorf("failed to save file content: %w", err)
	}

	if err := os.WriteFile(fullPath+metaSuffix, []byte(contentType), 0644); err != nil {
		_ = os.Remove(fullPath)
		return fmt.Errorf("failed to save metadata: %w", err)
	}
	return nil
}

func (d *LocalFSDriver) Get(_ context.Context, key string) (io.ReadCloser, string, error) {
	fullPath, err := d.path(key)
	if err != nil {
		return nil, "", err
	}
	f, err := os.Open(fullPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, "", fmt.Errorf("object %s: %w", key, ErrObjectNotFound)
		}
		return nil, "", err
	}

	contentType := "application/octet-stream"
	if meta, err := os.ReadFile(fullPath + metaSuffix); err == nil {
		contentType = string(meta)
	}
	return f, contentType, nil
}

func (d *LocalFSDriver) Delete(_ context.Context, key string) error {
	fullPath, err := d.path(key)
	if err != nil {
		return err
	}
	_ = os.Remove(fullPath + metaSuffix)
	if err := os.Remove(fullPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// Count walks the directory of prefix; prefixes are expected to end with "/".
func (d *LocalFSDriver) Count(_ context.Context, prefix string) (int, error) {
	dir, err := d.path(prefix)
	if err != nil {
		return 0, err
	}

	count := 0
	err = filepath.WalkDir(dir, func(_ string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !entry.IsDir() && !strings.HasSuffix(entry.Name(), metaSuffix) {
			count++
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count files under %s: %w", prefix, err)
	}
	return count, nil
}
