package storage

import (
	"context"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/bitswalk/kbuild/src/common/paths"
)

// LocalConfig holds the local filesystem storage configuration
type LocalConfig struct {
	// BasePath is the root directory for published archives
	BasePath string
}

// LocalBackend implements storage on the local filesystem
type LocalBackend struct {
	basePath string
}

// NewLocal creates a new local filesystem storage backend
func NewLocal(cfg LocalConfig) (*LocalBackend, error) {
	basePath := paths.Expand(cfg.BasePath)

	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory %s: %w", basePath, err)
	}

	return &LocalBackend{
		basePath: basePath,
	}, nil
}

// fullPath returns the full filesystem path for a key, confined to basePath
func (b *LocalBackend) fullPath(key string) string {
	cleanKey := filepath.Clean("/" + key)
	return filepath.Join(b.basePath, cleanKey)
}

// ResolvePath returns the absolute filesystem path for a storage key
func (b *LocalBackend) ResolvePath(key string) string {
	return b.fullPath(key)
}

// Upload writes data under basePath. The file is written to a temporary name
// and renamed once complete.
func (b *LocalBackend) Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error {
	fullPath := b.fullPath(key)

	dir := filepath.Dir(fullPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	file, err := os.CreateTemp(dir, "."+filepath.Base(fullPath)+"-*")
	if err != nil {
		return fmt.Errorf("failed to create file in %s: %w", dir, err)
	}
	tmpPath := file.Name()
	defer os.Remove(tmpPath)

	written, err := io.Copy(file, reader)
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("failed to write file %s: %w", fullPath, err)
	}

	if size > 0 && written != size {
		return fmt.Errorf("size mismatch: expected %d bytes, wrote %d bytes", size, written)
	}

	if err := os.Chmod(tmpPath, 0644); err != nil {
		return fmt.Errorf("failed to set permissions on %s: %w", fullPath, err)
	}
	if err := os.Rename(tmpPath, fullPath); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", fullPath, err)
	}

	return nil
}

// Exists checks if a file exists
func (b *LocalBackend) Exists(ctx context.Context, key string) (bool, error) {
	fullPath := b.fullPath(key)
	_, err := os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("failed to stat file %s: %w", fullPath, err)
	}
	return true, nil
}

// List lists files with the given prefix
func (b *LocalBackend) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	var objects []ObjectInfo
	prefix = strings.TrimPrefix(prefix, "/")

	err := filepath.Walk(b.basePath, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			return nil
		}

		relPath, err := filepath.Rel(b.basePath, path)
		if err != nil {
			return nil
		}
		relPath = filepath.ToSlash(relPath)

		if prefix != "" && !strings.HasPrefix(relPath, prefix) {
			return nil
		}

		contentType := mime.TypeByExtension(filepath.Ext(relPath))
		if contentType == "" {
			contentType = ContentType(relPath)
		}

		objects = append(objects, ObjectInfo{
			Key:          relPath,
			Size:         info.Size(),
			ContentType:  contentType,
			LastModified: info.ModTime(),
		})
		return nil
	})
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to list files in %s: %w", b.basePath, err)
	}

	return objects, nil
}

// Ping checks if the storage directory is accessible
func (b *LocalBackend) Ping(ctx context.Context) error {
	if _, err := os.Stat(b.basePath); err != nil {
		return fmt.Errorf("storage directory not accessible: %w", err)
	}
	return nil
}

// Type returns the storage backend type
func (b *LocalBackend) Type() string {
	return "local"
}

// Location returns the base path
func (b *LocalBackend) Location() string {
	return b.basePath
}
