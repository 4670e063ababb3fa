// Package storage provides the backends kbuild publishes kernel archives to.
package storage

import (
	"context"
	"fmt"
	"io"
	"path"
	"time"
)

// Backend defines the interface for storage backends
type Backend interface {
	// Upload uploads data to storage
	Upload(ctx context.Context, key string, reader io.Reader, size int64, contentType string) error

	// Exists checks if an object exists
	Exists(ctx context.Context, key string) (bool, error)

	// List lists objects with the given prefix
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)

	// Ping checks if the storage is accessible
	Ping(ctx context.Context) error

	// Type returns the storage backend type
	Type() string

	// Location returns a human-readable location description
	Location() string
}

// Presigner is implemented by backends that can hand out time-limited download links
type Presigner interface {
	GetPresignedURL(ctx context.Context, key string, expiry time.Duration) (string, error)
}

// ObjectInfo holds metadata about a storage object
type ObjectInfo struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	ContentType  string    `json:"content_type,omitempty"`
	LastModified time.Time `json:"last_modified"`
}

// Config holds the storage configuration
type Config struct {
	// Type is the storage backend type: "s3" or "local"
	Type string

	// Local storage configuration
	Local LocalConfig

	// S3 storage configuration
	S3 S3Config
}

// DefaultConfig returns a default storage configuration (local filesystem)
func DefaultConfig() Config {
	return Config{
		Type: "local",
		Local: LocalConfig{
			BasePath: "~/.local/share/kbuild/artifacts",
		},
	}
}

// New creates a new storage backend based on configuration
func New(cfg Config) (Backend, error) {
	switch cfg.Type {
	case "s3":
		return NewS3(cfg.S3)
	case "local", "":
		return NewLocal(cfg.Local)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// ArchivePrefix is the key prefix every published archive lives under
const ArchivePrefix = "kernels/"

// ArchiveKey returns the object key of a kernel archive:
// kernels/<device>/<variant>/<name>
func ArchiveKey(device, variant, name string) string {
	return path.Join(ArchivePrefix, device, variant, name)
}

// ContentType returns the content type used when uploading a file of the given name
func ContentType(name string) string {
	switch path.Ext(name) {
	case ".zip":
		return "application/zip"
	case ".xz":
		return "application/x-xz"
	case ".sha256":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}
