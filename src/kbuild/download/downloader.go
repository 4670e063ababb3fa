// Package download fetches remote files (setup scripts, patch tools) over HTTP.
package download

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bitswalk/kbuild/src/common/logs"
)

var log = logs.NewDefault()

// SetLogger sets the logger for the download package
func SetLogger(l *logs.Logger) {
	if l != nil {
		log = l
	}
}

// DefaultUserAgent is sent with every request
const DefaultUserAgent = "kbuild/1.0"

// ErrChecksumMismatch is returned when the downloaded content does not match the expected digest
var ErrChecksumMismatch = stderrors.New("checksum mismatch")

// Downloader handles the actual download of files
type Downloader struct {
	httpClient *http.Client
	userAgent  string
}

// ProgressCallback is called with download progress updates
type ProgressCallback func(bytesReceived, totalBytes int64)

// Result contains the result of a download operation
type Result struct {
	Path     string
	Checksum string
	Size     int64
	Duration time.Duration
}

// NewDownloader creates a new downloader
func NewDownloader(httpClient *http.Client) *Downloader {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: 5 * time.Minute,
		}
	}
	return &Downloader{
		httpClient: httpClient,
		userAgent:  DefaultUserAgent,
	}
}

// Download fetches url into destPath. The body is written to a temporary file
// next to destPath and renamed into place once complete, so a failed download
// never leaves a truncated file behind. When expectedSHA256 is set, the digest
// must match or ErrChecksumMismatch is returned.
func (d *Downloader) Download(ctx context.Context, url, destPath, expectedSHA256 string, progressCb ProgressCallback) (*Result, error) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("User-Agent", d.userAgent)

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0755); err != nil {
		return nil, fmt.Errorf("failed to create destination directory: %w", err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(destPath), "."+filepath.Base(destPath)+"-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp file: %w", err)
	}
	tempPath := tempFile.Name()
	defer os.Remove(tempPath)
	defer tempFile.Close()

	hash := sha256.New()
	writer := io.MultiWriter(tempFile, hash)

	totalBytes := resp.ContentLength
	var bytesReceived int64
	buf := make([]byte, 32*1024)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := writer.Write(buf[:n]); writeErr != nil {
				return nil, fmt.Errorf("failed to write to temp file: %w", writeErr)
			}
			bytesReceived += int64(n)
			if progressCb != nil {
				progressCb(bytesReceived, totalBytes)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, fmt.Errorf("failed to read response body: %w", readErr)
		}
	}

	checksum := hex.EncodeToString(hash.Sum(nil))
	if expectedSHA256 != "" && !strings.EqualFold(checksum, expectedSHA256) {
		return nil, fmt.Errorf("%w: expected %s, got %s", ErrChecksumMismatch, expectedSHA256, checksum)
	}

	if err := tempFile.Close(); err != nil {
		return nil, fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tempPath, destPath); err != nil {
		return nil, fmt.Errorf("failed to move download into place: %w", err)
	}

	result := &Result{
		Path:     destPath,
		Checksum: checksum,
		Size:     bytesReceived,
		Duration: time.Since(start),
	}

	log.Debug("Download completed", "url", url, "path", destPath, "size", bytesReceived, "sha256", checksum)
	return result, nil
}

// FileChecksum returns the hex SHA256 digest of a local file
func FileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return "", fmt.Errorf("failed to calculate checksum: %w", err)
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}
