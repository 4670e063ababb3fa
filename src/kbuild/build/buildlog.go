package build

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/ulikunitz/xz"
)

// buildLog captures child process output for one run segment and is
// compressed once the segment ends
type buildLog struct {
	file   *os.File
	path   string
	writer io.Writer
}

// openBuildLog creates <dir>/<name>.log. Output is also copied to terminal when it is not nil.
func openBuildLog(dir, name string, terminal io.Writer) (*buildLog, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	path := filepath.Join(dir, name+".log")
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create build log: %w", err)
	}

	l := &buildLog{file: file, path: path, writer: file}
	if terminal != nil {
		l.writer = io.MultiWriter(file, terminal)
	}
	return l, nil
}

func (l *buildLog) Write(p []byte) (int, error) {
	return l.writer.Write(p)
}

// Finish closes the log and compresses it to <dir>/<base>.log.xz, removing the plain file.
// It returns the compressed path.
func (l *buildLog) Finish(base string) (string, error) {
	if err := l.file.Close(); err != nil {
		return "", fmt.Errorf("failed to close build log: %w", err)
	}

	dst := filepath.Join(filepath.Dir(l.path), base+".log.xz")
	if err := compressLog(l.path, dst); err != nil {
		return l.path, err
	}
	if err := os.Remove(l.path); err != nil {
		log.Warn("Failed to remove uncompressed build log", "path", l.path, "error", err)
	}
	return dst, nil
}

// compressLog writes an xz-compressed copy of src to dst
func compressLog(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("failed to open build log: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("failed to create compressed log: %w", err)
	}

	xw, err := xz.NewWriter(out)
	if err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("failed to create xz writer: %w", err)
	}

	if _, err := io.Copy(xw, in); err != nil {
		xw.Close()
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("failed to compress build log: %w", err)
	}
	if err := xw.Close(); err != nil {
		out.Close()
		os.Remove(dst)
		return fmt.Errorf("failed to finish xz stream: %w", err)
	}
	return out.Close()
}
