// Package logs provides the logging facility for kbuild.
// It supports output to stdout, stderr or systemd journald based on configuration.
package logs

import (
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/charmbracelet/log"
)

// LogOutput defines the output destination for logs
type LogOutput string

const (
	// OutputStdout sends logs to standard output
	OutputStdout LogOutput = "stdout"
	// OutputStderr sends logs to standard error, keeping stdout for listings
	OutputStderr LogOutput = "stderr"
	// OutputJournald sends logs to systemd journald
	OutputJournald LogOutput = "journald"
	// OutputAuto selects stderr
	OutputAuto LogOutput = "auto"
)

// Logger wraps the charm log.Logger with additional configuration
type Logger struct {
	*log.Logger
	output LogOutput
}

// Config holds the configuration for the logger
type Config struct {
	// Output specifies where logs should be sent (stdout, stderr, journald, auto)
	Output LogOutput
	// Level sets the minimum log level (debug, info, warn, error)
	Level string
	// Prefix sets a prefix for all log messages
	Prefix string
	// Writer overrides Output when set
	Writer io.Writer
}

// DefaultConfig returns a default configuration
func DefaultConfig() Config {
	return Config{
		Output: OutputAuto,
		Level:  "info",
	}
}

// journaldAvailable checks if systemd-journald is available on the system
func journaldAvailable() bool {
	if _, err := exec.LookPath("systemd-cat"); err != nil {
		return false
	}
	if _, err := os.Stat("/run/systemd/journal/socket"); err != nil {
		return false
	}
	return true
}

// ParseLevel converts a string level to log.Level
func ParseLevel(level string) log.Level {
	switch strings.ToLower(level) {
	case "debug":
		return log.DebugLevel
	case "info":
		return log.InfoLevel
	case "warn", "warning":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}

// New creates a new Logger with the given configuration
func New(cfg Config) *Logger {
	var writer io.Writer
	var output LogOutput

	switch {
	case cfg.Writer != nil:
		writer = cfg.Writer
		output = cfg.Output
	case cfg.Output == OutputJournald && journaldAvailable():
		writer = newJournaldWriter()
		output = OutputJournald
	case cfg.Output == OutputStdout:
		writer = os.Stdout
		output = OutputStdout
	default:
		// journald requested but unavailable, or auto
		writer = os.Stderr
		output = OutputStderr
	}

	logger := log.NewWithOptions(writer, log.Options{
		Level:           ParseLevel(cfg.Level),
		Prefix:          cfg.Prefix,
		ReportTimestamp: true,
		TimeFormat:      "15:04:05",
	})

	return &Logger{
		Logger: logger,
		output: output,
	}
}

// NewDefault creates a new Logger with default configuration
func NewDefault() *Logger {
	return New(DefaultConfig())
}

// Discard returns a logger that drops everything, for tests
func Discard() *Logger {
	return New(Config{Writer: io.Discard, Level: "error"})
}

// Output returns the current output destination
func (l *Logger) Output() LogOutput {
	return l.output
}

// journaldWriter implements io.Writer for journald
type journaldWriter struct {
	identifier string
}

func newJournaldWriter() *journaldWriter {
	return &journaldWriter{
		identifier: "kbuild",
	}
}

// Write sends one log record through systemd-cat
func (w *journaldWriter) Write(p []byte) (n int, err error) {
	cmd := exec.Command("systemd-cat", "-t", w.identifier)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return os.Stderr.Write(p)
	}

	if err := cmd.Start(); err != nil {
		return os.Stderr.Write(p)
	}

	n, _ = stdin.Write(p)
	stdin.Close()

	// The record was handed over; a non-zero exit from systemd-cat is not ours to report
	_ = cmd.Wait()

	return n, nil
}
