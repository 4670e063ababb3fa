package build

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
)

// RunOpts describes a single external command invocation
type RunOpts struct {
	// Command is the program and its arguments
	Command []string

	// WorkDir is the absolute directory the command runs in
	WorkDir string

	// Env is the complete child environment. nil inherits the current process environment.
	Env []string

	Stdout io.Writer
	Stderr io.Writer
}

// Executor runs external commands (make, git, bash, the patch tool)
type Executor interface {
	Run(ctx context.Context, opts RunOpts) error
}

// HostExecutor runs commands directly on the host
type HostExecutor struct {
	logger io.Writer
}

// NewHostExecutor creates an executor. logger receives child output when
// RunOpts does not name its own writers; it may be nil.
func NewHostExecutor(logger io.Writer) *HostExecutor {
	return &HostExecutor{logger: logger}
}

// Run executes the command and waits for it. Cancelling ctx kills the child.
func (e *HostExecutor) Run(ctx context.Context, opts RunOpts) error {
	if len(opts.Command) == 0 {
		return fmt.Errorf("no command specified")
	}

	// Resolve the program against the child's PATH, not ours
	name := opts.Command[0]
	if opts.Env != nil && !strings.Contains(name, "/") {
		if resolved, err := lookPathIn(name, envValue(opts.Env, "PATH")); err == nil {
			name = resolved
		}
	}

	cmd := exec.CommandContext(ctx, name, opts.Command[1:]...)
	cmd.Dir = opts.WorkDir
	cmd.Env = opts.Env

	errTail := newTailBuffer(4096)

	out, errOut := opts.Stdout, opts.Stderr
	if out == nil {
		out = e.logger
	}
	if errOut == nil {
		errOut = e.logger
	}

	switch {
	case out != nil && sameWriter(out, errOut):
		// One writer for both streams: os/exec then shares a single pipe,
		// so the child's writes reach it in order from one goroutine
		shared := io.MultiWriter(errTail, out)
		cmd.Stdout = shared
		cmd.Stderr = shared
	default:
		if out != nil {
			cmd.Stdout = out
		}
		if errOut != nil {
			cmd.Stderr = io.MultiWriter(errTail, errOut)
		} else {
			cmd.Stderr = errTail
		}
	}

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s interrupted: %w", opts.Command[0], ctx.Err())
		}
		if tail := strings.TrimSpace(errTail.String()); tail != "" {
			return fmt.Errorf("%s failed: %w\noutput: %s", opts.Command[0], err, tail)
		}
		return fmt.Errorf("%s failed: %w", opts.Command[0], err)
	}

	return nil
}

// sameWriter reports whether a and b are the same writer. Writers of
// non-comparable types are never the same.
func sameWriter(a, b io.Writer) (same bool) {
	defer func() {
		if recover() != nil {
			same = false
		}
	}()
	return a == b
}

// tailBuffer keeps the last max bytes written to it
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = append(b.buf[:0], b.buf[over:]...)
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
