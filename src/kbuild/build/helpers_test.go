package build

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/bitswalk/kbuild/src/common/logs"
	"github.com/bitswalk/kbuild/src/kbuild/request"
)

func init() {
	SetLogger(logs.Discard())
}

// recordingExecutor records every invocation and delegates to handle when set
type recordingExecutor struct {
	mu     sync.Mutex
	calls  []RunOpts
	handle func(opts RunOpts) error
}

func (e *recordingExecutor) Run(ctx context.Context, opts RunOpts) error {
	e.mu.Lock()
	e.calls = append(e.calls, opts)
	e.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	if e.handle != nil {
		return e.handle(opts)
	}
	return nil
}

// commands returns each recorded command joined with spaces
func (e *recordingExecutor) commands() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.calls))
	for i, c := range e.calls {
		out[i] = strings.Join(c.Command, " ")
	}
	return out
}

// countPrefix counts recorded commands starting with prefix
func (e *recordingExecutor) countPrefix(prefix string) int {
	n := 0
	for _, c := range e.commands() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// writeFileErr is writeFile for fake executors, which have no *testing.T
func writeFileErr(path, content string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return os.WriteFile(path, []byte(content), 0644)
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("failed to create %s: %v", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

// newTestEnv returns a build environment rooted in a temporary kernel tree
func newTestEnv(t *testing.T) *BuildEnvironment {
	t.Helper()
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "Makefile"), "all:\n")
	writeFile(t, filepath.Join(src, "arch", "arm64", "configs", "alioth_defconfig"), "CONFIG_ARM64=y\n")
	return &BuildEnvironment{
		SourceDir:  src,
		OutputName: "out",
		OutputDir:  filepath.Join(src, "out"),
		Revision:   "1a2b3c4d",
		Env:        []string{"PATH=/usr/bin"},
		Jobs:       4,
	}
}

func newStageContext(t *testing.T, env *BuildEnvironment, req *request.Request, variant request.Variant) *StageContext {
	t.Helper()
	return &StageContext{
		RunID:     "00000000-0000-0000-0000-000000000000",
		Request:   req,
		Variant:   variant,
		Env:       env,
		LogWriter: &strings.Builder{},
	}
}

func noProgress(int, string) {}
