package build

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/bitswalk/kbuild/src/common/errors"
	"github.com/bitswalk/kbuild/src/common/paths"
	"github.com/bitswalk/kbuild/src/kbuild/request"
)

// CompileStage configures and compiles the kernel with make
type CompileStage struct {
	executor     Executor
	defconfigDir string
}

// NewCompileStage creates a new compile stage. defconfigDir is relative to the kernel source.
func NewCompileStage(executor Executor, defconfigDir string) *CompileStage {
	return &CompileStage{
		executor:     executor,
		defconfigDir: defconfigDir,
	}
}

// Name returns the stage name
func (s *CompileStage) Name() StageName {
	return StageCompile
}

// Validate checks whether this stage can run
func (s *CompileStage) Validate(ctx context.Context, sc *StageContext) error {
	if sc.Variant == "" {
		return fmt.Errorf("no build variant set")
	}
	defconfig := filepath.Join(sc.Env.SourceDir, s.defconfigDir, sc.Request.Device+request.DefconfigSuffix)
	if !paths.IsFile(defconfig) {
		return errors.ErrUnknownDevice.WithMessagef("Defconfig %s not found", defconfig)
	}
	return nil
}

// Execute runs defconfig, applies the variant's config directives and builds
func (s *CompileStage) Execute(ctx context.Context, sc *StageContext, progress ProgressFunc) error {
	start := time.Now()
	env := sc.Env

	progressWriter := &buildProgressWriter{
		progress:    progress,
		basePercent: 20,
		maxPercent:  95,
		logWriter:   sc.LogWriter,
	}

	runMake := func(w io.Writer, args ...string) error {
		cmd := append([]string{"make"}, MakeVariables(env.OutputName)...)
		cmd = append(cmd, args...)
		return s.executor.Run(ctx, RunOpts{
			Command: cmd,
			WorkDir: env.SourceDir,
			Env:     env.Env,
			Stdout:  w,
			Stderr:  w,
		})
	}

	// Step 1: device default configuration
	target := sc.Request.Device + request.DefconfigSuffix
	progress(0, fmt.Sprintf("Generating %s", target))
	if err := runMake(sc.LogWriter, target); err != nil {
		return makeError(ctx, err, "make %s failed", target)
	}

	// Step 2: variant config edits
	directives := ConfigDirectives(sc.Request.KernelSU, sc.Variant)
	if len(directives) > 0 {
		progress(10, fmt.Sprintf("Applying %d config directives", len(directives)))
		err := s.executor.Run(ctx, RunOpts{
			Command: ScriptsConfigCommand(env.KernelConfigPath(), directives),
			WorkDir: env.SourceDir,
			Env:     env.Env,
			Stdout:  sc.LogWriter,
			Stderr:  sc.LogWriter,
		})
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.ErrConfigEdit.WithCause(err)
		}
	}

	// Step 3: full build
	progress(20, fmt.Sprintf("Compiling with %d jobs", env.Jobs))
	if err := runMake(progressWriter, fmt.Sprintf("-j%d", env.Jobs)); err != nil {
		return makeError(ctx, err, "Kernel build failed for %s %s", sc.Variant, sc.Request.Device)
	}

	if !paths.IsFile(env.ImagePath()) {
		return errors.ErrImageMissing.WithMessagef("Kernel image not found at %s", env.ImagePath())
	}

	if options, err := ParseConfigFile(env.KernelConfigPath()); err != nil {
		log.Warn("Could not read final kernel config", "error", err)
	} else {
		for _, d := range UnappliedDirectives(options, directives) {
			log.Warn("Config directive not reflected in final config", "directive", d)
		}
	}

	sc.CompileDuration = time.Since(start)
	progress(100, fmt.Sprintf("Kernel compiled in %s", sc.CompileDuration.Round(time.Second)))
	return nil
}

// makeError maps a make failure to a build error, passing interrupts through
func makeError(ctx context.Context, err error, format string, args ...interface{}) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errors.ErrMakeFailed.WithMessagef(format, args...).WithCause(err)
}

// buildProgressWriter forwards make output and reports how many objects were compiled.
// It is safe for concurrent use.
type buildProgressWriter struct {
	mu          sync.Mutex
	progress    ProgressFunc
	basePercent int
	maxPercent  int
	logWriter   io.Writer
	objects     int
	partial     []byte
}

// objectsPerReport is how many compiled objects pass between progress reports
const objectsPerReport = 500

func (w *buildProgressWriter) Write(p []byte) (n int, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.logWriter != nil {
		if _, err := w.logWriter.Write(p); err != nil {
			log.Warn("Failed to write to build log", "error", err)
		}
	}

	data := append(w.partial, p...)
	for {
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			break
		}
		w.observe(string(data[:i]))
		data = data[i+1:]
	}
	w.partial = append(w.partial[:0], data...)

	return len(p), nil
}

// observe counts kbuild "CC" lines. The total object count is unknown, so the
// reported percentage approaches maxPercent without reaching it.
func (w *buildProgressWriter) observe(line string) {
	fields := strings.Fields(line)
	if len(fields) < 2 || fields[0] != "CC" {
		return
	}
	w.objects++
	if w.objects%objectsPerReport != 0 {
		return
	}

	span := w.maxPercent - w.basePercent
	pct := w.basePercent + span - span*objectsPerReport/(w.objects+objectsPerReport)
	if w.progress != nil {
		w.progress(pct, fmt.Sprintf("%d objects compiled", w.objects))
	}
}
