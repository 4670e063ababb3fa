package build

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/bitswalk/kbuild/src/common/errors"
	"github.com/bitswalk/kbuild/src/common/paths"
)

// UnknownRevision is used when the source revision cannot be determined
const UnknownRevision = "unknown"

// EnvConfig holds the user-facing environment settings
type EnvConfig struct {
	// SourceDir is the kernel source tree
	SourceDir string
	// ToolchainDir is the clang toolchain root; its bin/ is searched first
	ToolchainDir string
	// CacheDir is the ccache directory, created when missing
	CacheDir string
	// CCacheWrapper is an optional directory of ccache compiler symlinks
	CCacheWrapper string
	// Output is the make O= directory, relative to SourceDir unless absolute
	Output string
	// Jobs is the make parallelism; 0 means one per CPU
	Jobs int
}

// DefaultEnvConfig returns the default environment settings
func DefaultEnvConfig() EnvConfig {
	return EnvConfig{
		SourceDir:    ".",
		ToolchainDir: "~/proton-clang",
		CacheDir:     "~/.cache/ccache_kbuild",
		Output:       "out",
	}
}

// BuildEnvironment is the resolved, read-only context every stage builds in.
// Env is the only place the prefixed PATH and CCACHE_DIR exist; the kbuild
// process environment is never modified.
type BuildEnvironment struct {
	SourceDir     string
	ToolchainDir  string
	CacheDir      string
	CCacheWrapper string
	OutputName    string // O= value passed to make
	OutputDir     string // absolute output directory
	Revision      string
	SearchPath    string
	Compiler      string // resolved clang path
	Env           []string
	Jobs          int
}

// BootDir returns the directory holding the compiled kernel image
func (e *BuildEnvironment) BootDir() string {
	return filepath.Join(e.OutputDir, "arch", TargetArch, "boot")
}

// ImagePath returns the compiled kernel image path
func (e *BuildEnvironment) ImagePath() string {
	return filepath.Join(e.BootDir(), "Image")
}

// DTSOutputDir returns the directory the compiled device-tree blobs land in
func (e *BuildEnvironment) DTSOutputDir() string {
	return filepath.Join(e.BootDir(), "dts")
}

// DTBPath returns the concatenated device-tree blob path
func (e *BuildEnvironment) DTBPath() string {
	return filepath.Join(e.BootDir(), "dtb")
}

// KernelConfigPath returns the generated .config in the output directory
func (e *BuildEnvironment) KernelConfigPath() string {
	return filepath.Join(e.OutputDir, ".config")
}

// ConfigureEnvironment validates the toolchain and prepares the build environment.
// The executor is used only to read the source revision.
func ConfigureEnvironment(ctx context.Context, cfg EnvConfig, executor Executor) (*BuildEnvironment, error) {
	sourceDir, err := filepath.Abs(paths.Expand(cfg.SourceDir))
	if err != nil {
		return nil, errors.ErrSourceMissing.WithCause(err)
	}
	if !paths.IsFile(filepath.Join(sourceDir, "Makefile")) {
		return nil, errors.ErrSourceMissing.WithMessagef("No kernel Makefile in %s", sourceDir)
	}

	toolchainDir := paths.Expand(cfg.ToolchainDir)
	if !paths.IsDir(toolchainDir) {
		return nil, errors.ErrToolchainMissing.WithMessagef("Toolchain directory %s not found; set toolchain.path or CLANG_PATH", toolchainDir)
	}

	wrapper := paths.Expand(cfg.CCacheWrapper)
	searchPath := joinPath(filepath.Join(toolchainDir, "bin"), wrapper, os.Getenv("PATH"))

	deps := GetToolchainDeps()
	if missing := ValidateToolchainAvailability(deps.Compiler, searchPath); len(missing) > 0 {
		return nil, errors.ErrCompilerMissing.WithMessagef("%s not found in %s/bin or PATH", strings.Join(missing, ", "), toolchainDir)
	}
	compiler, _ := lookPathIn(deps.Compiler[0], searchPath)

	cacheDir := paths.Expand(cfg.CacheDir)
	if err := os.MkdirAll(cacheDir, 0755); err != nil {
		return nil, errors.ErrCacheDir.WithCause(err)
	}

	output := cfg.Output
	if output == "" {
		output = "out"
	}
	outputDir := output
	if !filepath.IsAbs(outputDir) {
		outputDir = filepath.Join(sourceDir, output)
	}

	jobs := cfg.Jobs
	if jobs <= 0 {
		jobs = runtime.NumCPU()
	}

	env := &BuildEnvironment{
		SourceDir:     sourceDir,
		ToolchainDir:  toolchainDir,
		CacheDir:      cacheDir,
		CCacheWrapper: wrapper,
		OutputName:    output,
		OutputDir:     outputDir,
		SearchPath:    searchPath,
		Compiler:      compiler,
		Env:           withEnv(os.Environ(), "PATH="+searchPath, "CCACHE_DIR="+cacheDir),
		Jobs:          jobs,
	}

	if missing := ValidateToolchainAvailability(deps.Common, searchPath); len(missing) > 0 {
		log.Warn("Build tools not found on search path", "missing", strings.Join(missing, ", "))
	}

	env.Revision = sourceRevision(ctx, executor, env)

	log.Info("Build environment ready",
		"source", sourceDir,
		"compiler", compiler,
		"ccache", cacheDir,
		"revision", env.Revision,
		"jobs", jobs)

	return env, nil
}

// sourceRevision returns the 8-character abbreviated HEAD of the kernel tree
func sourceRevision(ctx context.Context, executor Executor, env *BuildEnvironment) string {
	var stdout bytes.Buffer
	err := executor.Run(ctx, RunOpts{
		Command: []string{"git", "rev-parse", "--short=8", "HEAD"},
		WorkDir: env.SourceDir,
		Env:     env.Env,
		Stdout:  &stdout,
	})
	if err != nil {
		log.Debug("Could not read source revision", "error", err)
		return UnknownRevision
	}

	rev := strings.TrimSpace(stdout.String())
	if rev == "" {
		return UnknownRevision
	}
	return rev
}
