package build

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bitswalk/kbuild/src/common/errors"
	"github.com/bitswalk/kbuild/src/common/paths"
	"github.com/bitswalk/kbuild/src/kbuild/download"
)

// KernelSUConfig describes how the security module source is obtained
type KernelSUConfig struct {
	// SetupURL is the remote setup script, run with bash in the kernel tree
	SetupURL string
	// SetupArgs are passed to the setup script (e.g. a branch name)
	SetupArgs []string
	// Dir is the tree the setup script creates, relative to the kernel source
	Dir string
	// Version pins the module version after setup
	Version VersionPin
}

// VersionPin copies a make variable from one file into a version field of another.
// All paths are relative to the kernel source. An empty Marker disables pinning.
type VersionPin struct {
	Marker string
	Source string
	Key    string
	Target string
	Field  string
}

// TemplateConfig describes the AnyKernel3 packaging template
type TemplateConfig struct {
	URL    string
	Branch string
	// Dir is the template checkout, relative to the kernel source unless absolute
	Dir string
	// Staging is the subdirectory receiving Image and dtb
	Staging string
}

// DefaultKernelSUConfig returns the SukiSU-Ultra setup defaults
func DefaultKernelSUConfig() KernelSUConfig {
	return KernelSUConfig{
		SetupURL:  "https://raw.githubusercontent.com/SukiSU-Ultra/SukiSU-Ultra/main/kernel/setup.sh",
		SetupArgs: []string{"susfs-main"},
		Dir:       "KernelSU",
		Version: VersionPin{
			Marker: "KernelSU/kernel/Makefile",
			Source: "KernelSU/kernel/Makefile",
			Key:    "KSU_VERSION_API",
			Target: "KernelSU/kernel/Makefile",
			Field:  "KSU_VERSION_FULL",
		},
	}
}

// DefaultTemplateConfig returns the AnyKernel3 template defaults
func DefaultTemplateConfig() TemplateConfig {
	return TemplateConfig{
		URL:     "https://github.com/liyafe1997/AnyKernel3",
		Branch:  "kona",
		Dir:     "anykernel",
		Staging: "kernels",
	}
}

// Path returns the absolute template directory
func (t TemplateConfig) Path(env *BuildEnvironment) string {
	if filepath.IsAbs(t.Dir) {
		return t.Dir
	}
	return filepath.Join(env.SourceDir, t.Dir)
}

// Ensure clones the template when its directory is missing. It reports whether a clone happened.
func (t TemplateConfig) Ensure(ctx context.Context, executor Executor, sc *StageContext) (bool, error) {
	dir := t.Path(sc.Env)
	if paths.IsDir(dir) {
		log.Debug("Packaging template present, skipping clone", "dir", dir)
		return false, nil
	}

	log.Info("Cloning packaging template", "url", t.URL, "branch", t.Branch)
	err := executor.Run(ctx, RunOpts{
		Command: []string{"git", "clone", "--depth", "1", "-b", t.Branch, t.URL, dir},
		WorkDir: sc.Env.SourceDir,
		Env:     sc.Env.Env,
		Stdout:  sc.LogWriter,
		Stderr:  sc.LogWriter,
	})
	if err != nil {
		os.RemoveAll(dir)
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, errors.ErrTemplateClone.WithMessagef("Failed to clone %s (%s)", t.URL, t.Branch).WithCause(err)
	}
	if !paths.IsDir(dir) {
		return false, errors.ErrTemplateClone.WithMessagef("Clone of %s did not create %s", t.URL, dir)
	}
	return true, nil
}

// PrepareStage fetches the packaging template and, when requested, the security module source
type PrepareStage struct {
	executor   Executor
	downloader *download.Downloader
	kernelSU   KernelSUConfig
	template   TemplateConfig
}

// NewPrepareStage creates a new prepare stage
func NewPrepareStage(executor Executor, downloader *download.Downloader, kernelSU KernelSUConfig, template TemplateConfig) *PrepareStage {
	return &PrepareStage{
		executor:   executor,
		downloader: downloader,
		kernelSU:   kernelSU,
		template:   template,
	}
}

// Name returns the stage name
func (s *PrepareStage) Name() StageName {
	return StagePrepare
}

// Validate checks whether this stage can run
func (s *PrepareStage) Validate(ctx context.Context, sc *StageContext) error {
	if sc.Env == nil {
		return fmt.Errorf("build environment not configured")
	}
	if s.template.URL == "" || s.template.Dir == "" {
		return fmt.Errorf("packaging template url and dir are required")
	}
	if sc.Request.KernelSU && s.kernelSU.SetupURL == "" {
		return fmt.Errorf("security module setup url is required")
	}
	return nil
}

// Execute fetches the external trees. Both steps are skipped when their directory exists.
func (s *PrepareStage) Execute(ctx context.Context, sc *StageContext, progress ProgressFunc) error {
	progress(0, "Preparing packaging template")
	if _, err := s.template.Ensure(ctx, s.executor, sc); err != nil {
		return err
	}

	if !sc.Request.KernelSU {
		progress(100, "Sources ready")
		return nil
	}

	progress(50, "Setting up security module")
	if _, err := s.SetupKernelSU(ctx, sc); err != nil {
		return err
	}

	progress(100, "Sources ready")
	return nil
}

// SetupKernelSU downloads and runs the setup script. It reports whether the script ran.
func (s *PrepareStage) SetupKernelSU(ctx context.Context, sc *StageContext) (bool, error) {
	src := sc.Env.SourceDir
	moduleDir := filepath.Join(src, s.kernelSU.Dir)
	if paths.IsDir(moduleDir) {
		log.Info("Security module source present, skipping setup", "dir", moduleDir)
		return false, nil
	}

	tmpDir, err := os.MkdirTemp("", "kbuild-setup-*")
	if err != nil {
		return false, errors.ErrSetupScript.WithCause(err)
	}
	defer os.RemoveAll(tmpDir)

	script := filepath.Join(tmpDir, "setup.sh")
	if _, err := s.downloader.Download(ctx, s.kernelSU.SetupURL, script, "", nil); err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, errors.ErrSetupScript.WithMessagef("Failed to download setup script %s", s.kernelSU.SetupURL).WithCause(err)
	}

	log.Info("Running security module setup", "url", s.kernelSU.SetupURL, "args", strings.Join(s.kernelSU.SetupArgs, " "))
	err = s.executor.Run(ctx, RunOpts{
		Command: append([]string{"bash", script}, s.kernelSU.SetupArgs...),
		WorkDir: src,
		Env:     sc.Env.Env,
		Stdout:  sc.LogWriter,
		Stderr:  sc.LogWriter,
	})
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return false, errors.ErrSetupScript.WithCause(err)
	}

	if err := pinVersion(src, s.kernelSU.Version); err != nil {
		log.Warn("Failed to pin security module version", "error", err)
	}
	return true, nil
}

// pinVersion copies pin.Key from pin.Source into pin.Field of pin.Target
func pinVersion(src string, pin VersionPin) error {
	if pin.Marker == "" {
		return nil
	}
	if !paths.Exists(filepath.Join(src, pin.Marker)) {
		log.Debug("Version marker not found, skipping version pin", "marker", pin.Marker)
		return nil
	}

	value, err := readMakeVariable(filepath.Join(src, pin.Source), pin.Key)
	if err != nil {
		return err
	}

	n, err := writeVersionField(filepath.Join(src, pin.Target), pin.Field, value)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("field %s not found in %s", pin.Field, pin.Target)
	}

	log.Info("Pinned security module version", "field", pin.Field, "value", value)
	return nil
}

// readMakeVariable returns the value of a `KEY := value` style assignment
func readMakeVariable(path, key string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	re := regexp.MustCompile(`^\s*` + regexp.QuoteMeta(key) + `\s*[:?]?=\s*(.*?)\s*$`)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if m := re.FindStringSubmatch(scanner.Text()); m != nil {
			return m[1], nil
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("%s not set in %s", key, path)
}

// writeVersionField sets field to value in path. Make assignments get the bare
// value, #define lines a quoted one. It returns the number of lines rewritten.
func writeVersionField(path, field, value string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}

	assign := regexp.MustCompile(`^(\s*` + regexp.QuoteMeta(field) + `\s*[:?]?=\s*).*$`)
	define := regexp.MustCompile(`^(\s*#define\s+` + regexp.QuoteMeta(field) + `\s+).*$`)

	lines := strings.Split(string(data), "\n")
	n := 0
	for i, line := range lines {
		switch {
		case assign.MatchString(line):
			lines[i] = assign.ReplaceAllString(line, "${1}") + value
			n++
		case define.MatchString(line):
			lines[i] = define.ReplaceAllString(line, "${1}") + `"` + value + `"`
			n++
		}
	}
	if n == 0 {
		return 0, nil
	}

	return n, os.WriteFile(path, []byte(strings.Join(lines, "\n")), info.Mode().Perm())
}
