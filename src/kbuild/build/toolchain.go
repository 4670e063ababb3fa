package build

import (
	stderrors "errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Fixed cross-compilation parameters for arm64 Android kernels
const (
	TargetArch        = "arm64"
	CrossCompile      = "aarch64-linux-gnu-"
	CrossCompileARM32 = "arm-linux-gnueabi-"
	ClangTriple       = "aarch64-linux-gnu-"
	CompilerCommand   = "ccache clang"
)

// ToolchainDeps lists the binaries a build needs
type ToolchainDeps struct {
	Compiler []string // must resolve on the build search path
	Common   []string // build utilities; missing ones are reported, not fatal
}

// GetToolchainDeps returns the binaries used by the clang/LLVM build
func GetToolchainDeps() ToolchainDeps {
	return ToolchainDeps{
		Compiler: []string{"clang"},
		Common:   []string{"make", "ccache", "ld.lld", "llvm-ar", "llvm-nm", "llvm-objcopy", "git", "bash", "bc", "flex", "bison"},
	}
}

// ValidateToolchainAvailability returns the binaries of bins that do not
// resolve on searchPath (a PATH-style list)
func ValidateToolchainAvailability(bins []string, searchPath string) []string {
	var missing []string
	for _, bin := range bins {
		if _, err := lookPathIn(bin, searchPath); err != nil {
			missing = append(missing, bin)
		}
	}
	return missing
}

// MakeVariables returns the make variables passed to every kernel make invocation.
// output is the O= value.
func MakeVariables(output string) []string {
	return []string{
		"O=" + output,
		"ARCH=" + TargetArch,
		"SUBARCH=" + TargetArch,
		"CC=" + CompilerCommand,
		"CROSS_COMPILE=" + CrossCompile,
		"CROSS_COMPILE_ARM32=" + CrossCompileARM32,
		"CLANG_TRIPLE=" + ClangTriple,
		"LLVM=1",
		"LLVM_IAS=1",
	}
}

var errNotFound = stderrors.New("executable file not found in search path")

// lookPathIn is exec.LookPath over an explicit PATH value instead of the process environment
func lookPathIn(file, pathList string) (string, error) {
	if strings.Contains(file, "/") {
		if err := findExecutable(file); err != nil {
			return "", err
		}
		return file, nil
	}
	for _, dir := range filepath.SplitList(pathList) {
		if dir == "" {
			continue
		}
		path := filepath.Join(dir, file)
		if err := findExecutable(path); err == nil {
			return path, nil
		}
	}
	return "", &os.PathError{Op: "lookpath", Path: file, Err: errNotFound}
}

func findExecutable(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if m := info.Mode(); !m.IsDir() && m&0111 != 0 {
		return nil
	}
	return fs.ErrPermission
}

// joinPath builds a PATH value from non-empty entries
func joinPath(entries ...string) string {
	var parts []string
	for _, e := range entries {
		if e != "" {
			parts = append(parts, e)
		}
	}
	return strings.Join(parts, string(os.PathListSeparator))
}

// envValue returns the value of key in a KEY=VALUE list
func envValue(env []string, key string) string {
	prefix := key + "="
	for i := len(env) - 1; i >= 0; i-- {
		if strings.HasPrefix(env[i], prefix) {
			return env[i][len(prefix):]
		}
	}
	return ""
}

// withEnv returns a copy of env with the given KEY=VALUE pairs set, replacing existing keys
func withEnv(env []string, pairs ...string) []string {
	out := make([]string, 0, len(env)+len(pairs))
	override := make(map[string]bool, len(pairs))
	for _, p := range pairs {
		if k, _, ok := strings.Cut(p, "="); ok {
			override[k] = true
		}
	}
	for _, kv := range env {
		if k, _, ok := strings.Cut(kv, "="); ok && override[k] {
			continue
		}
		out = append(out, kv)
	}
	return append(out, pairs...)
}
