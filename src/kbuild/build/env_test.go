package build

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bitswalk/kbuild/src/common/errors"
)

func newEnvConfig(t *testing.T) EnvConfig {
	t.Helper()
	src := t.TempDir()
	writeFile(t, filepath.Join(src, "Makefile"), "all:\n")

	toolchain := t.TempDir()
	writeExecutable(t, filepath.Join(toolchain, "bin", "clang"))

	return EnvConfig{
		SourceDir:    src,
		ToolchainDir: toolchain,
		CacheDir:     filepath.Join(t.TempDir(), "ccache"),
		Output:       "out",
		Jobs:         2,
	}
}

func TestConfigureEnvironment(t *testing.T) {
	cfg := newEnvConfig(t)
	pathBefore := os.Getenv("PATH")

	exec := &recordingExecutor{handle: func(opts RunOpts) error {
		fmt.Fprintln(opts.Stdout, "deadbeef")
		return nil
	}}

	env, err := ConfigureEnvironment(context.Background(), cfg, exec)
	if err != nil {
		t.Fatalf("ConfigureEnvironment returned error: %v", err)
	}

	if env.Revision != "deadbeef" {
		t.Errorf("Revision = %q, want deadbeef", env.Revision)
	}
	if want := filepath.Join(cfg.ToolchainDir, "bin", "clang"); env.Compiler != want {
		t.Errorf("Compiler = %s, want %s", env.Compiler, want)
	}
	if env.OutputDir != filepath.Join(cfg.SourceDir, "out") {
		t.Errorf("OutputDir = %s", env.OutputDir)
	}
	if env.Jobs != 2 {
		t.Errorf("Jobs = %d, want 2", env.Jobs)
	}
	if _, err := os.Stat(cfg.CacheDir); err != nil {
		t.Errorf("cache dir not created: %v", err)
	}

	path := envValue(env.Env, "PATH")
	if !strings.HasPrefix(path, filepath.Join(cfg.ToolchainDir, "bin")) {
		t.Errorf("child PATH does not start with toolchain bin: %s", path)
	}
	if v := envValue(env.Env, "CCACHE_DIR"); v != cfg.CacheDir {
		t.Errorf("child CCACHE_DIR = %s, want %s", v, cfg.CacheDir)
	}
	if os.Getenv("PATH") != pathBefore {
		t.Error("process PATH was modified")
	}

	cmds := exec.commands()
	if len(cmds) != 1 || cmds[0] != "git rev-parse --short=8 HEAD" {
		t.Errorf("commands = %v", cmds)
	}
}

func TestConfigureEnvironment_UnknownRevision(t *testing.T) {
	tests := []struct {
		name   string
		handle func(opts RunOpts) error
	}{
		{"git fails", func(RunOpts) error { return fmt.Errorf("not a git repository") }},
		{"empty output", func(RunOpts) error { return nil }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := ConfigureEnvironment(context.Background(), newEnvConfig(t), &recordingExecutor{handle: tt.handle})
			if err != nil {
				t.Fatalf("ConfigureEnvironment returned error: %v", err)
			}
			if env.Revision != UnknownRevision {
				t.Errorf("Revision = %q, want %q", env.Revision, UnknownRevision)
			}
		})
	}
}

func TestConfigureEnvironment_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(t *testing.T, cfg *EnvConfig)
		want   *errors.Error
	}{
		{
			name:   "missing toolchain dir",
			mutate: func(t *testing.T, cfg *EnvConfig) { cfg.ToolchainDir = filepath.Join(cfg.ToolchainDir, "nope") },
			want:   errors.ErrToolchainMissing,
		},
		{
			name: "clang not resolvable",
			mutate: func(t *testing.T, cfg *EnvConfig) {
				os.Remove(filepath.Join(cfg.ToolchainDir, "bin", "clang"))
				t.Setenv("PATH", "")
			},
			want: errors.ErrCompilerMissing,
		},
		{
			name:   "no kernel tree",
			mutate: func(t *testing.T, cfg *EnvConfig) { os.Remove(filepath.Join(cfg.SourceDir, "Makefile")) },
			want:   errors.ErrSourceMissing,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := newEnvConfig(t)
			tt.mutate(t, &cfg)

			_, err := ConfigureEnvironment(context.Background(), cfg, &recordingExecutor{})
			if err == nil {
				t.Fatal("expected an error")
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("error = %v, want %v", err, tt.want)
			}
			if code := errors.GetExitCode(err); code != 3 {
				t.Errorf("exit code = %d, want 3", code)
			}
		})
	}
}
