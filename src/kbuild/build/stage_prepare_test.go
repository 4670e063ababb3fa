package build

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bitswalk/kbuild/src/common/errors"
	"github.com/bitswalk/kbuild/src/kbuild/download"
	"github.com/bitswalk/kbuild/src/kbuild/request"
)

const ksuMakefile = `KSU_VERSION_API := 3.1.7
KSU_VERSION_FULL := v3.1.7-dirty
ccflags-y += -DKSU_VERSION=$(KSU_VERSION)
`

func newSetupServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/setup.sh" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, "#!/bin/bash\necho setup\n")
	}))
	t.Cleanup(srv.Close)
	return srv
}

// fakeSources emulates git clone and the setup script
func fakeSources(env *BuildEnvironment) func(opts RunOpts) error {
	return func(opts RunOpts) error {
		switch opts.Command[0] {
		case "git":
			return writeFileErr(filepath.Join(opts.Command[len(opts.Command)-1], "anykernel.sh"), "")
		case "bash":
			return writeFileErr(filepath.Join(env.SourceDir, "KernelSU", "kernel", "Makefile"), ksuMakefile)
		}
		return nil
	}
}

func TestPrepareStage(t *testing.T) {
	srv := newSetupServer(t)
	env := newTestEnv(t)
	req := &request.Request{Device: "alioth", KernelSU: true, AOSP: true, MIUI: true}
	sc := newStageContext(t, env, req, "")

	ksu := DefaultKernelSUConfig()
	ksu.SetupURL = srv.URL + "/setup.sh"
	exec := &recordingExecutor{handle: fakeSources(env)}
	stage := NewPrepareStage(exec, download.NewDownloader(nil), ksu, DefaultTemplateConfig())

	if err := stage.Validate(context.Background(), sc); err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
	if err := stage.Execute(context.Background(), sc, noProgress); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}

	cmds := exec.commands()
	if len(cmds) != 2 {
		t.Fatalf("commands = %v, want clone and setup", cmds)
	}
	if !strings.HasPrefix(cmds[0], "git clone --depth 1 -b kona https://github.com/liyafe1997/AnyKernel3 ") {
		t.Errorf("unexpected clone command: %s", cmds[0])
	}
	if !strings.HasPrefix(cmds[1], "bash ") || !strings.HasSuffix(cmds[1], "setup.sh susfs-main") {
		t.Errorf("unexpected setup command: %s", cmds[1])
	}
	if exec.calls[1].WorkDir != env.SourceDir {
		t.Errorf("setup ran in %s, want %s", exec.calls[1].WorkDir, env.SourceDir)
	}

	data, err := os.ReadFile(filepath.Join(env.SourceDir, "KernelSU", "kernel", "Makefile"))
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), "KSU_VERSION_FULL := 3.1.7\n") {
		t.Errorf("version not pinned:\n%s", data)
	}

	// Everything exists now; a second run fetches nothing
	if err := stage.Execute(context.Background(), sc, noProgress); err != nil {
		t.Fatalf("second Execute returned error: %v", err)
	}
	if n := len(exec.commands()); n != 2 {
		t.Errorf("second run issued %d new commands", n-2)
	}
}

func TestPrepareStage_WithoutKernelSU(t *testing.T) {
	env := newTestEnv(t)
	sc := newStageContext(t, env, &request.Request{Device: "alioth", AOSP: true}, "")

	exec := &recordingExecutor{handle: fakeSources(env)}
	ksu := DefaultKernelSUConfig()
	ksu.SetupURL = "http://127.0.0.1:0/unreachable"

	if err := NewPrepareStage(exec, download.NewDownloader(nil), ksu, DefaultTemplateConfig()).Execute(context.Background(), sc, noProgress); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if n := exec.countPrefix("bash"); n != 0 {
		t.Errorf("setup script ran %d times without ksu", n)
	}
	if _, err := os.Stat(filepath.Join(env.SourceDir, "KernelSU")); !os.IsNotExist(err) {
		t.Error("KernelSU directory created without ksu")
	}
}

func TestPrepareStage_SetupFailure(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		handle func(RunOpts) error
	}{
		{"download fails", "/missing.sh", nil},
		{"script fails", "/setup.sh", func(opts RunOpts) error {
			if opts.Command[0] == "bash" {
				return fmt.Errorf("bash failed: exit status 1")
			}
			return nil
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newSetupServer(t)
			env := newTestEnv(t)
			writeFile(t, filepath.Join(env.SourceDir, "anykernel", "anykernel.sh"), "")
			sc := newStageContext(t, env, &request.Request{Device: "alioth", KernelSU: true, AOSP: true}, "")

			ksu := DefaultKernelSUConfig()
			ksu.SetupURL = srv.URL + tt.path

			err := NewPrepareStage(&recordingExecutor{handle: tt.handle}, download.NewDownloader(nil), ksu, DefaultTemplateConfig()).
				Execute(context.Background(), sc, noProgress)
			if !errors.Is(err, errors.ErrSetupScript) {
				t.Fatalf("Execute error = %v, want setup failure", err)
			}
			if code := errors.GetExitCode(err); code != errors.ExitFetch {
				t.Errorf("exit code = %d, want %d", code, errors.ExitFetch)
			}
		})
	}
}

func TestReadMakeVariable(t *testing.T) {
	path := filepath.Join(t.TempDir(), "Makefile")
	writeFile(t, path, "# comment\nKSU_VERSION_API:=3.1.7  \nOTHER ?= x\n")

	tests := []struct {
		key     string
		want    string
		wantErr bool
	}{
		{"KSU_VERSION_API", "3.1.7", false},
		{"OTHER", "x", false},
		{"MISSING", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			got, err := readMakeVariable(path, tt.key)
			if (err != nil) != tt.wantErr {
				t.Fatalf("readMakeVariable error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("readMakeVariable = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestWriteVersionField(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
		n       int
	}{
		{
			name:    "make assignment",
			content: "KSU_VERSION_FULL := v1\nX := 1\n",
			want:    "KSU_VERSION_FULL := 3.1.7\nX := 1\n",
			n:       1,
		},
		{
			name:    "define",
			content: "#define KSU_VERSION_FULL \"v1\"\n",
			want:    "#define KSU_VERSION_FULL \"3.1.7\"\n",
			n:       1,
		},
		{
			name:    "absent",
			content: "X := 1\n",
			want:    "X := 1\n",
			n:       0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "version")
			writeFile(t, path, tt.content)

			n, err := writeVersionField(path, "KSU_VERSION_FULL", "3.1.7")
			if err != nil {
				t.Fatalf("writeVersionField returned error: %v", err)
			}
			if n != tt.n {
				t.Errorf("n = %d, want %d", n, tt.n)
			}
			assertFile(t, path, tt.want)
		})
	}
}
