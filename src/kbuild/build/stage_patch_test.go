package build

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/bitswalk/kbuild/src/kbuild/download"
	"github.com/bitswalk/kbuild/src/kbuild/request"
)

func newPatchServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/patch_linux" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, "#!/bin/sh\n")
	}))
	t.Cleanup(srv.Close)
	return srv
}

// patchTool emulates patch_linux: reads Image in its working directory and writes oImage
func patchTool(fail bool) func(opts RunOpts) error {
	return func(opts RunOpts) error {
		if filepath.Base(opts.Command[0]) != patchToolName {
			return nil
		}
		if fail {
			return fmt.Errorf("patch_linux failed: exit status 1")
		}
		data, err := os.ReadFile(filepath.Join(opts.WorkDir, "Image"))
		if err != nil {
			return err
		}
		return os.WriteFile(filepath.Join(opts.WorkDir, patchedImageName), append(data, " patched"...), 0644)
	}
}

func newPatchContext(t *testing.T) *StageContext {
	t.Helper()
	env := newTestEnv(t)
	writeFile(t, env.ImagePath(), "kernel image")
	return newStageContext(t, env, &request.Request{Device: "alioth", KernelSU: true, AOSP: true}, request.VariantAOSP)
}

func TestPatchStage(t *testing.T) {
	srv := newPatchServer(t)
	sc := newPatchContext(t)

	stage := NewPatchStage(&recordingExecutor{handle: patchTool(false)}, download.NewDownloader(nil), KPMConfig{PatchURL: srv.URL + "/patch_linux"})
	if err := stage.Validate(context.Background(), sc); err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
	if err := stage.Execute(context.Background(), sc, noProgress); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}

	if !sc.KPMPatched {
		t.Error("KPMPatched = false, want true")
	}
	assertFile(t, sc.Env.ImagePath(), "kernel image patched")
	assertFile(t, filepath.Join(sc.Env.BootDir(), originalImageName), "kernel image")

	for _, name := range []string{patchToolName, patchedImageName} {
		if _, err := os.Stat(filepath.Join(sc.Env.BootDir(), name)); !os.IsNotExist(err) {
			t.Errorf("%s left in boot directory", name)
		}
	}
}

func TestPatchStage_NonFatalFailures(t *testing.T) {
	srv := newPatchServer(t)

	tests := []struct {
		name   string
		url    string
		sha256 string
		fail   bool
	}{
		{"download fails", srv.URL + "/missing", "", false},
		{"checksum mismatch", srv.URL + "/patch_linux", "0000000000000000000000000000000000000000000000000000000000000000", false},
		{"tool fails", srv.URL + "/patch_linux", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc := newPatchContext(t)
			exec := &recordingExecutor{handle: patchTool(tt.fail)}

			stage := NewPatchStage(exec, download.NewDownloader(nil), KPMConfig{PatchURL: tt.url, SHA256: tt.sha256})
			if err := stage.Execute(context.Background(), sc, noProgress); err != nil {
				t.Fatalf("Execute returned error: %v", err)
			}

			if sc.KPMPatched {
				t.Error("KPMPatched = true, want false")
			}
			assertFile(t, sc.Env.ImagePath(), "kernel image")
			if _, err := os.Stat(filepath.Join(sc.Env.BootDir(), originalImageName)); !os.IsNotExist(err) {
				t.Error("Image.orig created although patching did not complete")
			}
		})
	}
}

func TestPatchStage_ValidateRequiresKernelSU(t *testing.T) {
	sc := newPatchContext(t)
	sc.Request = &request.Request{Device: "alioth", AOSP: true}

	stage := NewPatchStage(&recordingExecutor{}, download.NewDownloader(nil), DefaultKPMConfig())
	if err := stage.Validate(context.Background(), sc); err == nil {
		t.Error("Validate should fail without the security module")
	}
}

func assertFile(t *testing.T, path, want string) {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("failed to read %s: %v", path, err)
	}
	if string(data) != want {
		t.Errorf("%s = %q, want %q", filepath.Base(path), data, want)
	}
}
