package build

import (
	"archive/zip"
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/bitswalk/kbuild/src/common/errors"
	"github.com/bitswalk/kbuild/src/kbuild/download"
	"github.com/bitswalk/kbuild/src/kbuild/request"
)

var fixedTime = time.Date(2024, 3, 9, 14, 5, 7, 0, time.UTC)

func TestArchiveName(t *testing.T) {
	tests := []struct {
		variant request.Variant
		req     *request.Request
		want    string
	}{
		{
			variant: request.VariantAOSP,
			req:     &request.Request{Device: "alioth", KernelSU: true},
			want:    "AOSP_alioth_SukiSU_20240309-140507_AnyKernel3_1a2b3c4d.zip",
		},
		{
			variant: request.VariantMIUI,
			req:     &request.Request{Device: "umi"},
			want:    "MIUI_umi_NoKernelSU_20240309-140507_AnyKernel3_1a2b3c4d.zip",
		},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := ArchiveName(tt.variant, tt.req, fixedTime, "1a2b3c4d"); got != tt.want {
				t.Errorf("ArchiveName() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestConcatDTBs(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "vendor", "qcom", "b.dtb"), "B")
	writeFile(t, filepath.Join(dir, "vendor", "qcom", "a.dtb"), "A")
	writeFile(t, filepath.Join(dir, "vendor", "qcom", "a.dtbo"), "X")
	writeFile(t, filepath.Join(dir, "vendor", "qcom", "a.dts"), "X")
	writeFile(t, filepath.Join(dir, "c.dtb"), "C")

	out := filepath.Join(t.TempDir(), "dtb")
	n, err := ConcatDTBs(dir, out)
	if err != nil {
		t.Fatalf("ConcatDTBs returned error: %v", err)
	}
	if n != 3 {
		t.Errorf("count = %d, want 3", n)
	}
	assertFile(t, out, "CAB")
}

func TestConcatDTBs_NoBlobs(t *testing.T) {
	out := filepath.Join(t.TempDir(), "boot", "dtb")
	n, err := ConcatDTBs(filepath.Join(t.TempDir(), "missing"), out)
	if err != nil {
		t.Fatalf("ConcatDTBs returned error: %v", err)
	}
	if n != 0 {
		t.Errorf("count = %d, want 0", n)
	}
	assertFile(t, out, "")
}

func TestZipDir(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "anykernel.sh"), "#!/sbin/sh\n")
	writeFile(t, filepath.Join(dir, "kernels", "Image"), "image")
	writeFile(t, filepath.Join(dir, ".git", "HEAD"), "ref: refs/heads/kona\n")
	writeFile(t, filepath.Join(dir, "old.zip"), "stale")
	writeFile(t, filepath.Join(dir, "tools", "busybox"), "bb")

	dst := filepath.Join(t.TempDir(), "out.zip")
	if err := ZipDir(dir, dst); err != nil {
		t.Fatalf("ZipDir returned error: %v", err)
	}

	got := zipEntries(t, dst)
	want := []string{"anykernel.sh", "kernels/", "kernels/Image", "tools/", "tools/busybox"}
	if len(got) != len(want) {
		t.Fatalf("entries = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestPackageStage(t *testing.T) {
	env := newTestEnv(t)
	writeFile(t, env.ImagePath(), "kernel image")
	writeFile(t, filepath.Join(env.DTSOutputDir(), "vendor", "qcom", "kona.dtb"), "dtb")

	template := DefaultTemplateConfig()
	exec := &recordingExecutor{handle: func(opts RunOpts) error {
		// git clone ... <dir>
		dir := opts.Command[len(opts.Command)-1]
		return writeFileErr(filepath.Join(dir, "anykernel.sh"), "#!/sbin/sh\n")
	}}

	workDir := t.TempDir()
	sc := newStageContext(t, env, &request.Request{Device: "alioth", KernelSU: true, AOSP: true}, request.VariantAOSP)
	sc.KPMPatched = true

	stage := NewPackageStage(exec, template, workDir, func() time.Time { return fixedTime })
	if err := stage.Validate(context.Background(), sc); err != nil {
		t.Fatalf("Validate returned error: %v", err)
	}
	if err := stage.Execute(context.Background(), sc, noProgress); err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}

	if n := exec.countPrefix("git clone --depth 1 -b kona"); n != 1 {
		t.Errorf("template cloned %d times, want 1", n)
	}

	a := sc.Artifact
	if a == nil {
		t.Fatal("Artifact not set")
	}
	wantName := "AOSP_alioth_SukiSU_20240309-140507_AnyKernel3_1a2b3c4d.zip"
	if a.Name != wantName {
		t.Errorf("Name = %s, want %s", a.Name, wantName)
	}
	if a.Path != filepath.Join(workDir, wantName) {
		t.Errorf("Path = %s", a.Path)
	}
	if !a.KPMPatched || !a.KernelSU || a.Revision != "1a2b3c4d" {
		t.Errorf("unexpected artifact metadata: %+v", a)
	}
	sum, err := download.FileChecksum(a.Path)
	if err != nil {
		t.Fatalf("FileChecksum: %v", err)
	}
	if a.SHA256 != sum {
		t.Errorf("SHA256 = %s, want %s", a.SHA256, sum)
	}
	if _, err := os.Stat(filepath.Join(env.OutputDir, wantName)); !os.IsNotExist(err) {
		t.Error("archive left in output directory")
	}

	got := zipEntries(t, a.Path)
	want := []string{"anykernel.sh", "kernels/", "kernels/Image", "kernels/dtb"}
	if len(got) != len(want) {
		t.Fatalf("entries = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry %d = %s, want %s", i, got[i], want[i])
		}
	}

	// A second run reuses the template and starts from an empty staging directory
	stale := filepath.Join(template.Path(env), template.Staging, "stale")
	writeFile(t, stale, "old")
	sc.Artifact = nil
	if err := stage.Execute(context.Background(), sc, noProgress); err != nil {
		t.Fatalf("second Execute returned error: %v", err)
	}
	if n := exec.countPrefix("git clone"); n != 1 {
		t.Errorf("template cloned %d times after second run, want 1", n)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("staging directory was not cleared")
	}
}

func TestPackageStage_CloneFailure(t *testing.T) {
	env := newTestEnv(t)
	writeFile(t, env.ImagePath(), "kernel image")

	exec := &recordingExecutor{handle: func(RunOpts) error { return os.ErrPermission }}
	sc := newStageContext(t, env, &request.Request{Device: "alioth", AOSP: true}, request.VariantAOSP)

	err := NewPackageStage(exec, DefaultTemplateConfig(), t.TempDir(), nil).Execute(context.Background(), sc, noProgress)
	if !errors.Is(err, errors.ErrTemplateClone) {
		t.Fatalf("Execute error = %v, want template clone error", err)
	}
	if code := errors.GetExitCode(err); code != errors.ExitFetch {
		t.Errorf("exit code = %d, want %d", code, errors.ExitFetch)
	}
}

func TestListArchives(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "MIUI_alioth_SukiSU_20240309-140507_AnyKernel3_1a2b3c4d.zip"), "")
	writeFile(t, filepath.Join(dir, "AOSP_alioth_SukiSU_20240309-140507_AnyKernel3_1a2b3c4d.zip"), "")
	writeFile(t, filepath.Join(dir, "unrelated.zip"), "")

	got, err := ListArchives(dir)
	if err != nil {
		t.Fatalf("ListArchives returned error: %v", err)
	}
	if len(got) != 2 || filepath.Base(got[0])[:4] != "AOSP" {
		t.Errorf("ListArchives() = %v", got)
	}
}

func zipEntries(t *testing.T, path string) []string {
	t.Helper()
	zr, err := zip.OpenReader(path)
	if err != nil {
		t.Fatalf("failed to open %s: %v", path, err)
	}
	defer zr.Close()

	var names []string
	for _, f := range zr.File {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	return names
}
