package build

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/ulikunitz/xz"
)

func TestBuildLog(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")
	var terminal bytes.Buffer

	l, err := openBuildLog(dir, "run-AOSP", &terminal)
	if err != nil {
		t.Fatalf("openBuildLog returned error: %v", err)
	}
	io.WriteString(l, "  CC      init/main.o\n")
	io.WriteString(l, "  LD      vmlinux\n")

	path, err := l.Finish("AOSP_alioth_SukiSU_20240309-140507_AnyKernel3_1a2b3c4d")
	if err != nil {
		t.Fatalf("Finish returned error: %v", err)
	}

	want := "  CC      init/main.o\n  LD      vmlinux\n"
	if terminal.String() != want {
		t.Errorf("terminal = %q, want %q", terminal.String(), want)
	}
	if path != filepath.Join(dir, "AOSP_alioth_SukiSU_20240309-140507_AnyKernel3_1a2b3c4d.log.xz") {
		t.Errorf("compressed path = %s", path)
	}
	if _, err := os.Stat(filepath.Join(dir, "run-AOSP.log")); !os.IsNotExist(err) {
		t.Error("uncompressed log not removed")
	}

	if got := readXZ(t, path); got != want {
		t.Errorf("decompressed log = %q, want %q", got, want)
	}
}

func readXZ(t *testing.T, path string) string {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("failed to open %s: %v", path, err)
	}
	defer f.Close()

	r, err := xz.NewReader(f)
	if err != nil {
		t.Fatalf("xz.NewReader: %v", err)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("failed to decompress %s: %v", path, err)
	}
	return string(data)
}
