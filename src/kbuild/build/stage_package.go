package build

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/bitswalk/kbuild/src/common/errors"
	"github.com/bitswalk/kbuild/src/common/paths"
	"github.com/bitswalk/kbuild/src/kbuild/download"
	"github.com/bitswalk/kbuild/src/kbuild/request"
)

// ArchiveTag is the fixed literal in every archive name
const ArchiveTag = "AnyKernel3"

// ArchiveTimeFormat is the second-resolution timestamp used in archive names
const ArchiveTimeFormat = "20060102-150405"

// ArchiveName returns <VARIANT>_<device>_<SukiSU|NoKernelSU>_<timestamp>_AnyKernel3_<revision>.zip
func ArchiveName(variant request.Variant, req *request.Request, t time.Time, revision string) string {
	return fmt.Sprintf("%s_%s_%s_%s_%s_%s.zip",
		variant, req.Device, req.KernelSUTag(), t.Format(ArchiveTimeFormat), ArchiveTag, revision)
}

// PackageStage stages the image and device-tree blob into the template and zips it
type PackageStage struct {
	executor Executor
	template TemplateConfig
	workDir  string
	now      func() time.Time
}

// NewPackageStage creates a new package stage. Archives are moved into workDir.
func NewPackageStage(executor Executor, template TemplateConfig, workDir string, now func() time.Time) *PackageStage {
	if now == nil {
		now = time.Now
	}
	return &PackageStage{
		executor: executor,
		template: template,
		workDir:  workDir,
		now:      now,
	}
}

// Name returns the stage name
func (s *PackageStage) Name() StageName {
	return StagePackage
}

// Validate checks whether this stage can run
func (s *PackageStage) Validate(ctx context.Context, sc *StageContext) error {
	if !paths.IsFile(sc.Env.ImagePath()) {
		return errors.ErrImageMissing.WithMessagef("Kernel image not found at %s", sc.Env.ImagePath())
	}
	if s.template.Staging == "" {
		return fmt.Errorf("template staging directory is required")
	}
	return nil
}

// Execute produces the archive and records it in sc.Artifact
func (s *PackageStage) Execute(ctx context.Context, sc *StageContext, progress ProgressFunc) error {
	env := sc.Env

	progress(0, "Concatenating device tree blobs")
	count, err := ConcatDTBs(env.DTSOutputDir(), env.DTBPath())
	if err != nil {
		return errors.ErrStagingFailed.WithMessage("Failed to build dtb").WithCause(err)
	}
	if count == 0 {
		log.Warn("No device tree blobs found, packaging an empty dtb", "dir", env.DTSOutputDir())
	} else {
		log.Info("Device tree blobs concatenated", "count", count)
	}

	progress(20, "Preparing packaging template")
	if _, err := s.template.Ensure(ctx, s.executor, sc); err != nil {
		return err
	}

	templateDir := s.template.Path(env)
	staging := filepath.Join(templateDir, s.template.Staging)
	if err := os.RemoveAll(staging); err != nil {
		return errors.ErrStagingFailed.WithCause(err)
	}
	if err := os.MkdirAll(staging, 0755); err != nil {
		return errors.ErrStagingFailed.WithCause(err)
	}
	if err := paths.CopyFile(env.ImagePath(), filepath.Join(staging, "Image")); err != nil {
		return errors.ErrStagingFailed.WithMessage("Failed to stage kernel image").WithCause(err)
	}
	if err := paths.CopyFile(env.DTBPath(), filepath.Join(staging, "dtb")); err != nil {
		return errors.ErrStagingFailed.WithMessage("Failed to stage dtb").WithCause(err)
	}

	createdAt := s.now()
	name := ArchiveName(sc.Variant, sc.Request, createdAt, env.Revision)

	progress(50, fmt.Sprintf("Creating %s", name))
	tmp := filepath.Join(env.OutputDir, name)
	if err := ZipDir(templateDir, tmp); err != nil {
		os.Remove(tmp)
		return errors.ErrArchiveFailed.WithCause(err)
	}

	if err := os.MkdirAll(s.workDir, 0755); err != nil {
		return errors.ErrArchiveFailed.WithCause(err)
	}
	dest := filepath.Join(s.workDir, name)
	if err := paths.Move(tmp, dest); err != nil {
		return errors.ErrArchiveFailed.WithMessagef("Failed to move archive to %s", s.workDir).WithCause(err)
	}

	progress(90, "Computing checksum")
	sum, err := download.FileChecksum(dest)
	if err != nil {
		return errors.ErrArchiveFailed.WithCause(err)
	}
	info, err := os.Stat(dest)
	if err != nil {
		return errors.ErrArchiveFailed.WithCause(err)
	}

	sc.Artifact = &Artifact{
		Variant:    sc.Variant,
		Device:     sc.Request.Device,
		KernelSU:   sc.Request.KernelSU,
		Name:       name,
		Path:       dest,
		Size:       info.Size(),
		SHA256:     sum,
		Revision:   env.Revision,
		KPMPatched: sc.KPMPatched,
		CreatedAt:  createdAt,
	}

	progress(100, fmt.Sprintf("Archive ready: %s", dest))
	return nil
}

// ConcatDTBs writes every *.dtb under dtsDir, in lexical walk order, into out.
// A missing dtsDir yields an empty out. It returns the number of blobs written.
func ConcatDTBs(dtsDir, out string) (int, error) {
	var blobs []string
	err := filepath.WalkDir(dtsDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) && path == dtsDir {
				return filepath.SkipDir
			}
			return err
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ".dtb") {
			blobs = append(blobs, path)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	if err := os.MkdirAll(filepath.Dir(out), 0755); err != nil {
		return 0, err
	}
	f, err := os.Create(out)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	for _, blob := range blobs {
		if err := appendFile(f, blob); err != nil {
			return 0, fmt.Errorf("failed to append %s: %w", blob, err)
		}
	}
	return len(blobs), f.Close()
}

func appendFile(w io.Writer, path string) error {
	in, err := os.Open(path)
	if err != nil {
		return err
	}
	defer in.Close()
	_, err = io.Copy(w, in)
	return err
}

// ZipDir archives the contents of dir into dst, skipping .git and any *.zip
func ZipDir(dir, dst string) error {
	out, err := os.Create(dst)
	if err != nil {
		return err
	}

	zw := zip.NewWriter(out)
	walkErr := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == dir {
			return nil
		}
		if d.IsDir() && d.Name() == ".git" {
			return filepath.SkipDir
		}
		if !d.IsDir() && strings.HasSuffix(d.Name(), ".zip") {
			return nil
		}
		return addZipEntry(zw, dir, path, d)
	})

	if walkErr != nil {
		zw.Close()
		out.Close()
		return walkErr
	}
	if err := zw.Close(); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

func addZipEntry(zw *zip.Writer, root, path string, d fs.DirEntry) error {
	info, err := d.Info()
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return err
	}

	header, err := zip.FileInfoHeader(info)
	if err != nil {
		return err
	}
	header.Name = filepath.ToSlash(rel)
	if d.IsDir() {
		header.Name += "/"
		_, err := zw.CreateHeader(header)
		return err
	}
	header.Method = zip.Deflate

	w, err := zw.CreateHeader(header)
	if err != nil {
		return err
	}

	if info.Mode()&os.ModeSymlink != 0 {
		target, err := os.Readlink(path)
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, target)
		return err
	}
	return appendFile(w, path)
}

// ListArchives returns the kernel archives in dir, sorted by name
func ListArchives(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*_"+ArchiveTag+"_*.zip"))
	if err != nil {
		return nil, err
	}
	sort.Strings(matches)
	return matches, nil
}
