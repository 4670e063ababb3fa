package build

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/bitswalk/kbuild/src/common/errors"
	"github.com/bitswalk/kbuild/src/common/paths"
	"github.com/bitswalk/kbuild/src/kbuild/download"
)

// Patch tool contract: run in the image directory, reads Image, writes oImage
const (
	patchToolName     = "patch_linux"
	patchedImageName  = "oImage"
	originalImageName = "Image.orig"
)

// KPMConfig describes the kernel patch tool
type KPMConfig struct {
	PatchURL string
	// SHA256 optionally pins the downloaded tool
	SHA256 string
}

// DefaultKPMConfig returns the SukiSU KernelPatch defaults
func DefaultKPMConfig() KPMConfig {
	return KPMConfig{
		PatchURL: "https://github.com/SukiSU-Ultra/SukiSU_KernelPatch_patch/releases/latest/download/patch_linux",
	}
}

// PatchStage runs the KPM patch tool against the compiled image.
// Every failure except an interrupt is a warning and leaves the image as built.
type PatchStage struct {
	executor   Executor
	downloader *download.Downloader
	cfg        KPMConfig
}

// NewPatchStage creates a new patch stage
func NewPatchStage(executor Executor, downloader *download.Downloader, cfg KPMConfig) *PatchStage {
	return &PatchStage{
		executor:   executor,
		downloader: downloader,
		cfg:        cfg,
	}
}

// Name returns the stage name
func (s *PatchStage) Name() StageName {
	return StagePatch
}

// Validate checks whether this stage can run
func (s *PatchStage) Validate(ctx context.Context, sc *StageContext) error {
	if !sc.Request.KernelSU {
		return fmt.Errorf("image patching requires the security module")
	}
	if !paths.IsFile(sc.Env.ImagePath()) {
		return fmt.Errorf("kernel image not found at %s", sc.Env.ImagePath())
	}
	return nil
}

// Execute downloads and runs the patch tool. On success the original image is
// kept as Image.orig and oImage becomes Image.
func (s *PatchStage) Execute(ctx context.Context, sc *StageContext, progress ProgressFunc) error {
	bootDir := sc.Env.BootDir()
	tool := filepath.Join(bootDir, patchToolName)

	progress(0, "Downloading KPM patch tool")
	if _, err := s.downloader.Download(ctx, s.cfg.PatchURL, tool, s.cfg.SHA256, nil); err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn("KPM patch tool download failed, packaging unpatched image", "url", s.cfg.PatchURL, "error", err)
		return nil
	}
	defer os.Remove(tool)

	if err := os.Chmod(tool, 0755); err != nil {
		log.Warn("Failed to make patch tool executable, packaging unpatched image", "error", err)
		return nil
	}

	// Leftovers from an earlier run must not be mistaken for this run's output
	os.Remove(filepath.Join(bootDir, patchedImageName))

	progress(30, "Patching kernel image")
	err := s.executor.Run(ctx, RunOpts{
		Command: []string{tool},
		WorkDir: bootDir,
		Env:     sc.Env.Env,
		Stdout:  sc.LogWriter,
		Stderr:  sc.LogWriter,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Warn("KPM patch failed, packaging unpatched image", "error", err)
		return nil
	}

	patched := filepath.Join(bootDir, patchedImageName)
	if !paths.IsFile(patched) {
		log.Warn("KPM patch tool produced no output image, packaging unpatched image", "expected", patched)
		return nil
	}

	image := sc.Env.ImagePath()
	original := filepath.Join(bootDir, originalImageName)
	if err := os.Rename(image, original); err != nil {
		log.Warn("Failed to keep original image, packaging unpatched image", "error", err)
		return nil
	}
	if err := os.Rename(patched, image); err != nil {
		// Put the original back so packaging still finds an Image
		if rerr := os.Rename(original, image); rerr != nil {
			return errors.ErrImageMissing.WithMessage("Failed to restore original image after patching").WithCause(rerr)
		}
		log.Warn("Failed to install patched image, packaging unpatched image", "error", err)
		return nil
	}

	sc.KPMPatched = true
	progress(100, "Kernel image patched")
	return nil
}
