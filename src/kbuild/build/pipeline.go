package build

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/bitswalk/kbuild/src/common/errors"
	"github.com/bitswalk/kbuild/src/common/logs"
	"github.com/bitswalk/kbuild/src/kbuild/db"
	"github.com/bitswalk/kbuild/src/kbuild/download"
	"github.com/bitswalk/kbuild/src/kbuild/dtpatch"
	"github.com/bitswalk/kbuild/src/kbuild/request"
	"github.com/bitswalk/kbuild/src/kbuild/storage"
	"github.com/google/uuid"
)

var log = logs.NewDefault()

// SetLogger sets the logger for the build package
func SetLogger(l *logs.Logger) {
	if l != nil {
		log = l
	}
}

// Config holds the pipeline configuration
type Config struct {
	// DefconfigDir holds <device>_defconfig files, relative to the kernel source
	DefconfigDir string
	KernelSU     KernelSUConfig
	KPM          KPMConfig
	Template     TemplateConfig
	// DTTable is the device-tree substitution table used for MIUI builds
	DTTable *dtpatch.Table
	// LogDir receives the compressed per-variant build logs
	LogDir string
	// WorkDir receives the finished archives
	WorkDir string
	// Clean removes the output directory after a successful run
	Clean bool
	// PresignExpiry is the lifetime of logged download links after publishing
	PresignExpiry time.Duration
}

// DefaultConfig returns a default pipeline configuration
func DefaultConfig() Config {
	return Config{
		DefconfigDir:  "arch/arm64/configs",
		KernelSU:      DefaultKernelSUConfig(),
		KPM:           DefaultKPMConfig(),
		Template:      DefaultTemplateConfig(),
		LogDir:        "logs",
		WorkDir:       ".",
		PresignExpiry: 24 * time.Hour,
	}
}

// Options carries the pipeline's collaborators. Storage and Artifacts are optional.
type Options struct {
	Executor   Executor
	Downloader *download.Downloader
	// Storage enables the publish stage
	Storage storage.Backend
	// Artifacts records every produced archive
	Artifacts *db.ArtifactRepository
	// Terminal additionally receives child process output
	Terminal io.Writer
	// Now is the clock used for archive names
	Now func() time.Time
}

// Result summarizes a pipeline run
type Result struct {
	RunID     string
	Artifacts []*Artifact
	Elapsed   time.Duration
}

// Pipeline runs the whole build for one request
type Pipeline struct {
	cfg  Config
	env  *BuildEnvironment
	opts Options
}

// NewPipeline creates a pipeline over a configured build environment
func NewPipeline(cfg Config, env *BuildEnvironment, opts Options) *Pipeline {
	if opts.Executor == nil {
		opts.Executor = NewHostExecutor(nil)
	}
	if opts.Downloader == nil {
		opts.Downloader = download.NewDownloader(nil)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if cfg.DTTable == nil {
		cfg.DTTable = &dtpatch.Table{}
	}
	return &Pipeline{cfg: cfg, env: env, opts: opts}
}

// Run executes, in order: stale device-tree recovery, source preparation, then
// one build per requested variant (AOSP before MIUI). The first fatal error stops the run.
func (p *Pipeline) Run(ctx context.Context, req *request.Request) (*Result, error) {
	start := time.Now()
	result := &Result{RunID: uuid.New().String()}

	log.Info("Starting build",
		"run_id", result.RunID,
		"device", req.Device,
		"kernelsu", req.KernelSU,
		"variants", fmt.Sprint(req.Variants()))

	session := dtpatch.NewSession(p.env.SourceDir, p.cfg.DTTable)
	if _, err := session.RecoverStale(); err != nil {
		return result, errors.ErrDeviceTreePatch.WithMessage("Failed to restore stale device tree backup").WithCause(err)
	}

	if err := p.prepare(ctx, result.RunID, req); err != nil {
		return result, err
	}

	for _, variant := range req.Variants() {
		artifact, err := p.runVariant(ctx, result.RunID, req, variant, session)
		if err != nil {
			result.Elapsed = time.Since(start)
			return result, err
		}
		result.Artifacts = append(result.Artifacts, artifact)
	}

	if p.cfg.Clean {
		if err := os.RemoveAll(p.env.OutputDir); err != nil {
			log.Warn("Failed to clean output directory", "dir", p.env.OutputDir, "error", err)
		}
	}

	result.Elapsed = time.Since(start)
	log.Info("Build finished", "run_id", result.RunID, "elapsed", result.Elapsed.Round(time.Second))
	p.reportArchives()

	return result, nil
}

// prepare runs the once-per-run source preparation
func (p *Pipeline) prepare(ctx context.Context, runID string, req *request.Request) (err error) {
	blog, err := openBuildLog(p.logDir(), runID+"-prepare", p.opts.Terminal)
	if err != nil {
		return errors.ErrInternal.WithCause(err)
	}
	defer func() {
		if path, ferr := blog.Finish(runID + "-prepare"); ferr != nil {
			log.Warn("Failed to compress build log", "path", path, "error", ferr)
		}
	}()

	sc := &StageContext{
		RunID:     runID,
		Request:   req,
		Env:       p.env,
		LogWriter: blog,
	}
	stage := NewPrepareStage(p.opts.Executor, p.opts.Downloader, p.cfg.KernelSU, p.cfg.Template)
	return p.runStages(ctx, sc, []Stage{stage})
}

// runVariant builds, patches and packages one variant. The device tree is
// restored on every exit path once patched.
func (p *Pipeline) runVariant(ctx context.Context, runID string, req *request.Request, variant request.Variant, session *dtpatch.Session) (artifact *Artifact, err error) {
	log.Info("Building variant", "variant", variant, "device", req.Device)

	blog, err := openBuildLog(p.logDir(), fmt.Sprintf("%s-%s", runID, variant), p.opts.Terminal)
	if err != nil {
		return nil, errors.ErrInternal.WithCause(err)
	}

	sc := &StageContext{
		RunID:     runID,
		Request:   req,
		Variant:   variant,
		Env:       p.env,
		LogWriter: blog,
	}

	defer func() {
		base := fmt.Sprintf("%s_%s_%s_failed", variant, req.Device, runID[:8])
		if sc.Artifact != nil {
			base = sc.Artifact.Name[:len(sc.Artifact.Name)-len(filepath.Ext(sc.Artifact.Name))]
		}
		path, ferr := blog.Finish(base)
		if ferr != nil {
			log.Warn("Failed to compress build log", "path", path, "error", ferr)
		} else if err != nil {
			log.Error("Variant failed, see build log", "variant", variant, "log", path)
		}
	}()

	if err := os.RemoveAll(p.env.OutputDir); err != nil {
		return nil, errors.ErrInternal.WithMessage("Failed to wipe output directory").WithCause(err)
	}
	if err := os.MkdirAll(p.env.OutputDir, 0755); err != nil {
		return nil, errors.ErrInternal.WithMessage("Failed to create output directory").WithCause(err)
	}

	if variant == request.VariantMIUI {
		if _, err := session.Apply(); err != nil {
			return nil, errors.ErrDeviceTreePatch.WithCause(err)
		}
		defer func() {
			if rerr := session.Restore(); rerr != nil {
				log.Error("Failed to restore device tree", "backup", session.BackupDir(), "error", rerr)
				if err == nil {
					err = errors.ErrDeviceTreePatch.WithMessage("Failed to restore device tree").WithCause(rerr)
				}
			}
		}()
	}

	if err := p.runStages(ctx, sc, p.variantStages(req)); err != nil {
		return nil, err
	}

	log.Info("Variant complete",
		"variant", variant,
		"archive", sc.Artifact.Name,
		"compile_time", sc.CompileDuration.Round(time.Second),
		"kpm_patched", sc.KPMPatched)

	p.record(sc)
	return sc.Artifact, nil
}

// variantStages returns the stages of one variant run
func (p *Pipeline) variantStages(req *request.Request) []Stage {
	stages := []Stage{NewCompileStage(p.opts.Executor, p.cfg.DefconfigDir)}
	if req.KernelSU {
		stages = append(stages, NewPatchStage(p.opts.Executor, p.opts.Downloader, p.cfg.KPM))
	}
	stages = append(stages, NewPackageStage(p.opts.Executor, p.cfg.Template, p.workDir(), p.opts.Now))
	if p.opts.Storage != nil {
		stages = append(stages, NewPublishStage(p.opts.Storage, p.cfg.PresignExpiry))
	}
	return stages
}

// runStages validates and executes stages in order, stopping at the first error
func (p *Pipeline) runStages(ctx context.Context, sc *StageContext, stages []Stage) error {
	for _, stage := range stages {
		if err := ctx.Err(); err != nil {
			return err
		}

		name := stage.Name()
		if err := stage.Validate(ctx, sc); err != nil {
			log.Error("Stage validation failed", "stage", name, "error", err)
			return stageError(err)
		}

		progressFunc := func(percent int, message string) {
			log.Info(message, "stage", name, "variant", sc.Variant, "progress", percent)
		}

		stageStart := time.Now()
		if err := stage.Execute(ctx, sc, progressFunc); err != nil {
			log.Error("Stage failed", "stage", name, "variant", sc.Variant, "error", err)
			return stageError(err)
		}
		log.Debug("Stage completed", "stage", name, "duration", time.Since(stageStart).Round(time.Millisecond))
	}
	return nil
}

// stageError keeps typed errors and interrupts as they are and marks anything else internal
func stageError(err error) error {
	var e *errors.Error
	if errors.As(err, &e) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return errors.ErrInternal.WithCause(err)
}

// record stores the artifact in the history ledger. Failures are logged only.
func (p *Pipeline) record(sc *StageContext) {
	if p.opts.Artifacts == nil || sc.Artifact == nil {
		return
	}
	a := sc.Artifact
	err := p.opts.Artifacts.Create(&db.Artifact{
		RunID:        sc.RunID,
		Device:       a.Device,
		Variant:      string(a.Variant),
		KernelSU:     a.KernelSU,
		Name:         a.Name,
		Path:         a.Path,
		Size:         a.Size,
		SHA256:       a.SHA256,
		Revision:     a.Revision,
		KPMPatched:   a.KPMPatched,
		BuildSeconds: sc.CompileDuration.Seconds(),
		StorageKey:   a.StorageKey,
		CreatedAt:    a.CreatedAt,
	})
	if err != nil {
		log.Warn("Failed to record artifact history", "archive", a.Name, "error", err)
	}
}

// reportArchives lists the archives present in the working directory
func (p *Pipeline) reportArchives() {
	archives, err := ListArchives(p.workDir())
	if err != nil || len(archives) == 0 {
		log.Info("No archives found", "dir", p.workDir())
		return
	}
	for _, a := range archives {
		if info, err := os.Stat(a); err == nil {
			log.Info("Archive", "name", filepath.Base(a), "size", info.Size())
		}
	}
}

func (p *Pipeline) logDir() string {
	return p.resolve(p.cfg.LogDir)
}

func (p *Pipeline) workDir() string {
	return p.resolve(p.cfg.WorkDir)
}

// resolve makes dir absolute against the kernel source tree
func (p *Pipeline) resolve(dir string) string {
	if dir == "" {
		dir = "."
	}
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(p.env.SourceDir, dir)
}
