// Package build drives a kernel build: toolchain environment, external
// sources, compilation, image patching, packaging and publishing.
package build

import (
	"context"
	"io"
	"time"

	"github.com/bitswalk/kbuild/src/kbuild/request"
)

// StageName identifies a pipeline stage
type StageName string

const (
	StagePrepare StageName = "prepare"
	StageCompile StageName = "compile"
	StagePatch   StageName = "patch"
	StagePackage StageName = "package"
	StagePublish StageName = "publish"
)

// Stage defines the interface for a single build pipeline stage
type Stage interface {
	// Name returns the stage name
	Name() StageName

	// Validate checks whether this stage can run given the current context
	Validate(ctx context.Context, sc *StageContext) error

	// Execute runs the stage, updating progress via the callback
	Execute(ctx context.Context, sc *StageContext, progress ProgressFunc) error
}

// ProgressFunc reports stage progress (0-100) with an optional message
type ProgressFunc func(percent int, message string)

// StageContext holds shared state passed through the pipeline.
// One is created per variant run; the prepare stage gets its own with an empty Variant.
type StageContext struct {
	RunID     string
	Request   *request.Request
	Variant   request.Variant
	Env       *BuildEnvironment
	LogWriter io.Writer // receives all child process output

	// Populated by the compile stage
	CompileDuration time.Duration

	// Populated by the patch stage
	KPMPatched bool

	// Populated by the package stage
	Artifact *Artifact
}

// Artifact describes a produced kernel archive
type Artifact struct {
	Variant    request.Variant `json:"variant"`
	Device     string          `json:"device"`
	KernelSU   bool            `json:"kernelsu"`
	Name       string          `json:"name"`
	Path       string          `json:"path"`
	Size       int64           `json:"size_bytes"`
	SHA256     string          `json:"sha256"`
	Revision   string          `json:"revision"`
	KPMPatched bool            `json:"kpm_patched"`
	StorageKey string          `json:"storage_key,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}
