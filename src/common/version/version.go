// Package version holds build-time version information for kbuild.
package version

import (
	"fmt"
	"runtime"
)

// Info holds version information, typically set at build time via ldflags
type Info struct {
	// Version is the semantic version (e.g., "1.2.0")
	Version string `json:"version"`

	// BuildDate is the ISO 8601 build timestamp
	BuildDate string `json:"build_date"`

	// GitCommit is the short git commit hash of kbuild itself
	GitCommit string `json:"git_commit"`
}

// Default values for unset version info
var (
	DefaultVersion   = "dev"
	DefaultBuildDate = "unknown"
	DefaultGitCommit = "unknown"
)

// New creates a new Info with default values
func New() *Info {
	return &Info{
		Version:   DefaultVersion,
		BuildDate: DefaultBuildDate,
		GitCommit: DefaultGitCommit,
	}
}

// String returns the short version string
func (i *Info) String() string {
	return i.Short()
}

// Short returns "<version>-<commit>"
func (i *Info) Short() string {
	return fmt.Sprintf("%s-%s", i.Version, i.GitCommit)
}

// Full returns a detailed multi-line version string
func (i *Info) Full() string {
	return fmt.Sprintf(`kbuild %s
  Build Date: %s
  Git Commit: %s
  Go Version: %s
  Platform:   %s/%s`,
		i.Version,
		i.BuildDate,
		i.GitCommit,
		runtime.Version(),
		runtime.GOOS, runtime.GOARCH,
	)
}
