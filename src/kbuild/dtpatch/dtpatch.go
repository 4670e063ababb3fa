// Package dtpatch applies MIUI-specific edits to the vendor device-tree sources
// and guarantees they are undone.
//
// A Session moves between two states. Apply copies the tree to a backup
// location and edits the live tree (Unmodified -> Patched); Restore deletes
// the live tree and moves the backup back (Patched -> Unmodified). The backup
// directory is the only record of a pending restore, so a run that was killed
// while patched is repaired by RecoverStale on the next start.
package dtpatch

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/bitswalk/kbuild/src/common/logs"
	"github.com/bitswalk/kbuild/src/common/paths"
)

var log = logs.NewDefault()

// SetLogger sets the logger for the dtpatch package
func SetLogger(l *logs.Logger) {
	if l != nil {
		log = l
	}
}

// Default locations relative to the kernel source tree
const (
	DefaultTreePath   = "arch/arm64/boot/dts/vendor"
	DefaultBackupPath = ".dts.bak"
)

// State of the device tree
type State int

const (
	Unmodified State = iota
	Patched
)

func (s State) String() string {
	switch s {
	case Unmodified:
		return "unmodified"
	case Patched:
		return "patched"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Session owns the device-tree directory for the duration of one variant build
type Session struct {
	dir    string
	backup string
	table  *Table
	state  State
}

// NewSession creates a session for the vendor tree of sourceDir
func NewSession(sourceDir string, table *Table) *Session {
	return &Session{
		dir:    filepath.Join(sourceDir, DefaultTreePath),
		backup: filepath.Join(sourceDir, DefaultBackupPath),
		table:  table,
		state:  Unmodified,
	}
}

// Dir returns the live device-tree directory
func (s *Session) Dir() string {
	return s.dir
}

// BackupDir returns the backup location
func (s *Session) BackupDir() string {
	return s.backup
}

// State returns the current state
func (s *Session) State() State {
	return s.state
}

// Applicable reports whether the device-tree directory exists
func (s *Session) Applicable() bool {
	return paths.IsDir(s.dir)
}

// Apply backs up the tree and runs the substitution table over it.
// It is a no-op, returning a nil report, when the tree does not exist.
func (s *Session) Apply() (*Report, error) {
	if s.state == Patched {
		return nil, fmt.Errorf("device tree already patched")
	}
	if !s.Applicable() {
		log.Info("Device tree directory not found, skipping patch", "dir", s.dir)
		return nil, nil
	}
	if paths.Exists(s.backup) {
		return nil, fmt.Errorf("backup %s already exists; restore it before patching", s.backup)
	}

	if err := paths.CopyDir(s.dir, s.backup); err != nil {
		os.RemoveAll(s.backup)
		return nil, fmt.Errorf("failed to back up device tree: %w", err)
	}
	s.state = Patched

	report, err := s.table.Apply(s.dir)
	if err != nil {
		if rerr := s.Restore(); rerr != nil {
			log.Error("Failed to restore device tree after patch error", "error", rerr)
		}
		return nil, fmt.Errorf("failed to patch device tree: %w", err)
	}

	log.Info("Device tree patched",
		"files", report.FilesChanged,
		"replacements", report.Replacements,
		"unmatched", len(report.Unmatched))
	for _, name := range report.Unmatched {
		log.Debug("Substitution matched nothing", "name", name)
	}
	return report, nil
}

// Restore puts the backup back in place. Calling it in the Unmodified state is a no-op,
// so it can always be deferred right after Apply.
func (s *Session) Restore() error {
	if s.state == Unmodified {
		return nil
	}
	if err := restore(s.dir, s.backup); err != nil {
		return err
	}
	s.state = Unmodified
	log.Info("Device tree restored", "dir", s.dir)
	return nil
}

// RecoverStale restores a backup left behind by an interrupted run.
// It reports whether a restore happened.
func (s *Session) RecoverStale() (bool, error) {
	if s.state == Patched || !paths.IsDir(s.backup) {
		return false, nil
	}
	log.Warn("Found device tree backup from an interrupted run, restoring", "backup", s.backup)
	if err := restore(s.dir, s.backup); err != nil {
		return false, err
	}
	return true, nil
}

func restore(dir, backup string) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to remove patched device tree: %w", err)
	}
	if err := paths.Move(backup, dir); err != nil {
		return fmt.Errorf("failed to move device tree backup into place: %w", err)
	}
	return nil
}
