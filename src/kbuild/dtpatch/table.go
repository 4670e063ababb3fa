package dtpatch

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed table.yaml
var defaultTable []byte

// Substitution is a literal, global text replacement applied to every file matching Files
type Substitution struct {
	Name        string `yaml:"name"`
	Files       string `yaml:"files"`
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
}

// Table is an ordered list of substitutions
type Table struct {
	Substitutions []Substitution `yaml:"substitutions"`
}

// Report summarizes what applying a table changed
type Report struct {
	// FilesChanged counts distinct files whose content changed
	FilesChanged int
	// Replacements counts individual pattern occurrences replaced
	Replacements int
	// Unmatched lists substitutions that found nothing to replace
	Unmatched []string
}

// DefaultTable returns the built-in substitution table
func DefaultTable() (*Table, error) {
	return ParseTable(defaultTable)
}

// LoadTable reads a table from path, or returns the built-in table when path is empty
func LoadTable(path string) (*Table, error) {
	if path == "" {
		return DefaultTable()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read substitution table: %w", err)
	}
	t, err := ParseTable(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return t, nil
}

// ParseTable decodes and validates a YAML table
func ParseTable(data []byte) (*Table, error) {
	var t Table
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("invalid substitution table: %w", err)
	}

	for i, s := range t.Substitutions {
		if s.Pattern == "" {
			return nil, fmt.Errorf("substitution %d (%s): empty pattern", i, s.Name)
		}
		if s.Files == "" {
			return nil, fmt.Errorf("substitution %d (%s): empty file glob", i, s.Name)
		}
		if filepath.IsAbs(s.Files) || strings.HasPrefix(filepath.Clean(s.Files), "..") {
			return nil, fmt.Errorf("substitution %d (%s): glob %q must stay inside the tree", i, s.Name, s.Files)
		}
		if _, err := filepath.Match(s.Files, ""); err != nil {
			return nil, fmt.Errorf("substitution %d (%s): bad glob %q: %w", i, s.Name, s.Files, err)
		}
	}

	return &t, nil
}

// Apply runs every substitution, in order, against the files under dir
func (t *Table) Apply(dir string) (*Report, error) {
	report := &Report{}
	changed := make(map[string]bool)

	for _, s := range t.Substitutions {
		matches, err := filepath.Glob(filepath.Join(dir, s.Files))
		if err != nil {
			return report, fmt.Errorf("substitution %s: %w", s.Name, err)
		}
		sort.Strings(matches)

		hits := 0
		for _, path := range matches {
			n, err := replaceInFile(path, s.Pattern, s.Replacement)
			if err != nil {
				return report, fmt.Errorf("substitution %s: %w", s.Name, err)
			}
			if n > 0 {
				hits += n
				changed[path] = true
			}
		}

		if hits == 0 {
			report.Unmatched = append(report.Unmatched, s.Name)
		}
		report.Replacements += hits
	}

	report.FilesChanged = len(changed)
	return report, nil
}

// replaceInFile rewrites path in place, keeping its mode. Directories are skipped.
func replaceInFile(path, pattern, replacement string) (int, error) {
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	if !info.Mode().IsRegular() {
		return 0, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}

	content := string(data)
	n := strings.Count(content, pattern)
	if n == 0 {
		return 0, nil
	}

	updated := strings.ReplaceAll(content, pattern, replacement)
	if err := os.WriteFile(path, []byte(updated), info.Mode().Perm()); err != nil {
		return 0, err
	}
	return n, nil
}
