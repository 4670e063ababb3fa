package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Artifact is one produced kernel archive
type Artifact struct {
	ID           string    `json:"id"`
	RunID        string    `json:"run_id"`
	Device       string    `json:"device"`
	Variant      string    `json:"variant"`
	KernelSU     bool      `json:"kernelsu"`
	Name         string    `json:"name"`
	Path         string    `json:"path"`
	Size         int64     `json:"size_bytes"`
	SHA256       string    `json:"sha256"`
	Revision     string    `json:"revision"`
	KPMPatched   bool      `json:"kpm_patched"`
	BuildSeconds float64   `json:"build_seconds"`
	StorageKey   string    `json:"storage_key,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// ArtifactFilter narrows a history listing
type ArtifactFilter struct {
	Device  string
	Variant string
	Limit   int
}

// ArtifactRepository handles artifact history operations
type ArtifactRepository struct {
	db *Database
}

// NewArtifactRepository creates a new artifact repository
func NewArtifactRepository(db *Database) *ArtifactRepository {
	return &ArtifactRepository{db: db}
}

// Create inserts a new artifact record
func (r *ArtifactRepository) Create(a *Artifact) error {
	if a.ID == "" {
		a.ID = uuid.New().String()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO artifacts (id, run_id, device, variant, kernelsu, name, path,
			size_bytes, sha256, revision, kpm_patched, build_seconds, storage_key, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.DB().Exec(query,
		a.ID, a.RunID, a.Device, a.Variant, a.KernelSU, a.Name, a.Path,
		a.Size, a.SHA256, a.Revision, a.KPMPatched, a.BuildSeconds, nullString(a.StorageKey), a.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create artifact record: %w", err)
	}
	return nil
}

const selectArtifactsQuery = `
	SELECT id, run_id, device, variant, kernelsu, name, path,
		size_bytes, sha256, revision, kpm_patched, build_seconds, storage_key, created_at
	FROM artifacts
`

// GetByID retrieves an artifact by ID
func (r *ArtifactRepository) GetByID(id string) (*Artifact, error) {
	row := r.db.DB().QueryRow(selectArtifactsQuery+` WHERE id = ?`, id)
	a, err := scanArtifact(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get artifact: %w", err)
	}
	return a, nil
}

// List returns artifacts, newest first
func (r *ArtifactRepository) List(filter ArtifactFilter) ([]Artifact, error) {
	query := selectArtifactsQuery + ` WHERE 1=1`
	var args []interface{}

	if filter.Device != "" {
		query += ` AND device = ?`
		args = append(args, filter.Device)
	}
	if filter.Variant != "" {
		query += ` AND variant = ?`
		args = append(args, filter.Variant)
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := r.db.DB().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan artifact: %w", err)
		}
		artifacts = append(artifacts, *a)
	}
	return artifacts, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanArtifact(s scanner) (*Artifact, error) {
	var a Artifact
	var storageKey sql.NullString
	err := s.Scan(
		&a.ID, &a.RunID, &a.Device, &a.Variant, &a.KernelSU, &a.Name, &a.Path,
		&a.Size, &a.SHA256, &a.Revision, &a.KPMPatched, &a.BuildSeconds, &storageKey, &a.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	a.StorageKey = storageKey.String
	return &a, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
