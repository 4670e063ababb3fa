package build

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/bitswalk/kbuild/src/common/errors"
	"github.com/bitswalk/kbuild/src/kbuild/storage"
)

// PublishStage uploads the archive and its checksum to a storage backend
type PublishStage struct {
	storage       storage.Backend
	presignExpiry time.Duration
}

// NewPublishStage creates a new publish stage. A non-zero presignExpiry logs a
// download link when the backend supports it.
func NewPublishStage(backend storage.Backend, presignExpiry time.Duration) *PublishStage {
	return &PublishStage{
		storage:       backend,
		presignExpiry: presignExpiry,
	}
}

// Name returns the stage name
func (s *PublishStage) Name() StageName {
	return StagePublish
}

// Validate checks whether this stage can run
func (s *PublishStage) Validate(ctx context.Context, sc *StageContext) error {
	if s.storage == nil {
		return errors.ErrStorageUnavailable.WithMessage("No storage backend configured")
	}
	if sc.Artifact == nil {
		return fmt.Errorf("no artifact to publish - package stage must run first")
	}
	return nil
}

// Execute uploads <key> and <key>.sha256
func (s *PublishStage) Execute(ctx context.Context, sc *StageContext, progress ProgressFunc) error {
	a := sc.Artifact
	key := storage.ArchiveKey(a.Device, string(a.Variant), a.Name)

	if exists, err := s.storage.Exists(ctx, key); err != nil {
		log.Debug("Could not check for a published copy", "key", key, "error", err)
	} else if exists {
		log.Warn("Replacing previously published archive", "key", key)
	}

	progress(0, fmt.Sprintf("Uploading to %s", s.storage.Location()))

	f, err := os.Open(a.Path)
	if err != nil {
		return errors.ErrStorageUploadFailed.WithCause(err)
	}
	defer f.Close()

	if err := s.storage.Upload(ctx, key, f, a.Size, storage.ContentType(a.Name)); err != nil {
		return errors.ErrStorageUploadFailed.WithMessagef("Failed to upload %s", key).WithCause(err)
	}

	progress(80, "Uploading checksum")
	sum := fmt.Sprintf("%s  %s\n", a.SHA256, a.Name)
	sumKey := key + ".sha256"
	if err := s.storage.Upload(ctx, sumKey, strings.NewReader(sum), int64(len(sum)), storage.ContentType(sumKey)); err != nil {
		return errors.ErrStorageUploadFailed.WithMessagef("Failed to upload %s", sumKey).WithCause(err)
	}

	a.StorageKey = key
	log.Info("Archive published", "backend", s.storage.Type(), "key", key)

	if p, ok := s.storage.(storage.Presigner); ok && s.presignExpiry > 0 {
		if url, err := p.GetPresignedURL(ctx, key, s.presignExpiry); err != nil {
			log.Warn("Failed to create download link", "error", err)
		} else {
			log.Info("Download link", "url", url, "expires", s.presignExpiry)
		}
	}

	progress(100, "Archive published")
	return nil
}
