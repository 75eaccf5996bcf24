package service

import (
	"context"
	"fmt"

	"audit-service/internal/domain"

	log "github.com/sirupsen/logrus"
)

// Cleanup deletes archive units whose modification time is past the
// retention horizon. A file that cannot be removed is reported and skipped.
func (s *AuditService) Cleanup(ctx context.Context) (*domain.CleanupResult, error) {
	s.cleaning.Lock()
	defer s.cleaning.Unlock()

	files, err := s.archives.List()
	if err != nil {
		log.WithError(err).Error("Failed to list audit archives")
		return nil, fmt.Errorf("failed to list archives: %w", err)
	}

	horizon := s.now().Add(-s.opts.RetentionPeriod)
	result := &domain.CleanupResult{}

	for _, file := range files {
		if !file.ModTime.Before(horizon) {
			continue
		}

		if err := s.archives.Remove(file.Path); err != nil {
			cerr := &domain.CleanupError{File: file.Name, Err: err}
			log.WithError(err).WithField("archive_file", file.Name).Error("Failed to remove expired audit archive")
			result.Errors = append(result.Errors, cerr.Error())
			continue
		}

		result.DeletedCount++
		result.FreedSpace += file.Size
		log.WithFields(log.Fields{
			"archive_file": file.Name,
			"size":         file.Size,
		}).Info("Expired audit archive removed")
	}

	if result.DeletedCount > 0 {
		s.recordSystemEntry(ctx, domain.ActionArchiveCleanup, "", map[string]interface{}{
			"deletedCount": result.DeletedCount,
			"freedSpace":   result.FreedSpace,
			"horizon":      horizon,
		})
	}
	if result.DeletedCount > 0 || len(result.Errors) > 0 {
		s.recordCleanup(ctx, result)
	}

	return result, nil
}
