package service

import (
	"context"
	"fmt"

	"audit-service/internal/domain"

	log "github.com/sirupsen/logrus"
)

func (s *AuditService) Statistics(ctx context.Context) (*domain.Statistics, error) {
	live, err := s.store.Stats(ctx)
	if err != nil {
		log.WithError(err).Error("Failed to read audit store statistics")
		return nil, fmt.Errorf("failed to read store statistics: %w", err)
	}

	files, err := s.archives.List()
	if err != nil {
		log.WithError(err).Error("Failed to list audit archives")
		return nil, fmt.Errorf("failed to list archives: %w", err)
	}

	stats := &domain.Statistics{
		TotalEntries:    live.TotalEntries,
		SignedEntries:   live.SignedEntries,
		UnsignedEntries: live.TotalEntries - live.SignedEntries,
		ChainEntries:    live.ChainEntries,
		LastBlockIndex:  live.LastBlockIndex,
		OldestTimestamp: live.OldestTimestamp,
		NewestTimestamp: live.NewestTimestamp,
		ArchiveFiles:    len(files),
		LiveSizeBytes:   live.LiveSizeBytes,
		MaxLogSize:      s.opts.MaxLogSize,
	}
	for _, f := range files {
		stats.ArchiveSize += f.Size
	}
	stats.SizeThresholdExceeded = s.opts.MaxLogSize > 0 && live.LiveSizeBytes > s.opts.MaxLogSize

	return stats, nil
}

// CheckSizeThreshold reports whether live storage has grown past the
// configured max log size. Exceeding it only raises a warning and an event;
// rotation stays age-driven.
func (s *AuditService) CheckSizeThreshold(ctx context.Context) (bool, error) {
	stats, err := s.Statistics(ctx)
	if err != nil {
		return false, err
	}
	if !stats.SizeThresholdExceeded {
		return false, nil
	}

	log.WithFields(log.Fields{
		"live_size_bytes": stats.LiveSizeBytes,
		"max_log_size":    stats.MaxLogSize,
	}).Warn("Audit log storage exceeds configured max size")
	s.recordSizeThreshold(ctx, stats)
	return true, nil
}
