package service

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"

	"audit-service/internal/domain"

	log "github.com/sirupsen/logrus"
)

const archiveResourceType = "audit_archive"

// Rotate moves every entry older than the max log age into a new archive
// unit. The archive is durable on disk before anything is removed from the
// live store, and verification is blocked for the whole run. Only one
// rotation runs at a time across every process sharing the store.
func (s *AuditService) Rotate(ctx context.Context) (*domain.RotationResult, error) {
	if !s.rotating.TryLock() {
		return nil, domain.ErrRotationInProgress
	}
	defer s.rotating.Unlock()

	unlock, err := s.store.LockRotation(ctx)
	if err != nil {
		if errors.Is(err, domain.ErrRotationInProgress) {
			return nil, err
		}
		log.WithError(err).Error("Failed to take rotation lock")
		return nil, &domain.RotationError{Stage: domain.RotationStageSelect, Err: err}
	}

	result, err := s.rotate(ctx)
	unlock()
	if err != nil {
		return nil, err
	}
	if result.ArchivedCount == 0 {
		return result, nil
	}

	log.WithFields(log.Fields{
		"archive_file":   result.ArchiveFile,
		"archived_count": result.ArchivedCount,
		"archived_size":  result.ArchivedSize,
		"cutoff":         result.Cutoff,
	}).Info("Audit logs rotated")

	details := map[string]interface{}{
		"archiveFile":   filepath.Base(result.ArchiveFile),
		"archivedCount": result.ArchivedCount,
		"archivedSize":  result.ArchivedSize,
		"cutoff":        result.Cutoff,
	}
	s.recordSystemEntry(ctx, domain.ActionLogRotation, filepath.Base(result.ArchiveFile), details)
	s.recordRotation(ctx, result)

	return result, nil
}

func (s *AuditService) rotate(ctx context.Context) (*domain.RotationResult, error) {
	s.rangeMu.Lock()
	defer s.rangeMu.Unlock()

	cutoff := s.now().Add(-s.opts.MaxLogAge)
	result := &domain.RotationResult{Cutoff: cutoff}

	snapshot, err := s.store.Snapshot(ctx, domain.TimeRange{End: &cutoff})
	if err != nil {
		log.WithError(err).Error("Failed to select audit logs for rotation")
		return nil, &domain.RotationError{Stage: domain.RotationStageSelect, Err: err}
	}
	if len(snapshot.Logs) == 0 {
		log.WithField("cutoff", cutoff).Debug("No audit logs older than cutoff")
		return result, nil
	}

	integrity := verifySnapshot(s.signer, snapshot)
	if !integrity.IsValid {
		log.WithFields(log.Fields{
			"invalid_entries": len(integrity.InvalidEntries),
			"broken_chain":    integrity.BrokenChain,
		}).Warn("Archiving audit logs whose chain does not verify")
	}

	logs := sortEntries(snapshot.Logs, snapshot.Chain)
	archive := &domain.Archive{
		Metadata: domain.ArchiveMetadata{
			ArchiveDate:  s.now(),
			TotalEntries: len(logs),
			DateRange: domain.ArchiveDateRange{
				Start: logs[0].Timestamp,
				End:   logs[len(logs)-1].Timestamp,
			},
			Integrity: integrity,
		},
		Logs: logs,
	}

	path, size, err := s.archives.Write(cutoff, archive)
	if err != nil {
		log.WithError(err).Error("Failed to write audit archive")
		return nil, &domain.RotationError{Stage: domain.RotationStageWrite, Err: err}
	}

	ids := make([]string, len(logs))
	for i := range logs {
		ids[i] = logs[i].ID
	}

	deleted, err := s.store.DeleteArchived(ctx, ids, lastCheckpoint(snapshot.Chain, filepath.Base(path)))
	if err != nil {
		log.WithError(err).WithFields(log.Fields{
			"archive_file": path,
			"entries":      len(ids),
		}).Error("Audit archive was written but live rows were not removed; manual reconciliation required")
		return nil, &domain.RotationError{Stage: domain.RotationStageDelete, ArchiveFile: path, Partial: true, Err: err}
	}
	if deleted != int64(len(ids)) {
		log.WithFields(log.Fields{
			"archive_file": path,
			"expected":     len(ids),
			"deleted":      deleted,
		}).Warn("Deleted row count differs from archived entry count")
	}

	result.ArchivedCount = len(logs)
	result.ArchivedSize = size
	result.ArchiveFile = path
	return result, nil
}

func lastCheckpoint(chain []domain.AuditChainEntry, archiveFile string) *domain.ChainCheckpoint {
	var last *domain.AuditChainEntry
	for i := range chain {
		if last == nil || chain[i].BlockIndex > last.BlockIndex {
			last = &chain[i]
		}
	}
	if last == nil {
		return nil
	}
	return &domain.ChainCheckpoint{
		BlockIndex:  last.BlockIndex,
		LogID:       last.LogID,
		Signature:   last.Signature,
		Timestamp:   last.Timestamp,
		ArchiveFile: archiveFile,
	}
}

// recordSystemEntry signs an entry describing the engine's own maintenance
// work into the chain it maintains.
func (s *AuditService) recordSystemEntry(ctx context.Context, action, resourceID string, details map[string]interface{}) {
	payload, err := json.Marshal(details)
	if err != nil {
		log.WithError(err).WithField("action", action).Error("Failed to encode audit entry details")
		return
	}

	resourceType := archiveResourceType
	body := string(payload)
	req := domain.RecordRequest{
		Action:       action,
		ResourceType: &resourceType,
		Details:      &body,
	}
	if resourceID != "" {
		req.ResourceID = &resourceID
	}

	if _, err := s.Record(ctx, req); err != nil {
		log.WithError(err).WithField("action", action).Error("Failed to record maintenance audit entry")
	}
}
