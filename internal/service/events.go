package service

import (
	"context"
	"time"

	"audit-service/internal/domain"

	log "github.com/sirupsen/logrus"
)

const (
	serviceName    = "audit-service"
	systemActor    = "system"
	publishTimeout = 2 * time.Second
)

// Operational events are best-effort: a broker outage is logged and never
// fails the operation that produced the event.
func (s *AuditService) emit(ctx context.Context, event domain.AuditEvent) {
	if s == nil || s.publisher == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()

	event.Service = serviceName
	event.OccurredAt = time.Now().UTC()
	if err := s.publisher.Publish(ctx, event); err != nil {
		log.WithError(err).WithField("event_type", event.EventType).Warn("Failed to publish audit event")
	}
}

func (s *AuditService) recordEntryUnsigned(ctx context.Context, entry *domain.AuditLogEntry, reason string) {
	s.emit(ctx, domain.AuditEvent{
		EventType: domain.EventEntryUnsigned,
		EntityID:  entry.ID,
		Actor:     actorOf(entry),
		Payload: map[string]interface{}{
			"action": entry.Action,
			"reason": reason,
		},
	})
}

func (s *AuditService) recordRotation(ctx context.Context, result *domain.RotationResult) {
	s.emit(ctx, domain.AuditEvent{
		EventType: domain.EventLogRotated,
		EntityID:  result.ArchiveFile,
		Actor:     systemActor,
		Payload: map[string]interface{}{
			"archived_count": result.ArchivedCount,
			"archived_size":  result.ArchivedSize,
			"cutoff":         result.Cutoff,
		},
	})
}

func (s *AuditService) recordCleanup(ctx context.Context, result *domain.CleanupResult) {
	event := domain.AuditEvent{
		EventType: domain.EventArchiveCleanup,
		Actor:     systemActor,
		Payload: map[string]interface{}{
			"deleted_count": result.DeletedCount,
			"freed_space":   result.FreedSpace,
		},
	}
	if len(result.Errors) > 0 {
		event.Payload["errors"] = result.Errors
	}
	s.emit(ctx, event)
}

func (s *AuditService) recordVerificationFailed(ctx context.Context, r domain.TimeRange, result *domain.VerificationResult) {
	event := domain.AuditEvent{
		EventType: domain.EventVerificationFailed,
		Actor:     systemActor,
		Payload: map[string]interface{}{
			"total_entries":   result.TotalEntries,
			"invalid_entries": len(result.InvalidEntries),
			"broken_chain":    result.BrokenChain,
			"break_points":    result.BreakPoints,
			"errors":          len(result.Errors),
		},
	}
	if r.Start != nil {
		event.Payload["start"] = *r.Start
	}
	if r.End != nil {
		event.Payload["end"] = *r.End
	}
	s.emit(ctx, event)
}

func (s *AuditService) recordSizeThreshold(ctx context.Context, stats *domain.Statistics) {
	s.emit(ctx, domain.AuditEvent{
		EventType: domain.EventSizeThresholdReached,
		Actor:     systemActor,
		Payload: map[string]interface{}{
			"live_size_bytes": stats.LiveSizeBytes,
			"max_log_size":    stats.MaxLogSize,
			"total_entries":   stats.TotalEntries,
		},
	})
}

func actorOf(entry *domain.AuditLogEntry) string {
	if entry.UserID != nil {
		return *entry.UserID
	}
	return systemActor
}
