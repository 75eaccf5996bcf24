package domain

import "time"

// Operational event types published to the event bus.
const (
	EventLogRotated           = "audit_log_rotated"
	EventArchiveCleanup       = "audit_archive_cleanup"
	EventVerificationFailed   = "audit_chain_verification_failed"
	EventEntryUnsigned        = "audit_entry_unsigned"
	EventSizeThresholdReached = "audit_size_threshold_exceeded"
)

type AuditEvent struct {
	Service    string                 `json:"service"`
	EventType  string                 `json:"event_type"`
	EntityID   string                 `json:"entity_id"`
	Actor      string                 `json:"actor,omitempty"`
	OccurredAt time.Time              `json:"occurred_at"`
	Payload    map[string]interface{} `json:"payload"`
}
