package domain

import (
	"errors"
	"time"
)

var (
	ErrEntryNotFound      = errors.New("audit log entry not found")
	ErrInvalidID          = errors.New("invalid audit log entry id")
	ErrInvalidAction      = errors.New("invalid audit action")
	ErrInvalidEncoding    = errors.New("audit entry fields must be valid UTF-8")
	ErrInvalidTimeRange   = errors.New("invalid time range")
	ErrRotationInProgress = errors.New("audit log rotation already in progress")
)

const MaxActionLength = 100

// Actions recorded by the engine itself.
const (
	ActionLogRotation    = "audit_log_rotation"
	ActionArchiveCleanup = "audit_archive_cleanup"
)

// AuditLogEntry is one audit-worthy event. Signature and PreviousHash are set
// once at signing time and never recomputed.
type AuditLogEntry struct {
	ID           string    `json:"id"`
	UserID       *string   `json:"userId"`
	ProcessID    *string   `json:"processId"`
	Action       string    `json:"action"`
	ResourceType *string   `json:"resourceType"`
	ResourceID   *string   `json:"resourceId"`
	Details      *string   `json:"details"`
	IPAddress    *string   `json:"ipAddress"`
	UserAgent    *string   `json:"userAgent"`
	Timestamp    time.Time `json:"timestamp"`
	Signature    *string   `json:"signature"`
	PreviousHash *string   `json:"previousHash"`
}

func (e *AuditLogEntry) IsSigned() bool {
	return e.Signature != nil && *e.Signature != ""
}

// AuditChainEntry is the append-only ledger row mirroring a signed entry.
type AuditChainEntry struct {
	ID           string    `json:"id"`
	LogID        string    `json:"logId"`
	Hash         string    `json:"hash"`
	PreviousHash *string   `json:"previousHash"`
	Signature    string    `json:"signature"`
	Timestamp    time.Time `json:"timestamp"`
	BlockIndex   int64     `json:"blockIndex"`
}

// ChainLink is the minimal view of a ledger position: the live tail when
// signing, or the anchor preceding a verified range.
type ChainLink struct {
	BlockIndex int64
	Signature  string
	Timestamp  time.Time
}

// ChainCheckpoint remembers the last ledger link removed by a rotation so the
// remaining live chain can still be anchored.
type ChainCheckpoint struct {
	BlockIndex  int64     `json:"blockIndex"`
	LogID       string    `json:"logId"`
	Signature   string    `json:"signature"`
	Timestamp   time.Time `json:"timestamp"`
	ArchiveFile string    `json:"archiveFile"`
}

// TimeRange is half-open: [Start, End). Nil bounds are unbounded.
type TimeRange struct {
	Start *time.Time
	End   *time.Time
}

func (r TimeRange) Validate() error {
	if r.Start != nil && r.End != nil && !r.End.After(*r.Start) {
		return ErrInvalidTimeRange
	}
	return nil
}

func (r TimeRange) Contains(t time.Time) bool {
	if r.Start != nil && t.Before(*r.Start) {
		return false
	}
	if r.End != nil && !t.Before(*r.End) {
		return false
	}
	return true
}

// ChainSnapshot is a consistent read of log rows and ledger rows for a range.
type ChainSnapshot struct {
	Logs   []AuditLogEntry
	Chain  []AuditChainEntry
	Anchor *ChainLink
}

type RecordRequest struct {
	UserID       *string `json:"userId"`
	ProcessID    *string `json:"processId"`
	Action       string  `json:"action"`
	ResourceType *string `json:"resourceType"`
	ResourceID   *string `json:"resourceId"`
	Details      *string `json:"details"`
	IPAddress    *string `json:"ipAddress"`
	UserAgent    *string `json:"userAgent"`
}

type SignStatus string

const (
	SignStatusSigned   SignStatus = "signed"
	SignStatusUnsigned SignStatus = "unsigned"
)

// RecordResult tells the producer whether its entry made it into the chain.
type RecordResult struct {
	Entry      *AuditLogEntry `json:"entry"`
	Status     SignStatus     `json:"status"`
	BlockIndex int64          `json:"blockIndex,omitempty"`
	Reason     string         `json:"reason,omitempty"`
}

func (r *RecordResult) Signed() bool {
	return r != nil && r.Status == SignStatusSigned
}

type InvalidEntry struct {
	ID     string `json:"id"`
	Reason string `json:"reason"`
}

type VerificationResult struct {
	IsValid         bool           `json:"isValid"`
	TotalEntries    int            `json:"totalEntries"`
	VerifiedEntries int            `json:"verifiedEntries"`
	InvalidEntries  []InvalidEntry `json:"invalidEntries"`
	BrokenChain     bool           `json:"brokenChain"`
	BreakPoints     []string       `json:"breakPoints,omitempty"`
	Errors          []string       `json:"errors"`
}

type RotationResult struct {
	ArchivedCount int       `json:"archivedCount"`
	ArchivedSize  int64     `json:"archivedSize"`
	ArchiveFile   string    `json:"archiveFile"`
	Cutoff        time.Time `json:"cutoff"`
}

type CleanupResult struct {
	DeletedCount int      `json:"deletedCount"`
	FreedSpace   int64    `json:"freedSpace"`
	Errors       []string `json:"errors,omitempty"`
}

// StoreStats is the live-store half of Statistics.
type StoreStats struct {
	TotalEntries    int64
	SignedEntries   int64
	ChainEntries    int64
	LastBlockIndex  int64
	OldestTimestamp *time.Time
	NewestTimestamp *time.Time
	LiveSizeBytes   int64
}

type Statistics struct {
	TotalEntries          int64      `json:"totalEntries"`
	SignedEntries         int64      `json:"signedEntries"`
	UnsignedEntries       int64      `json:"unsignedEntries"`
	ChainEntries          int64      `json:"chainEntries"`
	LastBlockIndex        int64      `json:"lastBlockIndex"`
	OldestTimestamp       *time.Time `json:"oldestTimestamp"`
	NewestTimestamp       *time.Time `json:"newestTimestamp"`
	ArchiveFiles          int        `json:"archiveFiles"`
	ArchiveSize           int64      `json:"archiveSize"`
	LiveSizeBytes         int64      `json:"liveSizeBytes"`
	MaxLogSize            int64      `json:"maxLogSize"`
	SizeThresholdExceeded bool       `json:"sizeThresholdExceeded"`
}

// SignFunc signs an entry against the current ledger tail (nil when the
// ledger is empty) and returns the ledger row to append.
type SignFunc func(tail *ChainLink) (*AuditChainEntry, error)
