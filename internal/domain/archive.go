package domain

import "time"

// Archive is the on-disk interchange format of a rotated batch.
type Archive struct {
	Metadata ArchiveMetadata `json:"metadata"`
	Logs     []AuditLogEntry `json:"logs"`
}

type ArchiveMetadata struct {
	ArchiveDate  time.Time           `json:"archiveDate"`
	TotalEntries int                 `json:"totalEntries"`
	DateRange    ArchiveDateRange    `json:"dateRange"`
	Integrity    *VerificationResult `json:"integrity"`
}

type ArchiveDateRange struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type ArchiveFile struct {
	Name    string    `json:"name"`
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"modTime"`
}
