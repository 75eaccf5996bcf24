package service

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"audit-service/internal/domain"
)

var errInvalidUTF8 = errors.New("content is not valid UTF-8")

// HashEntry returns the hex SHA-256 of the entry's content fields. The fields
// are marshalled from a map, which encoding/json emits in sorted key order, so
// the digest does not depend on how the entry was built. Signature and
// PreviousHash are not part of the content. Invalid UTF-8 is rejected since
// encoding/json would fold distinct byte sequences into U+FFFD.
func HashEntry(entry *domain.AuditLogEntry) (string, error) {
	if !contentIsUTF8(entry) {
		return "", errInvalidUTF8
	}

	content := map[string]interface{}{
		"id":           entry.ID,
		"userId":       entry.UserID,
		"processId":    entry.ProcessID,
		"action":       entry.Action,
		"resourceType": entry.ResourceType,
		"resourceId":   entry.ResourceID,
		"details":      entry.Details,
		"ipAddress":    entry.IPAddress,
		"userAgent":    entry.UserAgent,
		"timestamp":    entry.Timestamp.UTC().Format(time.RFC3339Nano),
	}

	payload, err := json.Marshal(content)
	if err != nil {
		return "", fmt.Errorf("failed to serialize audit entry: %w", err)
	}

	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:]), nil
}

func contentIsUTF8(entry *domain.AuditLogEntry) bool {
	if !utf8.ValidString(entry.ID) || !utf8.ValidString(entry.Action) {
		return false
	}
	for _, field := range []*string{
		entry.UserID,
		entry.ProcessID,
		entry.ResourceType,
		entry.ResourceID,
		entry.Details,
		entry.IPAddress,
		entry.UserAgent,
	} {
		if field != nil && !utf8.ValidString(*field) {
			return false
		}
	}
	return true
}
