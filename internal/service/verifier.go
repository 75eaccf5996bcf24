package service

import (
	"context"
	"fmt"
	"math"
	"sort"

	"audit-service/internal/domain"

	log "github.com/sirupsen/logrus"
)

// Verify replays the chain over r and cross-checks it against the ledger.
// Integrity findings and store failures are reported in the result; the only
// error returned is domain.ErrInvalidTimeRange.
func (s *AuditService) Verify(ctx context.Context, r domain.TimeRange) (*domain.VerificationResult, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	s.rangeMu.RLock()
	result := s.verifyRange(ctx, r)
	s.rangeMu.RUnlock()

	if !result.IsValid {
		log.WithFields(log.Fields{
			"total_entries":   result.TotalEntries,
			"invalid_entries": len(result.InvalidEntries),
			"broken_chain":    result.BrokenChain,
			"errors":          len(result.Errors),
		}).Warn("Audit chain verification failed")
		s.recordVerificationFailed(ctx, r, result)
	}
	return result, nil
}

// verifyRange must be called with rangeMu held.
func (s *AuditService) verifyRange(ctx context.Context, r domain.TimeRange) *domain.VerificationResult {
	snapshot, err := s.store.Snapshot(ctx, r)
	if err != nil {
		log.WithError(err).Error("Failed to read audit chain snapshot")
		result := newVerificationResult()
		result.Errors = append(result.Errors, fmt.Sprintf("failed to read audit chain: %v", err))
		return result
	}
	return verifySnapshot(s.signer, snapshot)
}

func verifySnapshot(signer *ChainSigner, snapshot *domain.ChainSnapshot) *domain.VerificationResult {
	var anchor *string
	if snapshot.Anchor != nil {
		sig := snapshot.Anchor.Signature
		anchor = &sig
	}

	result := replay(signer, snapshot.Logs, snapshot.Chain, anchor)
	crossCheck(result, snapshot.Logs, snapshot.Chain)
	result.IsValid = len(result.Errors) == 0 && len(result.InvalidEntries) == 0 && !result.BrokenChain
	return result
}

// VerifyArchive re-verifies the logs of an archive unit on their own. There
// is no ledger to consult, so the replay is anchored at the previous hash
// recorded on the first signed entry.
func VerifyArchive(signer *ChainSigner, archive *domain.Archive) *domain.VerificationResult {
	logs := sortEntries(archive.Logs, nil)

	var anchor *string
	for i := range logs {
		if logs[i].IsSigned() {
			anchor = logs[i].PreviousHash
			break
		}
	}

	result := replay(signer, logs, nil, anchor)
	result.IsValid = len(result.Errors) == 0 && len(result.InvalidEntries) == 0 && !result.BrokenChain
	return result
}

func newVerificationResult() *domain.VerificationResult {
	return &domain.VerificationResult{
		InvalidEntries: []domain.InvalidEntry{},
		Errors:         []string{},
	}
}

func replay(signer *ChainSigner, logs []domain.AuditLogEntry, chain []domain.AuditChainEntry, anchor *string) *domain.VerificationResult {
	result := newVerificationResult()
	ordered := sortEntries(logs, chain)
	result.TotalEntries = len(ordered)

	expected := anchor
	for i := range ordered {
		entry := &ordered[i]

		if !entry.IsSigned() {
			result.InvalidEntries = append(result.InvalidEntries, domain.InvalidEntry{ID: entry.ID, Reason: "entry is not signed"})
			continue
		}

		valid := true
		hash, err := HashEntry(entry)
		if err != nil {
			valid = false
			result.InvalidEntries = append(result.InvalidEntries, domain.InvalidEntry{ID: entry.ID, Reason: err.Error()})
			result.Errors = append(result.Errors, fmt.Sprintf("entry %s: %v", entry.ID, err))
		} else if !signer.matches(*entry.Signature, hash, expected) {
			valid = false
			result.InvalidEntries = append(result.InvalidEntries, domain.InvalidEntry{ID: entry.ID, Reason: "signature mismatch"})
			result.Errors = append(result.Errors, fmt.Sprintf("entry %s: signature mismatch", entry.ID))
		}

		if !sameHash(entry.PreviousHash, expected) {
			result.BrokenChain = true
			result.BreakPoints = append(result.BreakPoints, entry.ID)
		}

		if valid {
			result.VerifiedEntries++
		}
		expected = entry.Signature
	}
	return result
}

func crossCheck(result *domain.VerificationResult, logs []domain.AuditLogEntry, chain []domain.AuditChainEntry) {
	byID := make(map[string]*domain.AuditLogEntry, len(logs))
	for i := range logs {
		byID[logs[i].ID] = &logs[i]
	}

	linked := make(map[string]struct{}, len(chain))
	for _, link := range chain {
		linked[link.LogID] = struct{}{}

		entry, ok := byID[link.LogID]
		if !ok {
			result.Errors = append(result.Errors, fmt.Sprintf("ledger block %d references missing entry %s", link.BlockIndex, link.LogID))
			continue
		}
		if entry.Signature == nil || *entry.Signature != link.Signature {
			result.Errors = append(result.Errors, fmt.Sprintf("ledger block %d signature does not match entry %s", link.BlockIndex, link.LogID))
		}
		if !sameHash(entry.PreviousHash, link.PreviousHash) {
			result.Errors = append(result.Errors, fmt.Sprintf("ledger block %d previous hash does not match entry %s", link.BlockIndex, link.LogID))
		}
	}

	for i := range logs {
		if !logs[i].IsSigned() {
			continue
		}
		if _, ok := linked[logs[i].ID]; !ok {
			result.Errors = append(result.Errors, fmt.Sprintf("entry %s has no ledger block", logs[i].ID))
		}
	}
}

// sortEntries returns a copy ordered by timestamp, then block index. Entries
// without a ledger row sort after linked ones at the same instant and
// otherwise keep their input order.
func sortEntries(logs []domain.AuditLogEntry, chain []domain.AuditChainEntry) []domain.AuditLogEntry {
	blocks := make(map[string]int64, len(chain))
	for _, link := range chain {
		blocks[link.LogID] = link.BlockIndex
	}
	block := func(id string) int64 {
		if b, ok := blocks[id]; ok {
			return b
		}
		return math.MaxInt64
	}

	ordered := make([]domain.AuditLogEntry, len(logs))
	copy(ordered, logs)
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := &ordered[i], &ordered[j]
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return block(a.ID) < block(b.ID)
	})
	return ordered
}

func sameHash(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
