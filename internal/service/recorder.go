package service

import (
	"context"
	"fmt"
	"strings"
	"unicode/utf8"

	"audit-service/internal/domain"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
)

// Record signs and appends a new entry. When signing or the ledger append
// fails the entry is still stored, unsigned, and the result says so; only a
// failure to store the entry at all is returned as an error.
func (s *AuditService) Record(ctx context.Context, req domain.RecordRequest) (*domain.RecordResult, error) {
	action := strings.TrimSpace(req.Action)
	if action == "" || utf8.RuneCountInString(action) > domain.MaxActionLength {
		return nil, domain.ErrInvalidAction
	}

	entry := &domain.AuditLogEntry{
		ID:           uuid.NewString(),
		UserID:       req.UserID,
		ProcessID:    req.ProcessID,
		Action:       action,
		ResourceType: req.ResourceType,
		ResourceID:   req.ResourceID,
		Details:      req.Details,
		IPAddress:    req.IPAddress,
		UserAgent:    req.UserAgent,
	}
	if !contentIsUTF8(entry) {
		return nil, domain.ErrInvalidEncoding
	}

	link, err := s.appendSigned(ctx, entry)
	if err == nil {
		return &domain.RecordResult{
			Entry:      entry,
			Status:     domain.SignStatusSigned,
			BlockIndex: link.BlockIndex,
		}, nil
	}

	log.WithError(err).WithFields(log.Fields{
		"entry_id": entry.ID,
		"action":   entry.Action,
	}).Error("Failed to sign audit entry, storing it unsigned")

	entry.Signature = nil
	entry.PreviousHash = nil
	if entry.Timestamp.IsZero() {
		entry.Timestamp = s.now()
	}

	if cerr := s.store.Create(ctx, entry); cerr != nil {
		log.WithError(cerr).WithField("entry_id", entry.ID).Error("Failed to store unsigned audit entry")
		return nil, fmt.Errorf("failed to store audit entry: %w", cerr)
	}

	s.recordEntryUnsigned(ctx, entry, err.Error())

	return &domain.RecordResult{
		Entry:  entry,
		Status: domain.SignStatusUnsigned,
		Reason: err.Error(),
	}, nil
}

// appendSigned runs the read-tail/sign/append step. The timestamp is taken
// inside the critical section and never precedes the tail's, so timestamp
// order and block order agree.
func (s *AuditService) appendSigned(ctx context.Context, entry *domain.AuditLogEntry) (*domain.AuditChainEntry, error) {
	s.signMu.Lock()
	defer s.signMu.Unlock()

	return s.store.AppendSigned(ctx, entry, func(tail *domain.ChainLink) (*domain.AuditChainEntry, error) {
		ts := s.now()
		if tail != nil && ts.Before(tail.Timestamp) {
			ts = tail.Timestamp
		}
		entry.Timestamp = ts
		return s.signer.SignEntry(entry, tail)
	})
}

func (s *AuditService) GetEntry(ctx context.Context, id string) (*domain.AuditLogEntry, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, domain.ErrInvalidID
	}

	entry, err := s.store.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	return entry, nil
}
