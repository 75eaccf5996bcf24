package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"audit-service/internal/domain"
)

// AuditStore is the live log store together with its parallel ledger.
// AppendSigned must run sign and persist both rows as one indivisible step:
// no two calls may observe the same tail.
type AuditStore interface {
	AppendSigned(ctx context.Context, entry *domain.AuditLogEntry, sign domain.SignFunc) (*domain.AuditChainEntry, error)
	Create(ctx context.Context, entry *domain.AuditLogEntry) error
	GetByID(ctx context.Context, id string) (*domain.AuditLogEntry, error)
	Snapshot(ctx context.Context, r domain.TimeRange) (*domain.ChainSnapshot, error)
	DeleteArchived(ctx context.Context, ids []string, checkpoint *domain.ChainCheckpoint) (int64, error)
	Stats(ctx context.Context) (*domain.StoreStats, error)
	// LockRotation takes the deployment-wide rotation lock. It returns
	// domain.ErrRotationInProgress when another process holds it.
	LockRotation(ctx context.Context) (unlock func(), err error)
}

type ArchiveStore interface {
	Write(cutoff time.Time, archive *domain.Archive) (path string, size int64, err error)
	List() ([]domain.ArchiveFile, error)
	Remove(path string) error
}

type EventPublisher interface {
	Publish(ctx context.Context, event domain.AuditEvent) error
}

type Options struct {
	MaxLogAge       time.Duration
	RetentionPeriod time.Duration
	MaxLogSize      int64
	Now             func() time.Time
}

type AuditService struct {
	store     AuditStore
	archives  ArchiveStore
	signer    *ChainSigner
	publisher EventPublisher
	opts      Options

	// signMu keeps a single writer on the ledger tail within this process.
	signMu sync.Mutex
	// rangeMu is held shared by verification and exclusively by rotation.
	rangeMu  sync.RWMutex
	rotating sync.Mutex
	cleaning sync.Mutex
}

func NewAuditService(store AuditStore, archives ArchiveStore, signer *ChainSigner, publisher EventPublisher, opts Options) (*AuditService, error) {
	if store == nil || archives == nil {
		return nil, errors.New("audit store and archive store are required")
	}
	if signer == nil {
		return nil, &domain.SigningError{Err: errEmptyKey}
	}
	if opts.MaxLogAge <= 0 || opts.RetentionPeriod <= 0 {
		return nil, errors.New("max log age and retention period must be positive")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &AuditService{
		store:     store,
		archives:  archives,
		signer:    signer,
		publisher: publisher,
		opts:      opts,
	}, nil
}

func (s *AuditService) now() time.Time {
	return s.opts.Now().UTC().Truncate(time.Microsecond)
}
