package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"audit-service/internal/archive"
	"audit-service/internal/domain"
)

type memStore struct {
	mu           sync.Mutex
	logs         []domain.AuditLogEntry
	chain        []domain.AuditChainEntry
	checkpoints  []domain.ChainCheckpoint
	liveSize     int64
	rotationHeld bool

	appendErr   error
	snapshotErr error
	deleteErr   error
}

func (m *memStore) tail() *domain.ChainLink {
	var link *domain.ChainLink
	for _, c := range m.chain {
		if link == nil || c.BlockIndex > link.BlockIndex {
			link = &domain.ChainLink{BlockIndex: c.BlockIndex, Signature: c.Signature, Timestamp: c.Timestamp}
		}
	}
	if link != nil {
		return link
	}
	for _, cp := range m.checkpoints {
		if link == nil || cp.BlockIndex > link.BlockIndex {
			link = &domain.ChainLink{BlockIndex: cp.BlockIndex, Signature: cp.Signature, Timestamp: cp.Timestamp}
		}
	}
	return link
}

func (m *memStore) AppendSigned(ctx context.Context, entry *domain.AuditLogEntry, sign domain.SignFunc) (*domain.AuditChainEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.appendErr != nil {
		return nil, m.appendErr
	}
	link, err := sign(m.tail())
	if err != nil {
		return nil, err
	}
	m.logs = append(m.logs, *entry)
	m.chain = append(m.chain, *link)
	return link, nil
}

func (m *memStore) Create(ctx context.Context, entry *domain.AuditLogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, *entry)
	return nil
}

func (m *memStore) GetByID(ctx context.Context, id string) (*domain.AuditLogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.logs {
		if m.logs[i].ID == id {
			e := m.logs[i]
			return &e, nil
		}
	}
	return nil, domain.ErrEntryNotFound
}

func (m *memStore) Snapshot(ctx context.Context, r domain.TimeRange) (*domain.ChainSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.snapshotErr != nil {
		return nil, m.snapshotErr
	}

	snap := &domain.ChainSnapshot{}
	for _, e := range m.logs {
		if r.Contains(e.Timestamp) {
			snap.Logs = append(snap.Logs, e)
		}
	}
	minBlock := int64(0)
	for _, c := range m.chain {
		if r.Contains(c.Timestamp) {
			snap.Chain = append(snap.Chain, c)
			if minBlock == 0 || c.BlockIndex < minBlock {
				minBlock = c.BlockIndex
			}
		}
	}
	if minBlock > 1 {
		for _, c := range m.chain {
			if c.BlockIndex == minBlock-1 {
				snap.Anchor = &domain.ChainLink{BlockIndex: c.BlockIndex, Signature: c.Signature, Timestamp: c.Timestamp}
			}
		}
		for _, cp := range m.checkpoints {
			if snap.Anchor == nil && cp.BlockIndex == minBlock-1 {
				snap.Anchor = &domain.ChainLink{BlockIndex: cp.BlockIndex, Signature: cp.Signature, Timestamp: cp.Timestamp}
			}
		}
	}
	return snap, nil
}

func (m *memStore) DeleteArchived(ctx context.Context, ids []string, checkpoint *domain.ChainCheckpoint) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.deleteErr != nil {
		return 0, m.deleteErr
	}

	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}

	var deleted int64
	logs := m.logs[:0]
	for _, e := range m.logs {
		if drop[e.ID] {
			deleted++
			continue
		}
		logs = append(logs, e)
	}
	m.logs = logs

	chain := m.chain[:0]
	for _, c := range m.chain {
		if !drop[c.LogID] {
			chain = append(chain, c)
		}
	}
	m.chain = chain

	if checkpoint != nil {
		m.checkpoints = append(m.checkpoints, *checkpoint)
	}
	return deleted, nil
}

func (m *memStore) Stats(ctx context.Context) (*domain.StoreStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := &domain.StoreStats{
		TotalEntries:  int64(len(m.logs)),
		ChainEntries:  int64(len(m.chain)),
		LiveSizeBytes: m.liveSize,
	}
	for i := range m.logs {
		if m.logs[i].IsSigned() {
			st.SignedEntries++
		}
		ts := m.logs[i].Timestamp
		if st.OldestTimestamp == nil || ts.Before(*st.OldestTimestamp) {
			st.OldestTimestamp = &ts
		}
		if st.NewestTimestamp == nil || ts.After(*st.NewestTimestamp) {
			st.NewestTimestamp = &ts
		}
	}
	if tail := m.tail(); tail != nil {
		st.LastBlockIndex = tail.BlockIndex
	}
	return st, nil
}

func (m *memStore) LockRotation(ctx context.Context) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.rotationHeld {
		return nil, domain.ErrRotationInProgress
	}
	m.rotationHeld = true
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		m.rotationHeld = false
	}, nil
}

// findLog returns the index of the live entry with the given action.
func (m *memStore) findLog(action string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.logs {
		if m.logs[i].Action == action {
			return i
		}
	}
	return -1
}

type capturePublisher struct {
	mu     sync.Mutex
	events []domain.AuditEvent
}

func (p *capturePublisher) Publish(ctx context.Context, event domain.AuditEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
	return nil
}

func (p *capturePublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.EventType
	}
	return out
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t
}

type fixture struct {
	svc       *AuditService
	store     *memStore
	archives  *archive.Dir
	publisher *capturePublisher
	clock     *clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	signer, err := NewChainSigner([]byte("test-secret-key"))
	if err != nil {
		t.Fatal(err)
	}
	dir, err := archive.NewDir(t.TempDir(), true)
	if err != nil {
		t.Fatal(err)
	}

	f := &fixture{
		store:     &memStore{},
		archives:  dir,
		publisher: &capturePublisher{},
		clock:     &clock{now: time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)},
	}
	f.svc, err = NewAuditService(f.store, dir, signer, f.publisher, Options{
		MaxLogAge:       90 * 24 * time.Hour,
		RetentionPeriod: 30 * 24 * time.Hour,
		MaxLogSize:      1024,
		Now:             f.clock.Now,
	})
	if err != nil {
		t.Fatal(err)
	}
	return f
}

func (f *fixture) record(t *testing.T, action string) *domain.RecordResult {
	t.Helper()
	res, err := f.svc.Record(context.Background(), domain.RecordRequest{Action: action})
	if err != nil {
		t.Fatalf("record %s: %v", action, err)
	}
	return res
}

func (f *fixture) verifyAll(t *testing.T) *domain.VerificationResult {
	t.Helper()
	res, err := f.svc.Verify(context.Background(), domain.TimeRange{})
	if err != nil {
		t.Fatal(err)
	}
	return res
}
