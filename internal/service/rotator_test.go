package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"audit-service/internal/archive"
	"audit-service/internal/domain"

	log "github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
)

const day = 24 * time.Hour

func TestRotateArchivesOnlyAgedEntries(t *testing.T) {
	f := newFixture(t)
	now := f.clock.Now()

	f.clock.Set(now.Add(-100 * day))
	old := f.record(t, "old")
	f.clock.Set(now.Add(-10 * day))
	recent := f.record(t, "recent")
	f.clock.Set(now)

	result, err := f.svc.Rotate(context.Background())
	if err != nil {
		t.Fatalf("rotate failed: %v", err)
	}
	if result.ArchivedCount != 1 || result.ArchivedSize <= 0 {
		t.Fatalf("expected one archived entry, got %+v", result)
	}
	if want := archive.FileName(now.Add(-90*day), 0, true); filepath.Base(result.ArchiveFile) != want {
		t.Fatalf("expected archive %s, got %s", want, result.ArchiveFile)
	}

	a, err := archive.ReadFile(result.ArchiveFile)
	if err != nil {
		t.Fatal(err)
	}
	if len(a.Logs) != 1 || a.Logs[0].ID != old.Entry.ID || a.Metadata.TotalEntries != 1 {
		t.Fatalf("archive must hold exactly the aged entry, got %+v", a)
	}
	if a.Metadata.Integrity == nil || !a.Metadata.Integrity.IsValid {
		t.Fatalf("embedded integrity report must be valid, got %+v", a.Metadata.Integrity)
	}
	if res := VerifyArchive(f.svc.signer, a); !res.IsValid {
		t.Fatalf("archive must re-verify offline, got %+v", res)
	}

	if _, err := f.svc.GetEntry(context.Background(), old.Entry.ID); !errors.Is(err, domain.ErrEntryNotFound) {
		t.Fatalf("archived entry must leave the live store")
	}
	if _, err := f.svc.GetEntry(context.Background(), recent.Entry.ID); err != nil {
		t.Fatalf("recent entry must stay live: %v", err)
	}
	if f.store.findLog(domain.ActionLogRotation) < 0 {
		t.Fatalf("rotation must record a signed maintenance entry")
	}

	cutoff := result.Cutoff
	before, err := f.svc.Verify(context.Background(), domain.TimeRange{End: &cutoff})
	if err != nil {
		t.Fatal(err)
	}
	if before.TotalEntries != 0 || !before.IsValid {
		t.Fatalf("nothing should remain before the cutoff, got %+v", before)
	}

	if all := f.verifyAll(t); !all.IsValid || all.TotalEntries != 2 {
		t.Fatalf("live chain must stay anchored after rotation, got %+v", all)
	}

	found := false
	for _, typ := range f.publisher.types() {
		if typ == domain.EventLogRotated {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a rotation event, got %v", f.publisher.types())
	}
}

func TestRotateWithNothingToArchive(t *testing.T) {
	f := newFixture(t)
	f.record(t, "fresh")

	result, err := f.svc.Rotate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if result.ArchivedCount != 0 || result.ArchiveFile != "" {
		t.Fatalf("expected empty rotation, got %+v", result)
	}
	if files, _ := f.archives.List(); len(files) != 0 {
		t.Fatalf("no archive file should be written, got %v", files)
	}
}

func TestRotateIsExclusive(t *testing.T) {
	f := newFixture(t)

	f.svc.rotating.Lock()
	defer f.svc.rotating.Unlock()

	if _, err := f.svc.Rotate(context.Background()); !errors.Is(err, domain.ErrRotationInProgress) {
		t.Fatalf("expected ErrRotationInProgress, got %v", err)
	}
}

func TestRotateIsExclusiveAcrossProcesses(t *testing.T) {
	f := newFixture(t)
	now := f.clock.Now()
	f.clock.Set(now.Add(-100 * day))
	old := f.record(t, "old")
	f.clock.Set(now)

	// A second service on the same store and directory plays another replica.
	replica, err := NewAuditService(f.store, f.archives, f.svc.signer, nil, f.svc.opts)
	if err != nil {
		t.Fatal(err)
	}

	unlock, err := f.store.LockRotation(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := replica.Rotate(context.Background()); !errors.Is(err, domain.ErrRotationInProgress) {
		t.Fatalf("expected ErrRotationInProgress while another process rotates, got %v", err)
	}
	if files, _ := f.archives.List(); len(files) != 0 {
		t.Fatalf("a refused rotation must not write an archive, got %v", files)
	}
	if _, err := f.svc.GetEntry(context.Background(), old.Entry.ID); err != nil {
		t.Fatalf("entry must stay live: %v", err)
	}
	unlock()

	result, err := replica.Rotate(context.Background())
	if err != nil || result.ArchivedCount != 1 {
		t.Fatalf("rotation must proceed once the lock is free, got %+v, %v", result, err)
	}
	if _, err := f.store.LockRotation(context.Background()); err != nil {
		t.Fatalf("rotation must release the lock, got %v", err)
	}
}

func TestRotateSecondRunSameDayGetsRevision(t *testing.T) {
	f := newFixture(t)
	now := f.clock.Now()

	f.clock.Set(now.Add(-100 * day))
	f.record(t, "old")
	f.clock.Set(now)

	first, err := f.svc.Rotate(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	late := &domain.AuditLogEntry{ID: "c3d2a1b0-1111-4222-8333-944455556666", Action: "late", Timestamp: now.Add(-95 * day)}
	if err := f.store.Create(context.Background(), late); err != nil {
		t.Fatal(err)
	}

	second, err := f.svc.Rotate(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if second.ArchivedCount != 1 || first.ArchiveFile == second.ArchiveFile {
		t.Fatalf("expected a distinct second archive, got %+v and %+v", first, second)
	}
	if !strings.Contains(filepath.Base(second.ArchiveFile), ".r1.") {
		t.Fatalf("expected revision suffix, got %s", second.ArchiveFile)
	}

	a, err := archive.ReadFile(second.ArchiveFile)
	if err != nil {
		t.Fatal(err)
	}
	if a.Metadata.Integrity.IsValid {
		t.Fatalf("an unsigned entry must be reported in the embedded integrity")
	}
}

func TestRotateDeleteFailureIsPartial(t *testing.T) {
	hook := test.NewGlobal()
	defer hook.Reset()

	f := newFixture(t)
	now := f.clock.Now()
	f.clock.Set(now.Add(-100 * day))
	old := f.record(t, "old")
	f.clock.Set(now)
	f.store.deleteErr = errors.New("deadlock detected")

	_, err := f.svc.Rotate(context.Background())
	var rotErr *domain.RotationError
	if !errors.As(err, &rotErr) {
		t.Fatalf("expected RotationError, got %v", err)
	}
	if rotErr.Stage != domain.RotationStageDelete || !rotErr.Partial || rotErr.ArchiveFile == "" {
		t.Fatalf("unexpected rotation error %+v", rotErr)
	}
	if _, err := os.Stat(rotErr.ArchiveFile); err != nil {
		t.Fatalf("archive must remain on disk: %v", err)
	}
	if _, err := f.svc.GetEntry(context.Background(), old.Entry.ID); err != nil {
		t.Fatalf("live entry must remain after failed delete: %v", err)
	}

	var flagged bool
	for _, e := range hook.AllEntries() {
		if e.Level == log.ErrorLevel && strings.Contains(e.Message, "manual reconciliation") {
			flagged = true
		}
	}
	if !flagged {
		t.Fatalf("expected a loud reconciliation log line")
	}
}

func TestRotateSelectFailureLeavesNoArchive(t *testing.T) {
	f := newFixture(t)
	f.store.snapshotErr = errors.New("timeout")

	_, err := f.svc.Rotate(context.Background())
	var rotErr *domain.RotationError
	if !errors.As(err, &rotErr) || rotErr.Stage != domain.RotationStageSelect || rotErr.Partial {
		t.Fatalf("expected select-stage error, got %v", err)
	}
	if files, _ := f.archives.List(); len(files) != 0 {
		t.Fatalf("no archive may be written on select failure")
	}
}

// brokenArchives corrupts every archive before handing it to the real
// directory so the write fails inside the encoder.
type brokenArchives struct {
	*archive.Dir
}

func (b brokenArchives) Write(cutoff time.Time, a *domain.Archive) (string, int64, error) {
	bad := *a
	bad.Metadata.ArchiveDate = time.Date(10000, 1, 1, 0, 0, 0, 0, time.UTC)
	return b.Dir.Write(cutoff, &bad)
}

func TestRotateWriteFailureLeavesLiveStore(t *testing.T) {
	f := newFixture(t)
	now := f.clock.Now()
	f.clock.Set(now.Add(-100 * day))
	old := f.record(t, "old")
	f.clock.Set(now)

	svc, err := NewAuditService(f.store, brokenArchives{f.archives}, f.svc.signer, f.publisher, f.svc.opts)
	if err != nil {
		t.Fatal(err)
	}

	_, err = svc.Rotate(context.Background())
	var rotErr *domain.RotationError
	if !errors.As(err, &rotErr) {
		t.Fatalf("expected RotationError, got %v", err)
	}
	if rotErr.Stage != domain.RotationStageWrite || rotErr.Partial || rotErr.ArchiveFile != "" {
		t.Fatalf("unexpected rotation error %+v", rotErr)
	}

	if _, err := svc.GetEntry(context.Background(), old.Entry.ID); err != nil {
		t.Fatalf("live entry must remain after failed write: %v", err)
	}
	if len(f.store.checkpoints) != 0 {
		t.Fatalf("no checkpoint may be recorded on write failure")
	}

	entries, err := os.ReadDir(f.archives.Path)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("failed write must leave no files, got %d", len(entries))
	}
	if f.store.findLog(domain.ActionLogRotation) >= 0 {
		t.Fatalf("a failed rotation must not record a maintenance entry")
	}
	if all := f.verifyAll(t); !all.IsValid {
		t.Fatalf("live chain must be untouched, got %+v", all)
	}
}
