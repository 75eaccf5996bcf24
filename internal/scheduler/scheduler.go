package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"audit-service/internal/domain"

	log "github.com/sirupsen/logrus"
)

type Maintainer interface {
	Rotate(ctx context.Context) (*domain.RotationResult, error)
	Cleanup(ctx context.Context) (*domain.CleanupResult, error)
	CheckSizeThreshold(ctx context.Context) (bool, error)
}

// Scheduler runs rotation and retention cleanup on fixed intervals. Every
// replica may run one; overlapping rotations are refused by the store lock.
type Scheduler struct {
	maintainer       Maintainer
	rotationInterval time.Duration
	cleanupInterval  time.Duration
}

func New(maintainer Maintainer, rotationInterval, cleanupInterval time.Duration) *Scheduler {
	return &Scheduler{
		maintainer:       maintainer,
		rotationInterval: rotationInterval,
		cleanupInterval:  cleanupInterval,
	}
}

// Run starts both loops and blocks until ctx is cancelled and both have
// returned. Each job runs once immediately.
func (s *Scheduler) Run(ctx context.Context) {
	log.WithFields(log.Fields{
		"rotation_interval": s.rotationInterval,
		"cleanup_interval":  s.cleanupInterval,
	}).Info("Audit maintenance scheduler started")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		loop(ctx, s.rotationInterval, s.RotateOnce)
	}()
	go func() {
		defer wg.Done()
		loop(ctx, s.cleanupInterval, s.CleanupOnce)
	}()
	wg.Wait()

	log.Info("Audit maintenance scheduler stopped")
}

func loop(ctx context.Context, interval time.Duration, job func(context.Context)) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		job(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Scheduler) RotateOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	result, err := s.maintainer.Rotate(ctx)
	switch {
	case errors.Is(err, domain.ErrRotationInProgress):
		log.Info("Skipping scheduled rotation, another rotation is running")
		return
	case err != nil:
		log.WithError(err).Error("Scheduled audit log rotation failed")
		return
	}

	log.WithField("archived_count", result.ArchivedCount).Debug("Scheduled audit log rotation finished")

	if _, err := s.maintainer.CheckSizeThreshold(ctx); err != nil {
		log.WithError(err).Warn("Failed to check audit log size")
	}
}

func (s *Scheduler) CleanupOnce(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}

	result, err := s.maintainer.Cleanup(ctx)
	if err != nil {
		log.WithError(err).Error("Scheduled archive cleanup failed")
		return
	}
	if len(result.Errors) > 0 {
		log.WithField("errors", len(result.Errors)).Warn("Scheduled archive cleanup finished with errors")
	}
}
