package service

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"wanderlink/internal/constants"
)

// Maintainer is the periodic housekeeping a session needs. *Session
// implements it.
type Maintainer interface {
	SweepDedup() int
	PurgeExpired(ctx context.Context) (int64, error)
	SyncPending(ctx context.Context) (int, error)
	Reconcile(ctx context.Context) error
}

type Scheduler struct {
	target   Maintainer
	interval time.Duration
	logger   *logrus.Logger
	stopCh   chan struct{}
	stopOnce sync.Once
}

func NewScheduler(target Maintainer, interval time.Duration, logger *logrus.Logger) *Scheduler {
	if interval <= 0 {
		interval = constants.DefaultSweepIntervalSec * time.Second
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &Scheduler{
		target:   target,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

// Start runs one pass immediately and then one per interval until ctx ends
// or Stop is called. It blocks.
func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.WithField("interval", s.interval.String()).Info("Starting maintenance scheduler")

	s.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler context cancelled, stopping")
			return
		case <-s.stopCh:
			s.logger.Info("Scheduler stop signal received, stopping")
			return
		case <-ticker.C:
			s.RunOnce(ctx)
		}
	}
}

func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

// RunOnce performs a single maintenance pass. Each step runs even when an
// earlier one failed.
func (s *Scheduler) RunOnce(ctx context.Context) {
	start := time.Now()

	swept := s.target.SweepDedup()

	purged, err := s.target.PurgeExpired(ctx)
	if err != nil {
		s.logger.WithError(err).Error("Failed to purge expired cache entries")
	}

	synced, err := s.target.SyncPending(ctx)
	if err != nil {
		s.logger.WithError(err).Error("Failed to sync pending connections")
	}

	if err := s.target.Reconcile(ctx); err != nil {
		s.logger.WithError(err).Warn("Failed to reconcile connections with backend")
	}

	s.logger.WithFields(logrus.Fields{
		"dedup_swept":    swept,
		"cache_purged":   purged,
		"synced":         synced,
		LogFieldDuration: time.Since(start).Milliseconds(),
	}).Debug("Completed maintenance pass")
}
