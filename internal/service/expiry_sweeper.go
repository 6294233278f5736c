package service

import (
	"context"
	"time"

	"dmserver/internal/constants"

	"github.com/sirupsen/logrus"
)

// Purger removes replicas whose auto-delete deadline has passed.
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}

type ExpirySweeper struct {
	purger   Purger
	interval time.Duration
	logger   *logrus.Logger
	stopCh   chan struct{}
}

func NewExpirySweeper(purger Purger, interval time.Duration, logger *logrus.Logger) *ExpirySweeper {
	if interval <= 0 {
		interval = time.Duration(constants.DefaultExpirySweepIntervalSec) * time.Second
	}
	return &ExpirySweeper{
		purger:   purger,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

func (s *ExpirySweeper) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.logger.WithField("interval", s.interval).Info("Starting expiry sweeper")

	s.runPurge(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Expiry sweeper context cancelled, stopping")
			return
		case <-s.stopCh:
			s.logger.Info("Expiry sweeper stop signal received, stopping")
			return
		case <-ticker.C:
			s.runPurge(ctx)
		}
	}
}

func (s *ExpirySweeper) Stop() {
	close(s.stopCh)
}

func (s *ExpirySweeper) runPurge(ctx context.Context) {
	n, err := s.purger.PurgeExpired(ctx)
	if err != nil {
		s.logger.WithError(err).Error("Failed to purge expired messages")
		return
	}
	if n > 0 {
		s.logger.WithField(LogFieldCount, n).Info("Purged expired messages")
	}
}
