package service

import (
	"context"
	"time"

	"dmserver/internal/constants"
	"dmserver/internal/metrics"

	"github.com/sirupsen/logrus"
)

type StaleMessageCounter interface {
	CountStaleSending(ctx context.Context, olderThan time.Time) (int, error)
}

// DeliveryMonitor reports replicas stuck in pending or sending. A create call
// that died between the replica put and the final status leaves them behind.
type DeliveryMonitor struct {
	store          StaleMessageCounter
	checkInterval  time.Duration
	staleThreshold time.Duration
	now            func() time.Time
	logger         *logrus.Logger
	stopCh         chan struct{}
}

func NewDeliveryMonitor(store StaleMessageCounter, checkInterval, staleThreshold time.Duration, logger *logrus.Logger) *DeliveryMonitor {
	if checkInterval <= 0 {
		checkInterval = time.Duration(constants.DefaultStaleCheckIntervalSec) * time.Second
	}
	if staleThreshold <= 0 {
		staleThreshold = time.Duration(constants.DefaultStaleSendingThresholdSec) * time.Second
	}
	return &DeliveryMonitor{
		store:          store,
		checkInterval:  checkInterval,
		staleThreshold: staleThreshold,
		now:            time.Now,
		logger:         logger,
		stopCh:         make(chan struct{}),
	}
}

func (m *DeliveryMonitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.checkInterval)
	defer ticker.Stop()

	m.logger.WithFields(logrus.Fields{
		"check_interval":  m.checkInterval,
		"stale_threshold": m.staleThreshold,
	}).Info("Starting delivery monitor")

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.checkStaleMessages(ctx)
		}
	}
}

func (m *DeliveryMonitor) Stop() {
	close(m.stopCh)
}

func (m *DeliveryMonitor) checkStaleMessages(ctx context.Context) {
	count, err := m.store.CountStaleSending(ctx, m.now().Add(-m.staleThreshold))
	if err != nil {
		m.logger.WithError(err).Error("Failed to check for stale messages")
		return
	}
	metrics.SetGauge("delivery_stale_messages", float64(count), nil)
	if count > 0 {
		m.logger.WithFields(logrus.Fields{
			"stale_count": count,
			"threshold":   m.staleThreshold,
		}).Warn("Messages stuck in 'sending' without a final status")
	}
}
