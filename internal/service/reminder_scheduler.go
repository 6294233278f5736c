package service

import (
	"context"
	"time"

	"dmserver/internal/constants"
	apperrors "dmserver/internal/errors"
	"dmserver/internal/metrics"
	"dmserver/internal/models"

	"github.com/sirupsen/logrus"
)

// ReminderDueEvent is the payload of reminder_due.
type ReminderDueEvent struct {
	MessageID string          `json:"messageId"`
	OwnerID   string          `json:"ownerId"`
	Reminder  models.Reminder `json:"reminder"`
	Message   *models.Message `json:"message"`
	NextAt    *time.Time      `json:"nextAt,omitempty"`
}

// CheckAndNotifyReminders runs one sweep over due reminders and returns how
// many fired.
//
// Each occurrence is claimed with a conditional update before anyone is
// notified, so concurrent sweeps never both fire it. The flip side is that a
// crash between the claim and the notification loses that occurrence: delivery
// is at most once per occurrence.
func (e *Engine) CheckAndNotifyReminders(ctx context.Context) (fired int, err error) {
	ctx, done := e.begin(ctx, "reminder_sweep")
	defer func() { done(err) }()

	now := e.clock()
	sctx, cancel := e.storeCtx(ctx)
	due, err := e.deps.Store.ScanDueReminders(sctx, now)
	cancel()
	if err != nil {
		return 0, apperrors.NewDependencyError("store", "scan due reminders", err)
	}

	for _, m := range due {
		if ctx.Err() != nil {
			return fired, ctx.Err()
		}
		if m.Reminder == nil {
			continue
		}
		ok, err := e.fireReminder(ctx, m, now)
		if err != nil {
			e.errs.LogError(err, "Failed to fire reminder", logrus.Fields{
				LogFieldMessageID: SanitizeMessageID(ctx, m.MessageID),
				LogFieldOwnerID:   SanitizeUserID(ctx, m.OwnerID),
			})
			continue
		}
		if ok {
			fired++
		}
	}

	if fired > 0 {
		e.logger.WithField(LogFieldCount, fired).Info("Reminders fired")
	}
	return fired, nil
}

// fireReminder claims one due occurrence and, if this sweep won it, notifies
// and records it.
func (e *Engine) fireReminder(ctx context.Context, m *models.Message, now time.Time) (bool, error) {
	current := *m.Reminder
	fields := logrus.Fields{
		LogFieldMessageID: SanitizeMessageID(ctx, m.MessageID),
		LogFieldOwnerID:   SanitizeUserID(ctx, m.OwnerID),
		LogFieldRepeat:    current.Repeat,
	}

	var next *models.Reminder
	if !m.IsRecalled {
		if at, ok := NextOccurrence(current, now); ok {
			n := current.Clone()
			n.At = at
			next = &n
		}
	}

	sctx, cancel := e.storeCtx(ctx)
	won, err := e.deps.Store.ClaimReminder(sctx, m.MessageID, m.OwnerID, current, next)
	cancel()
	if err != nil {
		return false, apperrors.NewDependencyError("store", "claim reminder", err)
	}
	if !won {
		metrics.IncrementCounter("reminder_claims_lost_total", nil)
		e.logger.WithFields(fields).Debug("Reminder already claimed by another sweep")
		return false, nil
	}
	if m.IsRecalled {
		e.logger.WithFields(fields).Debug("Dropped reminder on recalled message")
		return false, nil
	}

	event := ReminderDueEvent{
		MessageID: m.MessageID,
		OwnerID:   m.OwnerID,
		Reminder:  current,
		Message:   m,
	}
	if next != nil {
		at := next.At
		event.NextAt = &at
	}
	e.deps.Notifier.Notify(ctx, m.OwnerID, models.EventReminderDue, event)
	if current.Scope == models.ReminderScopeBoth && m.Counterpart() != m.OwnerID {
		e.deps.Notifier.Notify(ctx, m.Counterpart(), models.EventReminderDue, event)
	}

	sctx, cancel = e.storeCtx(ctx)
	err = e.deps.Audit.AppendReminderLog(sctx, &models.ReminderLogEntry{
		LogID:           e.newID(),
		MessageID:       m.MessageID,
		UserID:          m.OwnerID,
		Reminder:        current.At,
		ReminderContent: current.Content,
		Timestamp:       now,
	})
	cancel()
	if err != nil {
		e.errs.LogWarn(err, "Failed to append reminder log", fields)
	}

	metrics.IncrementCounter("reminders_fired_total", map[string]string{"repeat": string(current.Repeat)})
	return true, nil
}

// ReminderSweeper is the single sweep the scheduler drives.
type ReminderSweeper interface {
	CheckAndNotifyReminders(ctx context.Context) (int, error)
}

// ReminderScheduler runs reminder sweeps on a ticker. With a lease only the
// instance holding it sweeps.
type ReminderScheduler struct {
	sweeper  ReminderSweeper
	interval time.Duration
	lease    Lease
	logger   *logrus.Logger
	stopCh   chan struct{}
}

func NewReminderScheduler(sweeper ReminderSweeper, interval time.Duration, lease Lease, logger *logrus.Logger) *ReminderScheduler {
	if interval <= 0 {
		interval = time.Duration(constants.DefaultReminderSweepIntervalSec) * time.Second
	}
	return &ReminderScheduler{
		sweeper:  sweeper,
		interval: interval,
		lease:    lease,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
}

func (s *ReminderScheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	defer s.releaseLease()

	s.logger.WithField("interval", s.interval).Info("Starting reminder scheduler")

	s.runSweep(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Reminder scheduler context cancelled, stopping")
			return
		case <-s.stopCh:
			s.logger.Info("Reminder scheduler stop signal received, stopping")
			return
		case <-ticker.C:
			s.runSweep(ctx)
		}
	}
}

func (s *ReminderScheduler) Stop() {
	close(s.stopCh)
}

func (s *ReminderScheduler) runSweep(ctx context.Context) {
	if s.lease != nil {
		held, err := s.lease.Acquire(ctx)
		if err != nil {
			s.logger.WithError(err).Warn("Failed to acquire reminder lease, skipping sweep")
			return
		}
		if !held {
			s.logger.Debug("Reminder lease held elsewhere, skipping sweep")
			return
		}
	}

	start := time.Now()
	fired, err := s.sweeper.CheckAndNotifyReminders(ctx)
	metrics.RecordTimer("reminder_sweep_duration", time.Since(start), nil)
	if err != nil {
		s.logger.WithError(err).Error("Reminder sweep failed")
		return
	}
	s.logger.WithFields(logrus.Fields{
		LogFieldCount:    fired,
		LogFieldDuration: time.Since(start).Milliseconds(),
	}).Debug("Reminder sweep completed")
}

func (s *ReminderScheduler) releaseLease() {
	if s.lease == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.lease.Release(ctx); err != nil {
		s.logger.WithError(err).Warn("Failed to release reminder lease")
	}
}
