package service

import (
	"context"
	"sort"
	"time"

	apperrors "dmserver/internal/errors"
	"dmserver/internal/models"
	"dmserver/internal/privacy"
	"dmserver/internal/tracing"
	"dmserver/internal/validation"
)

// SetReminder attaches a reminder to the caller's replica, replacing any
// existing one. The counterpart's replica is never written; a both-scoped
// reminder only notifies them.
func (e *Engine) SetReminder(ctx context.Context, userID, messageID string, r models.Reminder) (*models.Message, error) {
	return e.writeReminder(ctx, "set_reminder", userID, messageID, r, false)
}

// EditReminder is SetReminder for a replica that already carries a reminder.
func (e *Engine) EditReminder(ctx context.Context, userID, messageID string, r models.Reminder) (*models.Message, error) {
	return e.writeReminder(ctx, "edit_reminder", userID, messageID, r, true)
}

func (e *Engine) writeReminder(ctx context.Context, op, userID, messageID string, r models.Reminder, mustExist bool) (msg *models.Message, err error) {
	ctx, done := e.begin(ctx, op,
		tracing.AttrUserID.String(privacy.MaskUserID(userID)),
		tracing.AttrMessageID.String(messageID),
	)
	defer func() { done(err) }()

	if err := validation.ValidateReminder(r, e.clock()); err != nil {
		return nil, err
	}

	own, err := e.ownReplica(ctx, messageID, userID)
	if err != nil {
		return nil, err
	}
	if own.IsRecalled || own.Status == models.StatusRecalled {
		return nil, apperrors.NewConflictError("cannot set a reminder on a recalled message")
	}
	if mustExist && own.Reminder == nil {
		return nil, apperrors.NewNotFoundError("reminder", messageID)
	}

	normalized := normalizeReminder(r)

	sctx, cancel := e.storeCtx(ctx)
	updated, err := e.deps.Store.UpdateMessage(sctx, messageID, userID, models.MessageUpdate{Reminder: &normalized})
	cancel()
	if err != nil {
		return nil, apperrors.NewDependencyError("store", "write reminder", err)
	}
	if updated == nil {
		return nil, apperrors.NewNotFoundError("message", messageID)
	}

	if normalized.Scope == models.ReminderScopeBoth && own.Counterpart() != userID {
		e.deps.Notifier.Notify(ctx, own.Counterpart(), models.EventReminderSet, ReminderEvent{
			MessageID: messageID,
			OwnerID:   userID,
			Reminder:  &normalized,
		})
	}
	return updated, nil
}

// UnsetReminder clears the reminder on the caller's replica.
func (e *Engine) UnsetReminder(ctx context.Context, userID, messageID string) (msg *models.Message, err error) {
	ctx, done := e.begin(ctx, "unset_reminder",
		tracing.AttrUserID.String(privacy.MaskUserID(userID)),
		tracing.AttrMessageID.String(messageID),
	)
	defer func() { done(err) }()

	own, err := e.ownReplica(ctx, messageID, userID)
	if err != nil {
		return nil, err
	}
	if own.Reminder == nil {
		return nil, apperrors.NewNotFoundError("reminder", messageID)
	}

	sctx, cancel := e.storeCtx(ctx)
	updated, err := e.deps.Store.UpdateMessage(sctx, messageID, userID, models.MessageUpdate{ClearReminder: true})
	cancel()
	if err != nil {
		return nil, apperrors.NewDependencyError("store", "clear reminder", err)
	}
	if updated == nil {
		return nil, apperrors.NewNotFoundError("message", messageID)
	}

	if own.Reminder.Scope == models.ReminderScopeBoth && own.Counterpart() != userID {
		e.deps.Notifier.Notify(ctx, own.Counterpart(), models.EventReminderUnset, ReminderEvent{
			MessageID: messageID,
			OwnerID:   userID,
		})
	}
	return updated, nil
}

// GetRemindersBetweenUsers lists the caller's reminders in the conversation
// with otherID together with otherID's both-scoped ones, soonest first.
func (e *Engine) GetRemindersBetweenUsers(ctx context.Context, userID, otherID string) (msgs []*models.Message, err error) {
	ctx, done := e.begin(ctx, "get_reminders", tracing.AttrUserID.String(privacy.MaskUserID(userID)))
	defer func() { done(err) }()

	sctx, cancel := e.storeCtx(ctx)
	defer cancel()

	mine, err := e.deps.Store.QueryByOwnerReminder(sctx, userID, time.Time{})
	if err != nil {
		return nil, apperrors.NewDependencyError("store", "query reminders", err)
	}
	for _, m := range mine {
		if m.Counterpart() == otherID {
			msgs = append(msgs, m)
		}
	}

	if otherID != userID {
		theirs, err := e.deps.Store.QueryByOwnerReminder(sctx, otherID, time.Time{})
		if err != nil {
			return nil, apperrors.NewDependencyError("store", "query reminders", err)
		}
		for _, m := range theirs {
			if m.Counterpart() == userID && m.Reminder.Scope == models.ReminderScopeBoth {
				msgs = append(msgs, m)
			}
		}
	}

	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Reminder.At.Before(msgs[j].Reminder.At)
	})
	return msgs, nil
}

// GetReminderHistory joins the caller's fired reminders back to the replicas
// they fired on, limited to the conversation with otherID. Entries whose
// replica is gone are skipped.
func (e *Engine) GetReminderHistory(ctx context.Context, userID, otherID string) (out []models.ReminderHistoryEntry, err error) {
	ctx, done := e.begin(ctx, "get_reminder_history", tracing.AttrUserID.String(privacy.MaskUserID(userID)))
	defer func() { done(err) }()

	sctx, cancel := e.storeCtx(ctx)
	entries, err := e.deps.Audit.ListReminderLogs(sctx, userID)
	cancel()
	if err != nil {
		return nil, apperrors.NewDependencyError("store", "list reminder logs", err)
	}

	cache := make(map[string]*models.Message)
	for _, entry := range entries {
		msg, ok := cache[entry.MessageID]
		if !ok {
			msg, err = e.getReplica(ctx, entry.MessageID, userID)
			if err != nil {
				return nil, err
			}
			cache[entry.MessageID] = msg
		}
		if msg == nil || msg.Counterpart() != otherID {
			continue
		}
		out = append(out, models.ReminderHistoryEntry{Entry: *entry, Message: msg})
	}
	return out, nil
}

// normalizeReminder stores At in UTC. Without an explicit zone the offset the
// client submitted At with is kept, so weekdays stay the client's weekdays.
func normalizeReminder(r models.Reminder) models.Reminder {
	n := r.Clone()
	if n.TimeZone == "" {
		_, offset := r.At.Zone()
		n.TimeZone = models.FormatOffset(offset)
	}
	n.At = r.At.UTC().Truncate(time.Millisecond)
	if n.Repeat != models.RepeatMultipleDaysWeekly {
		n.DaysOfWeek = nil
		return n
	}
	seen := make(map[int]bool, len(n.DaysOfWeek))
	days := n.DaysOfWeek[:0]
	for _, d := range n.DaysOfWeek {
		if !seen[d] {
			seen[d] = true
			days = append(days, d)
		}
	}
	sort.Ints(days)
	n.DaysOfWeek = days
	return n
}

// isoWeekday maps time.Weekday onto 1=Monday through 7=Sunday.
func isoWeekday(t time.Time) int {
	if wd := t.Weekday(); wd != time.Sunday {
		return int(wd)
	}
	return 7
}

// NextOccurrence returns the first occurrence of a repeating reminder strictly
// after now. ok is false for reminders that do not repeat. Occurrences missed
// while nothing was sweeping are skipped rather than replayed. Dates are
// stepped and weekdays matched in the reminder's time zone; the result is UTC.
func NextOccurrence(r models.Reminder, now time.Time) (next time.Time, ok bool) {
	step := func(t time.Time) (time.Time, bool) {
		switch r.Repeat {
		case models.RepeatDaily:
			return t.AddDate(0, 0, 1), true
		case models.RepeatWeekly:
			return t.AddDate(0, 0, 7), true
		case models.RepeatMonthly:
			return t.AddDate(0, 1, 0), true
		case models.RepeatYearly:
			return t.AddDate(1, 0, 0), true
		case models.RepeatMultipleDaysWeekly:
			days := make(map[int]bool, len(r.DaysOfWeek))
			for _, d := range r.DaysOfWeek {
				days[d] = true
			}
			for i := 1; i <= 7; i++ {
				c := t.AddDate(0, 0, i)
				if days[isoWeekday(c)] {
					return c, true
				}
			}
		}
		return time.Time{}, false
	}

	next = r.At.In(r.Location())
	for {
		var more bool
		next, more = step(next)
		if !more {
			return time.Time{}, false
		}
		if next.After(now) {
			return next.UTC(), true
		}
	}
}
