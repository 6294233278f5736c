package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"dmserver/internal/models"
)

// PutMessage writes a replica, replacing any existing row with the same
// (message_id, owner_id).
func (d *Database) PutMessage(ctx context.Context, msg *models.Message) error {
	content, err := d.encryptor.encryptContent(msg.Content)
	if err != nil {
		return fmt.Errorf("failed to encrypt content: %w", err)
	}

	metadata, err := json.Marshal(msg.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	rem := flattenReminder(msg.Reminder)

	return withRetry(ctx, "put message", func() error {
		_, err := d.db.ExecContext(ctx, upsertMessageQuery,
			msg.MessageID, msg.OwnerID, string(msg.Type), nullableString(content),
			nullableString(msg.MediaRef), string(metadata), msg.SenderID, msg.ReceiverID,
			string(msg.Status), boolToInt(msg.IsRecalled), boolToInt(msg.IsPinned),
			nullableString(msg.PinnedBy), toMillis(msg.Timestamp), nullableMillis(msg.ExpiresAt),
			rem.at, rem.scope, rem.content, rem.repeat, rem.days, rem.tz, toMillis(d.now()),
		)
		return err
	})
}

// GetMessage returns the replica owned by ownerID, or nil if there is none.
func (d *Database) GetMessage(ctx context.Context, messageID, ownerID string) (*models.Message, error) {
	msg, err := d.scanMessage(d.db.QueryRowContext(ctx, selectMessageQuery, messageID, ownerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	return msg, nil
}

// UpdateMessage applies a partial update to one replica and returns the stored
// result. An update whose status change would move the replica backwards is
// skipped and the current replica is returned unchanged. A missing replica
// yields nil, nil.
func (d *Database) UpdateMessage(ctx context.Context, messageID, ownerID string, upd models.MessageUpdate) (*models.Message, error) {
	var result *models.Message

	err := withRetry(ctx, "update message", func() error {
		result = nil

		tx, err := d.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		current, err := d.scanMessage(tx.QueryRowContext(ctx, selectMessageQuery, messageID, ownerID))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}

		if upd.Status != nil && !models.CanTransition(current.Status, *upd.Status) {
			result = current
			return nil
		}

		upd.Apply(current)
		if err := d.writeReplica(ctx, tx, current); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return err
		}
		result = current
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to update message: %w", err)
	}
	return result, nil
}

func (d *Database) writeReplica(ctx context.Context, tx *sql.Tx, msg *models.Message) error {
	content, err := d.encryptor.encryptContent(msg.Content)
	if err != nil {
		return fmt.Errorf("failed to encrypt content: %w", err)
	}
	metadata, err := json.Marshal(msg.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}
	rem := flattenReminder(msg.Reminder)

	_, err = tx.ExecContext(ctx, updateMessageQuery,
		nullableString(content), nullableString(msg.MediaRef), string(metadata),
		string(msg.Status), boolToInt(msg.IsRecalled), boolToInt(msg.IsPinned),
		nullableString(msg.PinnedBy), nullableMillis(msg.ExpiresAt),
		rem.at, rem.scope, rem.content, rem.repeat, rem.days, rem.tz, toMillis(d.now()),
		msg.MessageID, msg.OwnerID,
	)
	return err
}

// DeleteMessage hard deletes one replica.
func (d *Database) DeleteMessage(ctx context.Context, messageID, ownerID string) error {
	var rows int64
	err := withRetry(ctx, "delete message", func() error {
		result, err := d.db.ExecContext(ctx, deleteMessageQuery, messageID, ownerID)
		if err != nil {
			return err
		}
		rows, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return err
	}
	if rows == 0 {
		return fmt.Errorf("no replica %s for owner %s: %w", messageID, ownerID, ErrNotFound)
	}
	return nil
}

// QueryBySender returns every replica of messages sent from senderID to receiverID.
func (d *Database) QueryBySender(ctx context.Context, senderID, receiverID string) ([]*models.Message, error) {
	msgs, err := d.queryMessages(ctx, queryBySenderQuery, senderID, receiverID)
	if err != nil {
		return nil, fmt.Errorf("failed to query by sender: %w", err)
	}
	return msgs, nil
}

// QueryByReceiver returns every replica of messages received by receiverID from senderID.
func (d *Database) QueryByReceiver(ctx context.Context, receiverID, senderID string) ([]*models.Message, error) {
	msgs, err := d.queryMessages(ctx, queryByReceiverQuery, receiverID, senderID)
	if err != nil {
		return nil, fmt.Errorf("failed to query by receiver: %w", err)
	}
	return msgs, nil
}

// QueryByOwnerReminder returns the owner's replicas with a reminder at or after the given time.
func (d *Database) QueryByOwnerReminder(ctx context.Context, ownerID string, after time.Time) ([]*models.Message, error) {
	msgs, err := d.queryMessages(ctx, queryByOwnerReminderQuery, ownerID, toMillis(after))
	if err != nil {
		return nil, fmt.Errorf("failed to query reminders: %w", err)
	}
	return msgs, nil
}

// ScanDueReminders returns replicas whose reminder time is at or before now,
// oldest first.
func (d *Database) ScanDueReminders(ctx context.Context, now time.Time) ([]*models.Message, error) {
	msgs, err := d.queryMessages(ctx, scanDueRemindersQuery, toMillis(now), dueReminderBatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to scan due reminders: %w", err)
	}
	return msgs, nil
}

// ClaimReminder replaces the reminder on a replica with next, but only if the
// stored reminder still equals expected. A nil next clears the reminder. It
// reports whether this caller won the claim.
func (d *Database) ClaimReminder(ctx context.Context, messageID, ownerID string, expected models.Reminder, next *models.Reminder) (bool, error) {
	nextCols := flattenReminder(next)
	var rows int64

	err := withRetry(ctx, "claim reminder", func() error {
		result, err := d.db.ExecContext(ctx, claimReminderQuery,
			nextCols.at, nextCols.scope, nextCols.content, nextCols.repeat, nextCols.days, nextCols.tz,
			toMillis(d.now()), messageID, ownerID,
			toMillis(expected.At), string(expected.Scope), expected.Content,
			string(expected.Repeat), encodeDays(expected.DaysOfWeek), expected.TimeZone,
		)
		if err != nil {
			return err
		}
		rows, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("failed to claim reminder: %w", err)
	}
	return rows == 1, nil
}

// QueryUndelivered returns every replica of messages addressed to receiverID
// that are still in the sent state.
func (d *Database) QueryUndelivered(ctx context.Context, receiverID string) ([]*models.Message, error) {
	msgs, err := d.queryMessages(ctx, queryUndeliveredQuery, receiverID)
	if err != nil {
		return nil, fmt.Errorf("failed to query undelivered: %w", err)
	}
	return msgs, nil
}

// DeleteExpired hard deletes replicas whose expiry has passed.
func (d *Database) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	var rows int64
	err := withRetry(ctx, "delete expired", func() error {
		result, err := d.db.ExecContext(ctx, deleteExpiredQuery, toMillis(now))
		if err != nil {
			return err
		}
		rows, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return 0, err
	}
	return rows, nil
}

// CountStaleSending counts replicas stuck in pending or sending since before olderThan.
func (d *Database) CountStaleSending(ctx context.Context, olderThan time.Time) (int, error) {
	var count int
	if err := d.db.QueryRowContext(ctx, countStaleSendingQuery, toMillis(olderThan)).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count stale messages: %w", err)
	}
	return count, nil
}
