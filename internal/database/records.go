package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"dmserver/internal/models"
)

// Tombstones

// PutTombstone records that a user deleted a message for themselves.
func (d *Database) PutTombstone(ctx context.Context, t *models.UserDeletedMessage) error {
	return withRetry(ctx, "put tombstone", func() error {
		_, err := d.db.ExecContext(ctx, insertTombstoneQuery, t.UserID, t.MessageID, toMillis(t.Timestamp))
		return err
	})
}

// GetTombstone returns the user's tombstone for a message, or nil if there is none.
func (d *Database) GetTombstone(ctx context.Context, userID, messageID string) (*models.UserDeletedMessage, error) {
	var (
		t  models.UserDeletedMessage
		ts int64
	)
	err := d.db.QueryRowContext(ctx, selectTombstoneQuery, userID, messageID).Scan(&t.UserID, &t.MessageID, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tombstone: %w", err)
	}
	t.Timestamp = fromMillis(ts)
	return &t, nil
}

func (d *Database) DeleteTombstone(ctx context.Context, userID, messageID string) error {
	var rows int64
	err := withRetry(ctx, "delete tombstone", func() error {
		result, err := d.db.ExecContext(ctx, deleteTombstoneQuery, userID, messageID)
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
		return fmt.Errorf("no tombstone for message %s: %w", messageID, ErrNotFound)
	}
	return nil
}

// ListTombstones returns the set of message ids the user has deleted for themselves.
func (d *Database) ListTombstones(ctx context.Context, userID string) (map[string]struct{}, error) {
	rows, err := d.db.QueryContext(ctx, listTombstonesQuery, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list tombstones: %w", err)
	}
	defer rows.Close()

	out := make(map[string]struct{})
	for rows.Next() {
		var (
			uid, mid string
			ts       int64
		)
		if err := rows.Scan(&uid, &mid, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan tombstone: %w", err)
		}
		out[mid] = struct{}{}
	}
	return out, rows.Err()
}

// Reminder audit log

func (d *Database) AppendReminderLog(ctx context.Context, entry *models.ReminderLogEntry) error {
	return withRetry(ctx, "append reminder log", func() error {
		_, err := d.db.ExecContext(ctx, insertReminderLogQuery,
			entry.LogID, entry.MessageID, entry.UserID, toMillis(entry.Reminder),
			entry.ReminderContent, toMillis(entry.Timestamp),
		)
		return err
	})
}

// ListReminderLogs returns the user's reminder log, newest first.
func (d *Database) ListReminderLogs(ctx context.Context, userID string) ([]*models.ReminderLogEntry, error) {
	rows, err := d.db.QueryContext(ctx, listReminderLogsQuery, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list reminder logs: %w", err)
	}
	defer rows.Close()

	var out []*models.ReminderLogEntry
	for rows.Next() {
		var (
			e            models.ReminderLogEntry
			reminder, ts int64
		)
		if err := rows.Scan(&e.LogID, &e.MessageID, &e.UserID, &reminder, &e.ReminderContent, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan reminder log: %w", err)
		}
		e.Reminder = fromMillis(reminder)
		e.Timestamp = fromMillis(ts)
		out = append(out, &e)
	}
	return out, rows.Err()
}

// Relationships and settings

// IsBlocked reports whether either user has blocked the other.
func (d *Database) IsBlocked(ctx context.Context, userA, userB string) (bool, error) {
	var count int
	if err := d.db.QueryRowContext(ctx, isBlockedQuery, userA, userB, userB, userA).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to check block: %w", err)
	}
	return count > 0, nil
}

func (d *Database) Block(ctx context.Context, blockerID, blockedID string) error {
	return withRetry(ctx, "block user", func() error {
		_, err := d.db.ExecContext(ctx, insertBlockQuery, blockerID, blockedID, toMillis(d.now()))
		return err
	})
}

func (d *Database) Unblock(ctx context.Context, blockerID, blockedID string) error {
	return withRetry(ctx, "unblock user", func() error {
		_, err := d.db.ExecContext(ctx, deleteBlockQuery, blockerID, blockedID)
		return err
	})
}

// ReadReceiptsEnabled defaults to true for users without settings.
func (d *Database) ReadReceiptsEnabled(ctx context.Context, userID string) (bool, error) {
	var enabled int
	err := d.db.QueryRowContext(ctx, selectReadReceiptsQuery, userID).Scan(&enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read receipt setting: %w", err)
	}
	return enabled == 1, nil
}

func (d *Database) SetReadReceipts(ctx context.Context, userID string, enabled bool) error {
	return withRetry(ctx, "set read receipts", func() error {
		_, err := d.db.ExecContext(ctx, upsertReadReceiptsQuery, userID, boolToInt(enabled), toMillis(d.now()))
		return err
	})
}

// GetAutoDelete returns the owner's auto-delete setting for messages exchanged
// with otherID, defaulting to never.
func (d *Database) GetAutoDelete(ctx context.Context, ownerID, otherID string) (models.AutoDeleteSetting, error) {
	var setting string
	err := d.db.QueryRowContext(ctx, selectAutoDeleteQuery, ownerID, otherID).Scan(&setting)
	if errors.Is(err, sql.ErrNoRows) {
		return models.AutoDeleteNever, nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get auto-delete setting: %w", err)
	}
	return models.AutoDeleteSetting(setting), nil
}

func (d *Database) SetAutoDelete(ctx context.Context, ownerID, otherID string, setting models.AutoDeleteSetting) error {
	if !setting.Valid() {
		return fmt.Errorf("unknown auto-delete setting %q", setting)
	}
	return withRetry(ctx, "set auto-delete", func() error {
		_, err := d.db.ExecContext(ctx, upsertAutoDeleteQuery, ownerID, otherID, string(setting), toMillis(d.now()))
		return err
	})
}
