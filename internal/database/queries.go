package database

const messageColumns = `message_id, owner_id, type, content, media_ref, metadata,
		sender_id, receiver_id, status, is_recalled, is_pinned, pinned_by,
		timestamp, expires_at, reminder_at, reminder_scope, reminder_content,
		reminder_repeat, reminder_days, reminder_tz`

const (
	upsertMessageQuery = `
		INSERT OR REPLACE INTO messages (` + messageColumns + `, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	selectMessageQuery = `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE message_id = ? AND owner_id = ?
	`

	updateMessageQuery = `
		UPDATE messages
		SET content = ?, media_ref = ?, metadata = ?, status = ?, is_recalled = ?,
			is_pinned = ?, pinned_by = ?, expires_at = ?, reminder_at = ?,
			reminder_scope = ?, reminder_content = ?, reminder_repeat = ?,
			reminder_days = ?, reminder_tz = ?, updated_at = ?
		WHERE message_id = ? AND owner_id = ?
	`

	deleteMessageQuery = `DELETE FROM messages WHERE message_id = ? AND owner_id = ?`

	queryBySenderQuery = `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE sender_id = ? AND receiver_id = ?
		ORDER BY timestamp ASC, owner_id ASC
	`

	queryByReceiverQuery = `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE receiver_id = ? AND sender_id = ?
		ORDER BY timestamp ASC, owner_id ASC
	`

	queryByOwnerReminderQuery = `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE owner_id = ? AND reminder_at IS NOT NULL AND reminder_at >= ?
		ORDER BY reminder_at ASC
	`

	scanDueRemindersQuery = `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE reminder_at IS NOT NULL AND reminder_at <= ?
		ORDER BY reminder_at ASC
		LIMIT ?
	`

	claimReminderQuery = `
		UPDATE messages
		SET reminder_at = ?, reminder_scope = ?, reminder_content = ?,
			reminder_repeat = ?, reminder_days = ?, reminder_tz = ?, updated_at = ?
		WHERE message_id = ? AND owner_id = ?
			AND reminder_at = ?
			AND reminder_scope = ?
			AND COALESCE(reminder_content, '') = ?
			AND reminder_repeat = ?
			AND COALESCE(reminder_days, '') = ?
			AND COALESCE(reminder_tz, '') = ?
	`

	queryUndeliveredQuery = `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE receiver_id = ? AND status = 'sent'
		ORDER BY timestamp ASC
	`

	deleteExpiredQuery = `DELETE FROM messages WHERE expires_at IS NOT NULL AND expires_at <= ?`

	countStaleSendingQuery = `
		SELECT COUNT(*)
		FROM messages
		WHERE status IN ('pending', 'sending') AND updated_at < ?
	`
)

const (
	insertTombstoneQuery = `
		INSERT INTO user_deleted_messages (user_id, message_id, timestamp)
		VALUES (?, ?, ?)
	`

	selectTombstoneQuery = `
		SELECT user_id, message_id, timestamp
		FROM user_deleted_messages
		WHERE user_id = ? AND message_id = ?
	`

	deleteTombstoneQuery = `DELETE FROM user_deleted_messages WHERE user_id = ? AND message_id = ?`

	listTombstonesQuery = `
		SELECT user_id, message_id, timestamp
		FROM user_deleted_messages
		WHERE user_id = ?
		ORDER BY timestamp ASC
	`
)

const (
	insertReminderLogQuery = `
		INSERT INTO reminder_logs (log_id, message_id, user_id, reminder, reminder_content, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	listReminderLogsQuery = `
		SELECT log_id, message_id, user_id, reminder, reminder_content, timestamp
		FROM reminder_logs
		WHERE user_id = ?
		ORDER BY timestamp DESC
	`
)

const (
	isBlockedQuery = `
		SELECT COUNT(*)
		FROM blocks
		WHERE (blocker_id = ? AND blocked_id = ?) OR (blocker_id = ? AND blocked_id = ?)
	`

	insertBlockQuery = `
		INSERT OR IGNORE INTO blocks (blocker_id, blocked_id, created_at)
		VALUES (?, ?, ?)
	`

	deleteBlockQuery = `DELETE FROM blocks WHERE blocker_id = ? AND blocked_id = ?`

	selectReadReceiptsQuery = `SELECT read_receipts FROM user_settings WHERE user_id = ?`

	upsertReadReceiptsQuery = `
		INSERT INTO user_settings (user_id, read_receipts, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET read_receipts = excluded.read_receipts, updated_at = excluded.updated_at
	`

	selectAutoDeleteQuery = `SELECT setting FROM auto_delete_settings WHERE owner_id = ? AND other_id = ?`

	upsertAutoDeleteQuery = `
		INSERT INTO auto_delete_settings (owner_id, other_id, setting, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(owner_id, other_id) DO UPDATE SET setting = excluded.setting, updated_at = excluded.updated_at
	`
)
