package service

import (
	"context"
	"time"

	"dmserver/internal/blob"
	"dmserver/internal/models"
	"dmserver/internal/retry"
)

// MessageStore persists replicas. Every mutation is keyed by (messageID, ownerID).
type MessageStore interface {
	PutMessage(ctx context.Context, msg *models.Message) error
	GetMessage(ctx context.Context, messageID, ownerID string) (*models.Message, error)
	UpdateMessage(ctx context.Context, messageID, ownerID string, upd models.MessageUpdate) (*models.Message, error)
	DeleteMessage(ctx context.Context, messageID, ownerID string) error
	QueryBySender(ctx context.Context, senderID, receiverID string) ([]*models.Message, error)
	QueryByReceiver(ctx context.Context, receiverID, senderID string) ([]*models.Message, error)
	QueryByOwnerReminder(ctx context.Context, ownerID string, after time.Time) ([]*models.Message, error)
	ScanDueReminders(ctx context.Context, now time.Time) ([]*models.Message, error)
	ClaimReminder(ctx context.Context, messageID, ownerID string, expected models.Reminder, next *models.Reminder) (bool, error)
	QueryUndelivered(ctx context.Context, receiverID string) ([]*models.Message, error)
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
	CountStaleSending(ctx context.Context, olderThan time.Time) (int, error)
}

type TombstoneStore interface {
	PutTombstone(ctx context.Context, t *models.UserDeletedMessage) error
	GetTombstone(ctx context.Context, userID, messageID string) (*models.UserDeletedMessage, error)
	DeleteTombstone(ctx context.Context, userID, messageID string) error
	ListTombstones(ctx context.Context, userID string) (map[string]struct{}, error)
}

type AuditLog interface {
	AppendReminderLog(ctx context.Context, entry *models.ReminderLogEntry) error
	ListReminderLogs(ctx context.Context, userID string) ([]*models.ReminderLogEntry, error)
}

type Relationships interface {
	IsBlocked(ctx context.Context, userA, userB string) (bool, error)
	ReadReceiptsEnabled(ctx context.Context, userID string) (bool, error)
}

type BlobStore interface {
	Upload(ctx context.Context, key string, data []byte, contentType string) (string, error)
	Copy(ctx context.Context, srcRef, newKey string) (string, error)
	Delete(ctx context.Context, ref string) error
}

// Notifier pushes events to a user's live sessions. Delivery is best effort.
type Notifier interface {
	Notify(ctx context.Context, userID, event string, payload interface{})
}

type Presence interface {
	IsOnline(ctx context.Context, userID string) (bool, error)
}

type TranscriptionQueue interface {
	Enqueue(ctx context.Context, job models.TranscriptionJob, policy retry.BackoffConfig) error
}

type ImageCompressor interface {
	Compress(ctx context.Context, data []byte, mimeType string) (*blob.Compressed, error)
}

// Policy resolves per-direction expiry and the conversation limits.
type Policy interface {
	ExpiresAt(ctx context.Context, ownerID, otherID string, at time.Time) (*time.Time, error)
	PinCeiling() int
	RecallWindow() time.Duration
}

// Lease designates a single instance for work that must not run twice.
type Lease interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}
