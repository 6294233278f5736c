package service

import (
	"context"
	"sync"
	"time"

	"dmserver/internal/constants"
	apperrors "dmserver/internal/errors"
	"dmserver/internal/metrics"
	"dmserver/internal/models"
	"dmserver/internal/retry"
	"dmserver/internal/tracing"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
)

// Dependencies are the collaborators of the engine. Queue and Compressor are
// optional.
type Dependencies struct {
	Store         MessageStore
	Tombstones    TombstoneStore
	Audit         AuditLog
	Relationships Relationships
	Blobs         BlobStore
	Notifier      Notifier
	Presence      Presence
	Queue         TranscriptionQueue
	Compressor    ImageCompressor
	Policy        Policy
}

type EngineOptions struct {
	StoreTimeout       time.Duration
	MediaLimits        models.MediaSizeLimits
	TranscriptionRetry retry.BackoffConfig
	Now                func() time.Time
	NewID              func() string
}

// Engine owns the lifecycle of messages: creation across both replicas,
// status transitions, recall, pins, per-user deletion and reminders.
type Engine struct {
	deps         Dependencies
	storeTimeout time.Duration
	mediaLimits  models.MediaSizeLimits
	transcribe   retry.BackoffConfig
	now          func() time.Time
	newID        func() string
	logger       *logrus.Logger
	errs         *apperrors.Logger
}

func NewEngine(deps Dependencies, opts EngineOptions, logger *logrus.Logger) *Engine {
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = time.Duration(constants.DefaultStoreTimeoutSec) * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.NewID == nil {
		opts.NewID = uuid.NewString
	}
	if opts.TranscriptionRetry.MaxAttempts == 0 {
		opts.TranscriptionRetry = retry.DefaultBackoffConfig()
	}
	return &Engine{
		deps:         deps,
		storeTimeout: opts.StoreTimeout,
		mediaLimits:  opts.MediaLimits,
		transcribe:   opts.TranscriptionRetry,
		now:          opts.Now,
		newID:        opts.NewID,
		logger:       logger,
		errs:         apperrors.FromLogrus(logger),
	}
}

// PinEvent is the payload of message_pinned and message_unpinned.
type PinEvent struct {
	MessageID string `json:"messageId"`
	IsPinned  bool   `json:"isPinned"`
	PinnedBy  string `json:"pinnedBy,omitempty"`
}

// RecallEvent is the payload of message_recalled.
type RecallEvent struct {
	MessageID string `json:"messageId"`
	SenderID  string `json:"senderId"`
}

// ReminderEvent is the payload of the reminder_* events.
type ReminderEvent struct {
	MessageID string           `json:"messageId"`
	OwnerID   string           `json:"ownerId"`
	Reminder  *models.Reminder `json:"reminder,omitempty"`
	NextAt    *time.Time       `json:"nextAt,omitempty"`
}

// clock returns the current time at the precision the store keeps.
func (e *Engine) clock() time.Time {
	return e.now().UTC().Truncate(time.Millisecond)
}

// begin opens a span and returns a closer that records the outcome.
func (e *Engine) begin(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(error)) {
	ctx, span := tracing.StartSpan(ctx, "engine."+op, attrs...)
	start := time.Now()
	return ctx, func(err error) {
		labels := map[string]string{"operation": op}
		metrics.RecordTimer("engine_operation_duration", time.Since(start), labels)
		if err != nil {
			metrics.IncrementCounter("engine_operation_errors_total", map[string]string{
				"operation": op,
				"code":      string(apperrors.GetCode(err)),
			})
		}
		tracing.EndSpan(span, err)
	}
}

func (e *Engine) storeCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.storeTimeout)
}

func (e *Engine) getReplica(ctx context.Context, messageID, ownerID string) (*models.Message, error) {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	msg, err := e.deps.Store.GetMessage(sctx, messageID, ownerID)
	if err != nil {
		return nil, apperrors.NewDependencyError("store", "get message", err)
	}
	return msg, nil
}

// ownReplica loads the caller's replica or fails with NotFound.
func (e *Engine) ownReplica(ctx context.Context, messageID, userID string) (*models.Message, error) {
	msg, err := e.getReplica(ctx, messageID, userID)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, apperrors.NewNotFoundError("message", messageID)
	}
	return msg, nil
}

// owners lists the replica owners of a message. A note to self has one.
func owners(senderID, receiverID string) []string {
	if senderID == receiverID {
		return []string{senderID}
	}
	return []string{senderID, receiverID}
}

// updateReplicas applies the same update to the given owners' replicas
// concurrently. Missing replicas are skipped; the first error is returned.
func (e *Engine) updateReplicas(ctx context.Context, messageID string, ownerIDs []string, upd models.MessageUpdate) (map[string]*models.Message, error) {
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		results  = make(map[string]*models.Message, len(ownerIDs))
		firstErr error
	)

	for _, owner := range ownerIDs {
		wg.Add(1)
		go func(owner string) {
			defer wg.Done()
			sctx, cancel := e.storeCtx(ctx)
			defer cancel()

			updated, err := e.deps.Store.UpdateMessage(sctx, messageID, owner, upd)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				return
			}
			if updated != nil {
				results[owner] = updated
			}
		}(owner)
	}
	wg.Wait()

	return results, firstErr
}

// conversation returns every replica exchanged between a and b in either direction.
func (e *Engine) conversation(ctx context.Context, a, b string) ([]*models.Message, error) {
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()

	out, err := e.deps.Store.QueryBySender(sctx, a, b)
	if err != nil {
		return nil, apperrors.NewDependencyError("store", "query conversation", err)
	}
	if a == b {
		return out, nil
	}
	back, err := e.deps.Store.QueryBySender(sctx, b, a)
	if err != nil {
		return nil, apperrors.NewDependencyError("store", "query conversation", err)
	}
	return append(out, back...), nil
}

func (e *Engine) notifyStatus(ctx context.Context, userID, messageID string, status models.MessageStatus, reason string) {
	e.deps.Notifier.Notify(ctx, userID, models.EventMessageStatus, models.StatusEvent{
		MessageID: messageID,
		Status:    status,
		Error:     reason,
	})
}

func (e *Engine) isOnline(ctx context.Context, userID string) bool {
	online, err := e.deps.Presence.IsOnline(ctx, userID)
	if err != nil {
		e.errs.LogWarn(err, "Presence lookup failed, treating user as offline", logrus.Fields{
			LogFieldUserID: SanitizeUserID(ctx, userID),
		})
		return false
	}
	return online
}
