package service

import (
	"context"
	"sort"
	"time"

	"dmserver/internal/blob"
	apperrors "dmserver/internal/errors"
	"dmserver/internal/metrics"
	"dmserver/internal/models"
	"dmserver/internal/privacy"
	"dmserver/internal/tracing"

	"github.com/sirupsen/logrus"
)

// MarkMessageAsSeen records that the receiver read a message. When the
// receiver has read receipts disabled the sender is told delivered instead.
func (e *Engine) MarkMessageAsSeen(ctx context.Context, userID, messageID string) (msg *models.Message, err error) {
	ctx, done := e.begin(ctx, "mark_seen",
		tracing.AttrUserID.String(privacy.MaskUserID(userID)),
		tracing.AttrMessageID.String(messageID),
	)
	defer func() { done(err) }()

	own, err := e.ownReplica(ctx, messageID, userID)
	if err != nil {
		return nil, err
	}
	if own.ReceiverID != userID {
		return nil, apperrors.NewPermissionError("mark seen", "only the receiver can mark a message as seen")
	}
	switch {
	case own.IsRecalled || own.Status == models.StatusRecalled:
		return nil, apperrors.NewConflictError("message was recalled")
	case own.Status == models.StatusFailed:
		return nil, apperrors.NewConflictError("message failed to send")
	case own.Status == models.StatusSeen:
		return own, nil
	}

	sctx, cancel := e.storeCtx(ctx)
	receipts, err := e.deps.Relationships.ReadReceiptsEnabled(sctx, userID)
	cancel()
	if err != nil {
		return nil, apperrors.NewDependencyError("store", "read receipts", err)
	}

	target := models.StatusSeen
	if !receipts {
		if own.Status != models.StatusSent {
			return own, nil
		}
		target = models.StatusDelivered
	}

	updated, err := e.updateReplicas(ctx, messageID, owners(own.SenderID, own.ReceiverID), models.StatusUpdate(target))
	if err != nil {
		return nil, apperrors.NewDependencyError("store", "update status", err)
	}
	e.notifyStatus(ctx, own.SenderID, messageID, target, "")

	if r, ok := updated[userID]; ok {
		return r, nil
	}
	return own, nil
}

// RecallMessage withdraws a message for both parties. Content and attachment
// are cleared and the blob is removed.
func (e *Engine) RecallMessage(ctx context.Context, senderID, messageID string) (msg *models.Message, err error) {
	ctx, done := e.begin(ctx, "recall_message",
		tracing.AttrUserID.String(privacy.MaskUserID(senderID)),
		tracing.AttrMessageID.String(messageID),
	)
	defer func() { done(err) }()

	own, err := e.ownReplica(ctx, messageID, senderID)
	if err != nil {
		return nil, err
	}
	if own.SenderID != senderID {
		return nil, apperrors.NewPermissionError("recall message", "only the sender can recall")
	}
	if own.IsRecalled || own.Status == models.StatusRecalled {
		return nil, apperrors.NewConflictError("message is already recalled")
	}
	if own.Status == models.StatusFailed {
		return nil, apperrors.NewConflictError("failed messages cannot be recalled")
	}
	if e.clock().Sub(own.Timestamp) > e.deps.Policy.RecallWindow() {
		return nil, apperrors.NewConflictError("recall window has passed")
	}

	recalled := true
	status := models.StatusRecalled
	upd := models.MessageUpdate{
		Status:        &status,
		IsRecalled:    &recalled,
		ClearContent:  true,
		ClearMediaRef: true,
	}
	updated, err := e.updateReplicas(ctx, messageID, owners(own.SenderID, own.ReceiverID), upd)
	if err != nil {
		return nil, apperrors.NewDependencyError("store", "recall message", err)
	}

	if own.MediaRef != nil && blob.OwnedBy(*own.MediaRef, messageID) {
		if err := e.deps.Blobs.Delete(ctx, *own.MediaRef); err != nil {
			e.errs.LogWarn(err, "Failed to delete recalled attachment",
				messageFields(ctx, messageID, own.SenderID, own.ReceiverID))
		}
	}

	event := RecallEvent{MessageID: messageID, SenderID: own.SenderID}
	for _, u := range owners(own.SenderID, own.ReceiverID) {
		e.deps.Notifier.Notify(ctx, u, models.EventMessageRecalled, event)
	}

	metrics.IncrementCounter("messages_recalled_total", nil)
	e.logger.WithFields(messageFields(ctx, messageID, own.SenderID, own.ReceiverID)).Info("Message recalled")

	if r, ok := updated[senderID]; ok {
		return r, nil
	}
	return nil, apperrors.NewNotFoundError("message", messageID)
}

// PinMessage pins a message for both parties. The ceiling counts logical
// messages, so a message pinned on only one replica still takes a slot.
func (e *Engine) PinMessage(ctx context.Context, userID, messageID string) (msg *models.Message, err error) {
	ctx, done := e.begin(ctx, "pin_message",
		tracing.AttrUserID.String(privacy.MaskUserID(userID)),
		tracing.AttrMessageID.String(messageID),
	)
	defer func() { done(err) }()

	own, err := e.ownReplica(ctx, messageID, userID)
	if err != nil {
		return nil, err
	}
	if own.IsRecalled || own.Status == models.StatusRecalled {
		return nil, apperrors.NewConflictError("recalled messages cannot be pinned")
	}
	if own.IsPinned {
		return nil, apperrors.NewConflictError("message is already pinned")
	}

	convo, err := e.conversation(ctx, own.SenderID, own.ReceiverID)
	if err != nil {
		return nil, err
	}
	pinned := make(map[string]struct{})
	for _, m := range convo {
		if m.IsPinned {
			pinned[m.MessageID] = struct{}{}
		}
	}
	if _, ok := pinned[messageID]; !ok && len(pinned) >= e.deps.Policy.PinCeiling() {
		return nil, apperrors.NewConflictError("pin limit reached for this conversation").
			WithContext("limit", e.deps.Policy.PinCeiling())
	}

	isPinned := true
	pinnedBy := userID
	updated, err := e.updateReplicas(ctx, messageID, owners(own.SenderID, own.ReceiverID), models.MessageUpdate{
		IsPinned: &isPinned,
		PinnedBy: &pinnedBy,
	})
	if err != nil {
		return nil, apperrors.NewDependencyError("store", "pin message", err)
	}

	event := PinEvent{MessageID: messageID, IsPinned: true, PinnedBy: userID}
	for _, u := range owners(own.SenderID, own.ReceiverID) {
		e.deps.Notifier.Notify(ctx, u, models.EventMessagePinned, event)
	}

	if r, ok := updated[userID]; ok {
		return r, nil
	}
	return own, nil
}

// UnpinMessage clears the pin on every replica of the message in the conversation.
func (e *Engine) UnpinMessage(ctx context.Context, userID, messageID string) (msg *models.Message, err error) {
	ctx, done := e.begin(ctx, "unpin_message",
		tracing.AttrUserID.String(privacy.MaskUserID(userID)),
		tracing.AttrMessageID.String(messageID),
	)
	defer func() { done(err) }()

	own, err := e.ownReplica(ctx, messageID, userID)
	if err != nil {
		return nil, err
	}

	convo, err := e.conversation(ctx, own.SenderID, own.ReceiverID)
	if err != nil {
		return nil, err
	}
	var pinnedOwners []string
	for _, m := range convo {
		if m.MessageID == messageID && m.IsPinned {
			pinnedOwners = append(pinnedOwners, m.OwnerID)
		}
	}
	if len(pinnedOwners) == 0 {
		return nil, apperrors.NewConflictError("message is not pinned")
	}

	isPinned := false
	updated, err := e.updateReplicas(ctx, messageID, pinnedOwners, models.MessageUpdate{
		IsPinned:      &isPinned,
		ClearPinnedBy: true,
	})
	if err != nil {
		return nil, apperrors.NewDependencyError("store", "unpin message", err)
	}

	event := PinEvent{MessageID: messageID, IsPinned: false}
	for _, u := range owners(own.SenderID, own.ReceiverID) {
		e.deps.Notifier.Notify(ctx, u, models.EventMessageUnpinned, event)
	}

	if r, ok := updated[userID]; ok {
		return r, nil
	}
	return own, nil
}

// DeleteMessage hides a message from the caller only.
func (e *Engine) DeleteMessage(ctx context.Context, userID, messageID string) (err error) {
	ctx, done := e.begin(ctx, "delete_message",
		tracing.AttrUserID.String(privacy.MaskUserID(userID)),
		tracing.AttrMessageID.String(messageID),
	)
	defer func() { done(err) }()

	if _, err := e.ownReplica(ctx, messageID, userID); err != nil {
		return err
	}

	sctx, cancel := e.storeCtx(ctx)
	defer cancel()

	existing, err := e.deps.Tombstones.GetTombstone(sctx, userID, messageID)
	if err != nil {
		return apperrors.NewDependencyError("store", "get tombstone", err)
	}
	if existing != nil {
		return apperrors.NewConflictError("message is already deleted")
	}

	if err := e.deps.Tombstones.PutTombstone(sctx, &models.UserDeletedMessage{
		UserID:    userID,
		MessageID: messageID,
		Timestamp: e.clock(),
	}); err != nil {
		return apperrors.NewDependencyError("store", "put tombstone", err)
	}
	return nil
}

// RestoreMessage removes the caller's tombstone. Only the original sender may
// restore; a receiver's deletion is permanent.
func (e *Engine) RestoreMessage(ctx context.Context, userID, messageID string) (msg *models.Message, err error) {
	ctx, done := e.begin(ctx, "restore_message",
		tracing.AttrUserID.String(privacy.MaskUserID(userID)),
		tracing.AttrMessageID.String(messageID),
	)
	defer func() { done(err) }()

	own, err := e.ownReplica(ctx, messageID, userID)
	if err != nil {
		return nil, err
	}
	if own.SenderID != userID {
		return nil, apperrors.NewPermissionError("restore message", "only the sender can restore")
	}

	sctx, cancel := e.storeCtx(ctx)
	defer cancel()

	existing, err := e.deps.Tombstones.GetTombstone(sctx, userID, messageID)
	if err != nil {
		return nil, apperrors.NewDependencyError("store", "get tombstone", err)
	}
	if existing == nil {
		return nil, apperrors.NewNotFoundError("deleted message", messageID)
	}
	if err := e.deps.Tombstones.DeleteTombstone(sctx, userID, messageID); err != nil {
		return nil, apperrors.NewDependencyError("store", "delete tombstone", err)
	}
	return own, nil
}

// DeliverPending moves every sent message addressed to userID to delivered and
// tells each sender. It runs when the user opens a session.
func (e *Engine) DeliverPending(ctx context.Context, userID string) (n int, err error) {
	ctx, done := e.begin(ctx, "deliver_pending", tracing.AttrUserID.String(privacy.MaskUserID(userID)))
	defer func() { done(err) }()

	sctx, cancel := e.storeCtx(ctx)
	pending, err := e.deps.Store.QueryUndelivered(sctx, userID)
	cancel()
	if err != nil {
		return 0, apperrors.NewDependencyError("store", "query undelivered", err)
	}

	seen := make(map[string]bool)
	for _, m := range pending {
		if seen[m.MessageID] {
			continue
		}
		seen[m.MessageID] = true

		if _, err := e.updateReplicas(ctx, m.MessageID, owners(m.SenderID, m.ReceiverID), models.StatusUpdate(models.StatusDelivered)); err != nil {
			e.errs.LogWarn(err, "Failed to mark message delivered", messageFields(ctx, m.MessageID, m.SenderID, m.ReceiverID))
			continue
		}
		e.notifyStatus(ctx, m.SenderID, m.MessageID, models.StatusDelivered, "")
		n++
	}

	if n > 0 {
		e.logger.WithFields(logrus.Fields{
			LogFieldUserID: SanitizeUserID(ctx, userID),
			LogFieldCount:  n,
		}).Debug("Delivered pending messages on connect")
	}
	return n, nil
}

// GetMessages returns the caller's replicas of the conversation with otherID,
// oldest first, without tombstoned or expired ones.
func (e *Engine) GetMessages(ctx context.Context, userID, otherID string) (msgs []*models.Message, err error) {
	ctx, done := e.begin(ctx, "get_messages", tracing.AttrUserID.String(privacy.MaskUserID(userID)))
	defer func() { done(err) }()

	convo, err := e.conversation(ctx, userID, otherID)
	if err != nil {
		return nil, err
	}

	sctx, cancel := e.storeCtx(ctx)
	hidden, err := e.deps.Tombstones.ListTombstones(sctx, userID)
	cancel()
	if err != nil {
		return nil, apperrors.NewDependencyError("store", "list tombstones", err)
	}

	now := e.clock()
	seen := make(map[string]bool, len(convo))
	out := make([]*models.Message, 0, len(convo))
	for _, m := range convo {
		if m.OwnerID != userID || seen[m.MessageID] {
			continue
		}
		seen[m.MessageID] = true
		if _, gone := hidden[m.MessageID]; gone || m.IsExpired(now) {
			continue
		}
		out = append(out, m)
	}

	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].Timestamp.Before(out[j].Timestamp)
		}
		return out[i].MessageID < out[j].MessageID
	})
	return out, nil
}

// GetMessage returns the caller's replica unless it was deleted or has expired.
func (e *Engine) GetMessage(ctx context.Context, userID, messageID string) (*models.Message, error) {
	own, err := e.ownReplica(ctx, messageID, userID)
	if err != nil {
		return nil, err
	}
	if own.IsExpired(e.clock()) {
		return nil, apperrors.NewNotFoundError("message", messageID)
	}

	sctx, cancel := e.storeCtx(ctx)
	defer cancel()
	t, err := e.deps.Tombstones.GetTombstone(sctx, userID, messageID)
	if err != nil {
		return nil, apperrors.NewDependencyError("store", "get tombstone", err)
	}
	if t != nil {
		return nil, apperrors.NewNotFoundError("message", messageID)
	}
	return own, nil
}

// PurgeExpired hard deletes replicas whose auto-delete deadline has passed.
func (e *Engine) PurgeExpired(ctx context.Context) (int64, error) {
	start := time.Now()
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()

	n, err := e.deps.Store.DeleteExpired(sctx, e.clock())
	if err != nil {
		return 0, apperrors.NewDependencyError("store", "delete expired", err)
	}
	metrics.RecordTimer("expiry_purge_duration", time.Since(start), nil)
	if n > 0 {
		metrics.AddToCounter("messages_expired_total", float64(n), nil)
	}
	return n, nil
}
