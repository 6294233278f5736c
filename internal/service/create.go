package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"dmserver/internal/blob"
	"dmserver/internal/constants"
	apperrors "dmserver/internal/errors"
	"dmserver/internal/metrics"
	"dmserver/internal/models"
	"dmserver/internal/privacy"
	"dmserver/internal/tracing"
	"dmserver/internal/validation"

	"github.com/sirupsen/logrus"
)

const failedReason = "delivery failed"

// draft is a logical message on its way into the store.
type draft struct {
	base *models.Message
	// ownedBlob is a blob this call created; it is removed if the draft fails.
	ownedBlob string
	expires   map[string]*time.Time
	// resume marks a retry: replicas that survived keep their owner's fields.
	resume bool
}

// CreateMessage stores a new message as two replicas and reports its final
// status to the sender.
func (e *Engine) CreateMessage(ctx context.Context, senderID, receiverID string, payload models.SendPayload) (msg *models.Message, err error) {
	ctx, done := e.begin(ctx, "create_message",
		tracing.AttrUserID.String(privacy.MaskUserID(senderID)),
		tracing.AttrReceiverID.String(privacy.MaskUserID(receiverID)),
		tracing.AttrMsgType.String(string(payload.Type)),
	)
	defer func() { done(err) }()

	if err := validation.ValidateUserID(senderID); err != nil {
		return nil, err
	}
	if err := validation.ValidateUserID(receiverID); err != nil {
		return nil, err
	}
	if err := validation.ValidateSendPayload(payload, e.mediaLimits); err != nil {
		return nil, err
	}
	if err := e.checkCanSend(ctx, senderID, receiverID); err != nil {
		return nil, err
	}

	now := e.clock()
	expires, err := e.resolveExpiries(ctx, senderID, receiverID, now)
	if err != nil {
		return nil, err
	}

	base := &models.Message{
		MessageID:  e.newID(),
		Type:       payload.Type,
		Content:    payload.Content,
		Metadata:   payload.Metadata.Clone(),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Status:     models.StatusPending,
		Timestamp:  now,
	}
	tracing.AddSpanAttributes(ctx, tracing.AttrMessageID.String(base.MessageID))

	e.notifyStatus(ctx, senderID, base.MessageID, models.StatusPending, "")
	base.Status = models.StatusSending
	e.notifyStatus(ctx, senderID, base.MessageID, models.StatusSending, "")

	d := &draft{base: base, expires: expires}

	switch {
	case payload.MediaRef != "":
		ref := payload.MediaRef
		base.MediaRef = &ref
	case payload.HasMediaBuffer():
		ref, err := e.uploadMedia(ctx, base, payload.Media, payload.MimeType, payload.FileName)
		if err != nil {
			return nil, e.fail(ctx, base, "blob", "upload", err)
		}
		base.MediaRef = &ref
		d.ownedBlob = ref
	}

	return e.deliver(ctx, d)
}

// RetryMessage re-runs storage for a message whose sender replica failed.
// media must be supplied when the attachment was removed during cleanup.
func (e *Engine) RetryMessage(ctx context.Context, senderID, messageID string, media *models.RetryMedia) (msg *models.Message, err error) {
	ctx, done := e.begin(ctx, "retry_message",
		tracing.AttrUserID.String(privacy.MaskUserID(senderID)),
		tracing.AttrMessageID.String(messageID),
	)
	defer func() { done(err) }()

	if err := validation.ValidateMessageID(messageID); err != nil {
		return nil, err
	}

	own, err := e.ownReplica(ctx, messageID, senderID)
	if err != nil {
		return nil, err
	}
	if own.SenderID != senderID {
		return nil, apperrors.NewPermissionError("retry message", "only the sender can retry")
	}
	if own.Status != models.StatusFailed {
		return nil, apperrors.NewConflictError(fmt.Sprintf("message is %s, only failed messages can be retried", own.Status))
	}

	needsUpload := own.Type.IsMedia() && own.MediaRef == nil
	if needsUpload && (media == nil || len(media.Data) == 0 || media.MimeType == "") {
		return nil, apperrors.NewValidationError("media", "the attachment must be supplied again")
	}
	if needsUpload {
		if err := validation.ValidateMediaSize(int64(len(media.Data)), own.Type, e.mediaLimits); err != nil {
			return nil, err
		}
	}

	expires, err := e.resolveExpiries(ctx, own.SenderID, own.ReceiverID, own.Timestamp)
	if err != nil {
		return nil, err
	}

	base := own.Clone()
	base.OwnerID = ""
	base.Status = models.StatusSending
	base.IsPinned = false
	base.PinnedBy = nil
	base.Reminder = nil
	e.notifyStatus(ctx, senderID, messageID, models.StatusSending, "")

	d := &draft{base: base, expires: expires, resume: true}
	if needsUpload {
		ref, err := e.uploadMedia(ctx, base, media.Data, media.MimeType, media.FileName)
		if err != nil {
			return nil, e.fail(ctx, base, "blob", "upload", err)
		}
		base.MediaRef = &ref
		d.ownedBlob = ref
	}

	return e.deliver(ctx, d)
}

// ForwardMessage sends a copy of one of the caller's replicas to a new
// receiver. Attachments are copied inside the blob store.
func (e *Engine) ForwardMessage(ctx context.Context, senderID, messageID, targetReceiverID string) (msg *models.Message, err error) {
	ctx, done := e.begin(ctx, "forward_message",
		tracing.AttrUserID.String(privacy.MaskUserID(senderID)),
		tracing.AttrMessageID.String(messageID),
		tracing.AttrReceiverID.String(privacy.MaskUserID(targetReceiverID)),
	)
	defer func() { done(err) }()

	if err := validation.ValidateMessageID(messageID); err != nil {
		return nil, err
	}
	if err := validation.ValidateUserID(targetReceiverID); err != nil {
		return nil, err
	}

	orig, err := e.ownReplica(ctx, messageID, senderID)
	if err != nil {
		return nil, err
	}
	if orig.IsRecalled || orig.Status == models.StatusRecalled {
		return nil, apperrors.NewConflictError("recalled messages cannot be forwarded")
	}
	if orig.Status == models.StatusFailed {
		return nil, apperrors.NewConflictError("failed messages cannot be forwarded")
	}
	if err := e.checkCanSend(ctx, senderID, targetReceiverID); err != nil {
		return nil, err
	}

	now := e.clock()
	expires, err := e.resolveExpiries(ctx, senderID, targetReceiverID, now)
	if err != nil {
		return nil, err
	}

	md := orig.Metadata.Clone()
	md.ForwardedFrom = orig.MessageID
	md.Transcribe = false

	base := &models.Message{
		MessageID:  e.newID(),
		Type:       orig.Type,
		Content:    orig.Content,
		Metadata:   md,
		SenderID:   senderID,
		ReceiverID: targetReceiverID,
		Status:     models.StatusPending,
		Timestamp:  now,
	}
	tracing.AddSpanAttributes(ctx, tracing.AttrMessageID.String(base.MessageID))

	e.notifyStatus(ctx, senderID, base.MessageID, models.StatusPending, "")
	base.Status = models.StatusSending
	e.notifyStatus(ctx, senderID, base.MessageID, models.StatusSending, "")

	d := &draft{base: base, expires: expires}
	if orig.MediaRef != nil {
		key := blob.ObjectKey(base.MessageID, blob.FileNameFromRef(*orig.MediaRef))
		ref, err := e.deps.Blobs.Copy(ctx, *orig.MediaRef, key)
		if err != nil {
			return nil, e.fail(ctx, base, "blob", "copy", err)
		}
		base.MediaRef = &ref
		d.ownedBlob = ref
	}

	return e.deliver(ctx, d)
}

func (e *Engine) checkCanSend(ctx context.Context, senderID, receiverID string) error {
	if senderID == receiverID {
		return nil
	}
	sctx, cancel := e.storeCtx(ctx)
	defer cancel()

	blocked, err := e.deps.Relationships.IsBlocked(sctx, senderID, receiverID)
	if err != nil {
		return apperrors.NewDependencyError("store", "check block", err)
	}
	if blocked {
		return apperrors.NewPermissionError("send message", "one of the users has blocked the other")
	}
	return nil
}

// resolveExpiries computes each owner's expiry from their own setting.
func (e *Engine) resolveExpiries(ctx context.Context, senderID, receiverID string, at time.Time) (map[string]*time.Time, error) {
	out := make(map[string]*time.Time, 2)
	for _, owner := range owners(senderID, receiverID) {
		other := receiverID
		if owner == receiverID {
			other = senderID
		}
		exp, err := e.deps.Policy.ExpiresAt(ctx, owner, other, at)
		if err != nil {
			return nil, apperrors.NewDependencyError("policy", "resolve auto-delete", err)
		}
		out[owner] = exp
	}
	return out, nil
}

// uploadMedia compresses images when a compressor is configured and uploads
// the attachment once under the message's key.
func (e *Engine) uploadMedia(ctx context.Context, base *models.Message, data []byte, mimeType, fileName string) (string, error) {
	if e.deps.Compressor != nil && constants.CompressibleImageTypes[mimeType] {
		out, err := e.deps.Compressor.Compress(ctx, data, mimeType)
		switch {
		case err == nil:
			data, mimeType = out.Data, out.MimeType
			base.Metadata.Width, base.Metadata.Height = out.Width, out.Height
		case ctx.Err() != nil:
			return "", err
		default:
			e.errs.LogWarn(err, "Image compression failed, uploading original", logrus.Fields{
				LogFieldMessageID: SanitizeMessageID(ctx, base.MessageID),
				LogFieldMimeType:  mimeType,
			})
		}
	}

	if fileName == "" {
		fileName = "attachment" + constants.ExtensionForMime(mimeType)
	}
	base.Metadata.FileName = fileName
	base.Metadata.MimeType = mimeType
	base.Metadata.Size = int64(len(data))

	start := time.Now()
	ref, err := e.deps.Blobs.Upload(ctx, blob.ObjectKey(base.MessageID, fileName), data, mimeType)
	if err != nil {
		return "", err
	}
	metrics.RecordTimer("media_upload_duration", time.Since(start), map[string]string{"type": string(base.Type)})
	return ref, nil
}

// deliver writes both replicas, settles their status and notifies the parties.
// Any failure is compensated before it is returned.
func (e *Engine) deliver(ctx context.Context, d *draft) (*models.Message, error) {
	base := d.base
	ids := owners(base.SenderID, base.ReceiverID)

	if err := e.putReplicas(ctx, d, ids); err != nil {
		return nil, e.compensate(ctx, d, "store", "put replicas", err)
	}

	final := models.StatusSent
	online := e.isOnline(ctx, base.ReceiverID)
	if online {
		final = models.StatusDelivered
	}

	settled, err := e.updateReplicas(ctx, base.MessageID, ids, models.StatusUpdate(final))
	if err == nil && len(settled) != len(ids) {
		err = fmt.Errorf("replica missing after write")
	}
	if err != nil {
		return nil, e.compensate(ctx, d, "store", "settle status", err)
	}

	if base.Type == models.MessageTypeVoice && base.Metadata.Transcribe {
		e.enqueueTranscription(ctx, base)
	}

	if online && base.ReceiverID != base.SenderID {
		e.deps.Notifier.Notify(ctx, base.ReceiverID, models.EventNewMessage, settled[base.ReceiverID])
	}
	e.notifyStatus(ctx, base.SenderID, base.MessageID, final, "")

	metrics.IncrementCounter("messages_created_total", map[string]string{"type": string(base.Type)})
	fields := messageFields(ctx, base.MessageID, base.SenderID, base.ReceiverID)
	fields[LogFieldStatus] = final
	fields[LogFieldMessageType] = base.Type
	e.logger.WithFields(fields).Info("Message stored")

	return settled[base.SenderID], nil
}

// putReplicas writes one replica per owner concurrently and waits for all.
func (e *Engine) putReplicas(ctx context.Context, d *draft, ids []string) error {
	var (
		wg   sync.WaitGroup
		errs = make([]error, len(ids))
	)
	for i, owner := range ids {
		wg.Add(1)
		go func(i int, owner string) {
			defer wg.Done()
			sctx, cancel := e.storeCtx(ctx)
			defer cancel()
			if d.resume {
				errs[i] = e.resumeReplica(sctx, d, owner)
				return
			}
			errs[i] = e.deps.Store.PutMessage(sctx, d.replicaFor(owner))
		}(i, owner)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

func (d *draft) replicaFor(owner string) *models.Message {
	replica := d.base.Clone()
	replica.OwnerID = owner
	replica.ExpiresAt = d.expires[owner]
	return replica
}

// resumeReplica moves an existing replica back to sending and leaves its
// pin, reminder and expiry alone. A replica that was never written is put.
func (e *Engine) resumeReplica(ctx context.Context, d *draft, owner string) error {
	existing, err := e.deps.Store.GetMessage(ctx, d.base.MessageID, owner)
	if err != nil {
		return err
	}
	if existing == nil {
		return e.deps.Store.PutMessage(ctx, d.replicaFor(owner))
	}

	upd := models.StatusUpdate(models.StatusSending)
	if d.ownedBlob != "" {
		md := d.base.Metadata.Clone()
		upd.MediaRef = d.base.MediaRef
		upd.Metadata = &md
	}
	_, err = e.deps.Store.UpdateMessage(ctx, d.base.MessageID, owner, upd)
	return err
}

// compensate undoes what a failed delivery left behind. Cleanup problems are
// logged; the original failure is what the caller sees.
func (e *Engine) compensate(ctx context.Context, d *draft, dependency, operation string, cause error) error {
	base := d.base
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.storeTimeout)
	defer cancel()

	fields := messageFields(ctx, base.MessageID, base.SenderID, base.ReceiverID)

	if d.ownedBlob != "" {
		if err := e.deps.Blobs.Delete(cctx, d.ownedBlob); err != nil {
			e.errs.LogWarn(err, "Failed to delete orphaned blob", fields)
		}
	}

	upd := models.StatusUpdate(models.StatusFailed)
	if d.ownedBlob != "" {
		upd.ClearMediaRef = true
	}
	if _, err := e.updateReplicas(cctx, base.MessageID, owners(base.SenderID, base.ReceiverID), upd); err != nil {
		e.errs.LogWarn(err, "Failed to mark replicas failed", fields)
	}

	return e.fail(ctx, base, dependency, operation, cause)
}

// fail tells the sender the message failed and builds the caller's error.
func (e *Engine) fail(ctx context.Context, base *models.Message, dependency, operation string, cause error) error {
	e.notifyStatus(ctx, base.SenderID, base.MessageID, models.StatusFailed, failedReason)
	metrics.IncrementCounter("messages_failed_total", map[string]string{"stage": operation})

	appErr := apperrors.NewDependencyError(dependency, operation, cause).
		WithContext("message_id", base.MessageID)
	e.errs.LogError(appErr, "Failed to deliver message", messageFields(ctx, base.MessageID, base.SenderID, base.ReceiverID))
	return appErr
}

// enqueueTranscription hands a voice message to the transcription workers.
// The job completes out of band so a queue outage does not fail the message.
func (e *Engine) enqueueTranscription(ctx context.Context, base *models.Message) {
	fields := messageFields(ctx, base.MessageID, base.SenderID, base.ReceiverID)
	if e.deps.Queue == nil {
		e.logger.WithFields(fields).Warn("Skipping transcription: no queue configured")
		return
	}
	if base.MediaRef == nil {
		return
	}

	job := models.TranscriptionJob{
		MessageID:   base.MessageID,
		SenderID:    base.SenderID,
		ReceiverID:  base.ReceiverID,
		MediaRef:    *base.MediaRef,
		MimeType:    base.Metadata.MimeType,
		RequestedAt: e.clock(),
	}
	if err := e.deps.Queue.Enqueue(ctx, job, e.transcribe); err != nil {
		metrics.IncrementCounter("transcription_enqueue_failures_total", nil)
		e.errs.LogWarn(err, "Failed to enqueue transcription", fields)
	}
}
