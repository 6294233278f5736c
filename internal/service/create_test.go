package service

import (
	"context"
	"testing"
	"time"

	"dmserver/internal/blob"
	apperrors "dmserver/internal/errors"
	"dmserver/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func assertCode(t *testing.T, err error, code apperrors.ErrorCode) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, code, apperrors.GetCode(err), "unexpected error: %v", err)
}

func TestCreateMessage_OfflineReceiver(t *testing.T) {
	env := newTestEnv(t)

	msg := env.sendText(t, "alice", "bob", "hi")

	assert.Equal(t, "msg-001", msg.MessageID)
	assert.Equal(t, "alice", msg.OwnerID)
	assert.Equal(t, models.StatusSent, msg.Status)

	for _, owner := range []string{"alice", "bob"} {
		r := env.replica(t, msg.MessageID, owner)
		require.NotNil(t, r, owner)
		assert.Equal(t, models.StatusSent, r.Status)
		assert.Equal(t, "hi", *r.Content)
		assert.True(t, r.Timestamp.Equal(baseTime))
	}

	assert.Equal(t, []models.MessageStatus{models.StatusPending, models.StatusSending, models.StatusSent},
		env.notifier.Statuses("alice", msg.MessageID))
	assert.Empty(t, env.notifier.For("bob", models.EventNewMessage))
}

func TestCreateMessage_OnlineReceiver(t *testing.T) {
	env := newTestEnv(t)
	env.presence.Set("bob", true)

	msg := env.sendText(t, "alice", "bob", "hi")

	assert.Equal(t, models.StatusDelivered, msg.Status)
	assert.Equal(t, models.StatusDelivered, env.replica(t, msg.MessageID, "bob").Status)

	pushed := env.notifier.For("bob", models.EventNewMessage)
	require.Len(t, pushed, 1)
	delivered := pushed[0].Payload.(*models.Message)
	assert.Equal(t, "bob", delivered.OwnerID)
	assert.Equal(t, msg.MessageID, delivered.MessageID)
}

func TestCreateMessage_PresenceErrorTreatedAsOffline(t *testing.T) {
	env := newTestEnv(t)
	env.presence.err = assert.AnError

	msg := env.sendText(t, "alice", "bob", "hi")
	assert.Equal(t, models.StatusSent, msg.Status)
}

func TestCreateMessage_NoteToSelf(t *testing.T) {
	env := newTestEnv(t)

	msg := env.sendText(t, "alice", "alice", "remember the milk")

	assert.Equal(t, models.StatusSent, msg.Status)
	convo, err := env.db.QueryBySender(context.Background(), "alice", "alice")
	require.NoError(t, err)
	assert.Len(t, convo, 1)
}

func TestCreateMessage_Validation(t *testing.T) {
	tests := []struct {
		name     string
		sender   string
		receiver string
		payload  models.SendPayload
	}{
		{"empty sender", "", "bob", models.SendPayload{Type: models.MessageTypeText, Content: strPtr("hi")}},
		{"empty receiver", "alice", " ", models.SendPayload{Type: models.MessageTypeText, Content: strPtr("hi")}},
		{"unknown type", "alice", "bob", models.SendPayload{Type: "hologram"}},
		{"blank text", "alice", "bob", models.SendPayload{Type: models.MessageTypeText, Content: strPtr("  ")}},
		{"media without buffer", "alice", "bob", models.SendPayload{Type: models.MessageTypeImage}},
		{"location without coordinates", "alice", "bob", models.SendPayload{Type: models.MessageTypeLocation}},
		{"poll with one option", "alice", "bob", models.SendPayload{
			Type:     models.MessageTypePoll,
			Metadata: models.Metadata{Poll: &models.Poll{Question: "lunch?", Options: []string{"yes"}}},
		}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)

			_, err := env.engine.CreateMessage(context.Background(), tt.sender, tt.receiver, tt.payload)

			assertCode(t, err, apperrors.ErrCodeValidationFailed)
			assert.Empty(t, env.notifier.For(tt.sender, models.EventMessageStatus))
		})
	}
}

func TestCreateMessage_Blocked(t *testing.T) {
	for _, blocker := range []string{"alice", "bob"} {
		t.Run(blocker+" blocks", func(t *testing.T) {
			env := newTestEnv(t)
			ctx := context.Background()
			other := map[string]string{"alice": "bob", "bob": "alice"}[blocker]
			require.NoError(t, env.db.Block(ctx, blocker, other))

			_, err := env.engine.CreateMessage(ctx, "alice", "bob", models.SendPayload{
				Type:    models.MessageTypeText,
				Content: strPtr("hi"),
			})

			assertCode(t, err, apperrors.ErrCodePermission)
			assert.Nil(t, env.replica(t, "msg-001", "alice"))
		})
	}
}

func TestCreateMessage_PerDirectionExpiry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	require.NoError(t, env.db.SetAutoDelete(ctx, "alice", "bob", models.AutoDelete1d))

	msg := env.sendText(t, "alice", "bob", "hi")

	aliceCopy := env.replica(t, msg.MessageID, "alice")
	require.NotNil(t, aliceCopy.ExpiresAt)
	assert.True(t, aliceCopy.ExpiresAt.Equal(baseTime.Add(24*time.Hour)))
	assert.Nil(t, env.replica(t, msg.MessageID, "bob").ExpiresAt)
}

func TestCreateMessage_UploadsMediaOnce(t *testing.T) {
	env := newTestEnv(t)
	data := []byte("not really a png")
	ref := "messages/msg-001/photo.png"

	env.blobs.On("Upload", mock.Anything, ref, data, "image/png").Return(ref, nil).Once()

	msg, err := env.engine.CreateMessage(context.Background(), "alice", "bob", models.SendPayload{
		Type:     models.MessageTypeImage,
		Media:    data,
		MimeType: "image/png",
		FileName: "photo.png",
	})
	require.NoError(t, err)

	for _, owner := range []string{"alice", "bob"} {
		r := env.replica(t, msg.MessageID, owner)
		require.NotNil(t, r.MediaRef)
		assert.Equal(t, ref, *r.MediaRef)
		assert.Equal(t, int64(len(data)), r.Metadata.Size)
		assert.Equal(t, "image/png", r.Metadata.MimeType)
	}
	env.blobs.AssertExpectations(t)
}

func TestCreateMessage_CompressesImages(t *testing.T) {
	env := newTestEnv(t)
	compressor := &mockCompressor{}
	env.engine.deps.Compressor = compressor

	data := []byte("big jpeg")
	small := []byte("small")
	compressor.On("Compress", mock.Anything, data, "image/jpeg").Return(&blob.Compressed{
		Data:     small,
		MimeType: "image/jpeg",
		Width:    640,
		Height:   480,
	}, nil).Once()
	env.blobs.On("Upload", mock.Anything, "messages/msg-001/a.jpg", small, "image/jpeg").
		Return("messages/msg-001/a.jpg", nil).Once()

	msg, err := env.engine.CreateMessage(context.Background(), "alice", "bob", models.SendPayload{
		Type:     models.MessageTypeImage,
		Media:    data,
		MimeType: "image/jpeg",
		FileName: "a.jpg",
	})
	require.NoError(t, err)

	r := env.replica(t, msg.MessageID, "bob")
	assert.Equal(t, 640, r.Metadata.Width)
	assert.Equal(t, 480, r.Metadata.Height)
	assert.Equal(t, int64(len(small)), r.Metadata.Size)
	compressor.AssertExpectations(t)
	env.blobs.AssertExpectations(t)
}

func TestCreateMessage_CompressionFailureUploadsOriginal(t *testing.T) {
	env := newTestEnv(t)
	compressor := &mockCompressor{}
	env.engine.deps.Compressor = compressor

	data := []byte("corrupt png")
	compressor.On("Compress", mock.Anything, data, "image/png").Return(nil, assert.AnError).Once()
	env.blobs.On("Upload", mock.Anything, "messages/msg-001/attachment.png", data, "image/png").
		Return("messages/msg-001/attachment.png", nil).Once()

	_, err := env.engine.CreateMessage(context.Background(), "alice", "bob", models.SendPayload{
		Type:     models.MessageTypeImage,
		Media:    data,
		MimeType: "image/png",
	})

	require.NoError(t, err)
	env.blobs.AssertExpectations(t)
}

func TestCreateMessage_StoreFailureCompensates(t *testing.T) {
	env := newTestEnv(t)
	data := []byte("voice bytes")
	ref := "messages/msg-001/memo.ogg"

	env.store.FailPut("bob", assert.AnError)
	env.blobs.On("Upload", mock.Anything, ref, data, "audio/ogg").Return(ref, nil).Once()
	env.blobs.On("Delete", mock.Anything, ref).Return(nil).Once()

	_, err := env.engine.CreateMessage(context.Background(), "alice", "bob", models.SendPayload{
		Type:     models.MessageTypeVoice,
		Media:    data,
		MimeType: "audio/ogg",
		FileName: "memo.ogg",
	})

	assertCode(t, err, apperrors.ErrCodeDependency)
	assert.True(t, apperrors.IsRetryable(err))

	own := env.replica(t, "msg-001", "alice")
	require.NotNil(t, own)
	assert.Equal(t, models.StatusFailed, own.Status)
	assert.Nil(t, own.MediaRef)
	assert.Nil(t, env.replica(t, "msg-001", "bob"))

	statuses := env.notifier.Statuses("alice", "msg-001")
	require.NotEmpty(t, statuses)
	assert.Equal(t, models.StatusFailed, statuses[len(statuses)-1])
	env.blobs.AssertExpectations(t)
}

func TestCreateMessage_CleanupFailureKeepsOriginalError(t *testing.T) {
	env := newTestEnv(t)
	data := []byte("bytes")
	ref := "messages/msg-001/doc.pdf"

	env.store.FailPut("bob", assert.AnError)
	env.blobs.On("Upload", mock.Anything, ref, data, "application/pdf").Return(ref, nil).Once()
	env.blobs.On("Delete", mock.Anything, ref).Return(assert.AnError).Once()

	_, err := env.engine.CreateMessage(context.Background(), "alice", "bob", models.SendPayload{
		Type:     models.MessageTypeFile,
		Media:    data,
		MimeType: "application/pdf",
		FileName: "doc.pdf",
	})

	assertCode(t, err, apperrors.ErrCodeDependency)
	assert.Contains(t, err.Error(), "put replicas")
	env.blobs.AssertExpectations(t)
}

func TestCreateMessage_ExistingMediaRefNotDeletedOnFailure(t *testing.T) {
	env := newTestEnv(t)
	env.store.FailPut("bob", assert.AnError)

	_, err := env.engine.CreateMessage(context.Background(), "alice", "bob", models.SendPayload{
		Type:     models.MessageTypeSticker,
		MediaRef: "stickers/pack-1/wave.webp",
	})

	assertCode(t, err, apperrors.ErrCodeDependency)
	env.blobs.AssertNotCalled(t, "Delete", mock.Anything, mock.Anything)

	own := env.replica(t, "msg-001", "alice")
	require.NotNil(t, own.MediaRef)
	assert.Equal(t, "stickers/pack-1/wave.webp", *own.MediaRef)
}

func TestCreateMessage_UploadFailure(t *testing.T) {
	env := newTestEnv(t)
	env.blobs.On("Upload", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return("", assert.AnError).Once()

	_, err := env.engine.CreateMessage(context.Background(), "alice", "bob", models.SendPayload{
		Type:     models.MessageTypeVideo,
		Media:    []byte("frames"),
		MimeType: "video/mp4",
	})

	assertCode(t, err, apperrors.ErrCodeDependency)
	assert.Nil(t, env.replica(t, "msg-001", "alice"))
	assert.Equal(t, []models.MessageStatus{models.StatusPending, models.StatusSending, models.StatusFailed},
		env.notifier.Statuses("alice", "msg-001"))
}

func TestCreateMessage_Transcription(t *testing.T) {
	tests := []struct {
		name     string
		queueErr error
	}{
		{"enqueued", nil},
		{"queue outage does not fail the message", assert.AnError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			ref := "messages/msg-001/attachment.ogg"
			env.blobs.On("Upload", mock.Anything, ref, mock.Anything, "audio/ogg").Return(ref, nil).Once()
			env.queue.On("Enqueue", mock.Anything, mock.MatchedBy(func(job models.TranscriptionJob) bool {
				return job.MessageID == "msg-001" && job.MediaRef == ref && job.MimeType == "audio/ogg"
			}), mock.Anything).Return(tt.queueErr).Once()

			msg, err := env.engine.CreateMessage(context.Background(), "alice", "bob", models.SendPayload{
				Type:     models.MessageTypeVoice,
				Media:    []byte("ogg"),
				MimeType: "audio/ogg",
				Metadata: models.Metadata{Transcribe: true},
			})

			require.NoError(t, err)
			assert.Equal(t, models.StatusSent, msg.Status)
			env.queue.AssertExpectations(t)
		})
	}
}

func TestRetryMessage(t *testing.T) {
	t.Run("rejects messages that did not fail", func(t *testing.T) {
		env := newTestEnv(t)
		msg := env.sendText(t, "alice", "bob", "hi")

		_, err := env.engine.RetryMessage(context.Background(), "alice", msg.MessageID, nil)
		assertCode(t, err, apperrors.ErrCodeConflict)
	})

	t.Run("rejects the receiver", func(t *testing.T) {
		env := newTestEnv(t)
		msg := env.sendText(t, "alice", "bob", "hi")

		_, err := env.engine.RetryMessage(context.Background(), "bob", msg.MessageID, nil)
		assertCode(t, err, apperrors.ErrCodePermission)
	})

	t.Run("unknown message", func(t *testing.T) {
		env := newTestEnv(t)

		_, err := env.engine.RetryMessage(context.Background(), "alice", "nope", nil)
		assertCode(t, err, apperrors.ErrCodeNotFound)
	})

	t.Run("failed text message is stored again", func(t *testing.T) {
		env := newTestEnv(t)
		ctx := context.Background()
		env.store.FailPut("bob", assert.AnError)

		_, err := env.engine.CreateMessage(ctx, "alice", "bob", models.SendPayload{
			Type:    models.MessageTypeText,
			Content: strPtr("hi"),
		})
		require.Error(t, err)
		env.store.Heal()
		env.notifier.Reset()

		msg, err := env.engine.RetryMessage(ctx, "alice", "msg-001", nil)
		require.NoError(t, err)

		assert.Equal(t, models.StatusSent, msg.Status)
		assert.Equal(t, models.StatusSent, env.replica(t, "msg-001", "bob").Status)
		assert.True(t, env.replica(t, "msg-001", "bob").Timestamp.Equal(baseTime))
		assert.Equal(t, []models.MessageStatus{models.StatusSending, models.StatusSent},
			env.notifier.Statuses("alice", "msg-001"))
	})

	t.Run("receiver keeps its own reminder and pin", func(t *testing.T) {
		env := newTestEnv(t)
		ctx := context.Background()
		msg := env.sendText(t, "alice", "bob", "hi")
		for _, owner := range []string{"alice", "bob"} {
			_, err := env.db.UpdateMessage(ctx, msg.MessageID, owner, models.StatusUpdate(models.StatusFailed))
			require.NoError(t, err)
		}
		bobExpiry := env.replica(t, msg.MessageID, "bob").ExpiresAt

		_, err := env.engine.SetReminder(ctx, "bob", msg.MessageID, dailyReminder("call back", models.ReminderScopeOnlyMe))
		require.NoError(t, err)
		_, err = env.engine.PinMessage(ctx, "bob", msg.MessageID)
		require.NoError(t, err)

		_, err = env.engine.RetryMessage(ctx, "alice", msg.MessageID, nil)
		require.NoError(t, err)

		bob := env.replica(t, msg.MessageID, "bob")
		assert.Equal(t, models.StatusSent, bob.Status)
		require.NotNil(t, bob.Reminder)
		assert.Equal(t, "call back", bob.Reminder.Content)
		assert.True(t, bob.IsPinned)
		require.NotNil(t, bob.PinnedBy)
		assert.Equal(t, "bob", *bob.PinnedBy)
		assert.Equal(t, bobExpiry, bob.ExpiresAt)
		assert.Equal(t, models.StatusSent, env.replica(t, msg.MessageID, "alice").Status)
	})

	t.Run("removed attachment must be supplied again", func(t *testing.T) {
		env := newTestEnv(t)
		ctx := context.Background()
		ref := "messages/msg-001/photo.png"
		env.store.FailPut("bob", assert.AnError)
		env.blobs.On("Upload", mock.Anything, ref, mock.Anything, "image/png").Return(ref, nil).Twice()
		env.blobs.On("Delete", mock.Anything, ref).Return(nil).Once()

		_, err := env.engine.CreateMessage(ctx, "alice", "bob", models.SendPayload{
			Type:     models.MessageTypeImage,
			Media:    []byte("png"),
			MimeType: "image/png",
			FileName: "photo.png",
		})
		require.Error(t, err)
		env.store.Heal()

		_, err = env.engine.RetryMessage(ctx, "alice", "msg-001", nil)
		assertCode(t, err, apperrors.ErrCodeValidationFailed)

		msg, err := env.engine.RetryMessage(ctx, "alice", "msg-001", &models.RetryMedia{
			Data:     []byte("png"),
			MimeType: "image/png",
			FileName: "photo.png",
		})
		require.NoError(t, err)
		require.NotNil(t, msg.MediaRef)
		assert.Equal(t, ref, *msg.MediaRef)
		env.blobs.AssertExpectations(t)
	})
}

func TestForwardMessage(t *testing.T) {
	t.Run("copies attachment under the new id", func(t *testing.T) {
		env := newTestEnv(t)
		ctx := context.Background()
		src := "messages/msg-001/photo.png"
		dst := "messages/msg-002/photo.png"
		env.blobs.On("Upload", mock.Anything, src, mock.Anything, "image/png").Return(src, nil).Once()
		env.blobs.On("Copy", mock.Anything, src, dst).Return(dst, nil).Once()

		_, err := env.engine.CreateMessage(ctx, "alice", "bob", models.SendPayload{
			Type:     models.MessageTypeImage,
			Media:    []byte("png"),
			MimeType: "image/png",
			FileName: "photo.png",
		})
		require.NoError(t, err)

		fwd, err := env.engine.ForwardMessage(ctx, "bob", "msg-001", "carol")
		require.NoError(t, err)

		assert.Equal(t, "msg-002", fwd.MessageID)
		assert.Equal(t, "bob", fwd.SenderID)
		assert.Equal(t, "carol", fwd.ReceiverID)
		assert.Equal(t, "msg-001", fwd.Metadata.ForwardedFrom)
		require.NotNil(t, fwd.MediaRef)
		assert.Equal(t, dst, *fwd.MediaRef)
		assert.NotNil(t, env.replica(t, "msg-002", "carol"))
		env.blobs.AssertExpectations(t)
	})

	t.Run("recalled message is rejected before any copy", func(t *testing.T) {
		env := newTestEnv(t)
		ctx := context.Background()
		msg := env.sendText(t, "alice", "bob", "oops")
		_, err := env.engine.RecallMessage(ctx, "alice", msg.MessageID)
		require.NoError(t, err)

		_, err = env.engine.ForwardMessage(ctx, "alice", msg.MessageID, "carol")

		assertCode(t, err, apperrors.ErrCodeConflict)
		env.blobs.AssertNotCalled(t, "Copy", mock.Anything, mock.Anything, mock.Anything)
	})

	t.Run("blocked target", func(t *testing.T) {
		env := newTestEnv(t)
		ctx := context.Background()
		msg := env.sendText(t, "alice", "bob", "hi")
		require.NoError(t, env.db.Block(ctx, "carol", "alice"))

		_, err := env.engine.ForwardMessage(ctx, "alice", msg.MessageID, "carol")
		assertCode(t, err, apperrors.ErrCodePermission)
	})

	t.Run("caller without a replica", func(t *testing.T) {
		env := newTestEnv(t)
		msg := env.sendText(t, "alice", "bob", "hi")

		_, err := env.engine.ForwardMessage(context.Background(), "mallory", msg.MessageID, "carol")
		assertCode(t, err, apperrors.ErrCodeNotFound)
	})

	t.Run("copied blob removed when storage fails", func(t *testing.T) {
		env := newTestEnv(t)
		ctx := context.Background()
		src := "messages/msg-001/clip.mp4"
		dst := "messages/msg-002/clip.mp4"
		env.blobs.On("Upload", mock.Anything, src, mock.Anything, "video/mp4").Return(src, nil).Once()
		env.blobs.On("Copy", mock.Anything, src, dst).Return(dst, nil).Once()
		env.blobs.On("Delete", mock.Anything, dst).Return(nil).Once()

		_, err := env.engine.CreateMessage(ctx, "alice", "bob", models.SendPayload{
			Type:     models.MessageTypeVideo,
			Media:    []byte("mp4"),
			MimeType: "video/mp4",
			FileName: "clip.mp4",
		})
		require.NoError(t, err)

		env.store.FailPut("carol", assert.AnError)
		_, err = env.engine.ForwardMessage(ctx, "alice", "msg-001", "carol")

		assertCode(t, err, apperrors.ErrCodeDependency)
		env.blobs.AssertExpectations(t)
		env.blobs.AssertNotCalled(t, "Delete", mock.Anything, src)
		assert.Equal(t, models.StatusFailed, env.replica(t, "msg-002", "alice").Status)
	})
}
