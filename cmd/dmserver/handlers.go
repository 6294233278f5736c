package main

import (
	"context"
	"encoding/json"
	"net/http"

	apperrors "dmserver/internal/errors"
	"dmserver/internal/media"
	"dmserver/internal/middleware"
	"dmserver/internal/models"
	"dmserver/internal/validation"

	"github.com/gorilla/mux"
)

type createMessageRequest struct {
	ReceiverID string             `json:"receiverId"`
	Type       models.MessageType `json:"type"`
	Content    *string            `json:"content,omitempty"`
	MediaRef   string             `json:"mediaRef,omitempty"`
	Media      []byte             `json:"media,omitempty"`
	MimeType   string             `json:"mimeType,omitempty"`
	FileName   string             `json:"fileName,omitempty"`
	Metadata   models.Metadata    `json:"metadata"`
}

type retryMessageRequest struct {
	Media    []byte `json:"media,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	FileName string `json:"fileName,omitempty"`
}

type forwardMessageRequest struct {
	ReceiverID string `json:"receiverId"`
}

type readReceiptsRequest struct {
	Enabled bool `json:"enabled"`
}

type autoDeleteRequest struct {
	Setting models.AutoDeleteSetting `json:"setting"`
}

// decodeBody reads a size-checked JSON body into dst.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, dst interface{}) error {
	if err := validation.ValidateHTTPRequestSize(r, s.maxBody); err != nil {
		return err
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return apperrors.NewValidationError("body", "malformed JSON: "+err.Error())
	}
	return nil
}

func (s *Server) handleCreateMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createMessageRequest
		if err := s.decodeBody(w, r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}

		msg, err := s.deps.Engine.CreateMessage(r.Context(), middleware.UserID(r), req.ReceiverID, models.SendPayload{
			Type:     req.Type,
			Content:  req.Content,
			MediaRef: req.MediaRef,
			Media:    req.Media,
			MimeType: uploadMimeType(req.Media, req.FileName, req.MimeType),
			FileName: req.FileName,
			Metadata: req.Metadata,
		})
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, msg)
	}
}

func (s *Server) handleRetryMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var attachment *models.RetryMedia
		if r.ContentLength != 0 {
			var req retryMessageRequest
			if err := s.decodeBody(w, r, &req); err != nil {
				s.writeError(w, r, err)
				return
			}
			if len(req.Media) > 0 {
				attachment = &models.RetryMedia{
					Data:     req.Media,
					MimeType: uploadMimeType(req.Media, req.FileName, req.MimeType),
					FileName: req.FileName,
				}
			}
		}

		msg, err := s.deps.Engine.RetryMessage(r.Context(), middleware.UserID(r), mux.Vars(r)["id"], attachment)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, msg)
	}
}

func (s *Server) handleForwardMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req forwardMessageRequest
		if err := s.decodeBody(w, r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}

		msg, err := s.deps.Engine.ForwardMessage(r.Context(), middleware.UserID(r), mux.Vars(r)["id"], req.ReceiverID)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, msg)
	}
}

// messageAction adapts the engine operations that take only the caller and a
// message id.
func (s *Server) messageAction(op func(ctx context.Context, userID, messageID string) (*models.Message, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		msg, err := op(r.Context(), middleware.UserID(r), mux.Vars(r)["id"])
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, msg)
	}
}

func (s *Server) handleGetMessage() http.HandlerFunc {
	return s.messageAction(s.deps.Engine.GetMessage)
}

func (s *Server) handleDeleteMessage() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.deps.Engine.DeleteMessage(r.Context(), middleware.UserID(r), mux.Vars(r)["id"]); err != nil {
			s.writeError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleWriteReminder(op func(ctx context.Context, userID, messageID string, rem models.Reminder) (*models.Message, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var rem models.Reminder
		if err := s.decodeBody(w, r, &rem); err != nil {
			s.writeError(w, r, err)
			return
		}

		msg, err := op(r.Context(), middleware.UserID(r), mux.Vars(r)["id"], rem)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, msg)
	}
}

func (s *Server) handleGetMessages() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		msgs, err := s.deps.Engine.GetMessages(r.Context(), middleware.UserID(r), mux.Vars(r)["otherId"])
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"messages": nonNil(msgs)})
	}
}

func (s *Server) handleGetReminders() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		msgs, err := s.deps.Engine.GetRemindersBetweenUsers(r.Context(), middleware.UserID(r), mux.Vars(r)["otherId"])
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"reminders": nonNil(msgs)})
	}
}

func (s *Server) handleGetReminderHistory() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entries, err := s.deps.Engine.GetReminderHistory(r.Context(), middleware.UserID(r), mux.Vars(r)["otherId"])
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if entries == nil {
			entries = []models.ReminderHistoryEntry{}
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"history": entries})
	}
}

func (s *Server) handleBlock(block bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, otherID := middleware.UserID(r), mux.Vars(r)["otherId"]
		if err := validateUserPair(userID, otherID); err != nil {
			s.writeError(w, r, err)
			return
		}

		var err error
		if block {
			err = s.deps.Settings.Block(r.Context(), userID, otherID)
		} else {
			err = s.deps.Settings.Unblock(r.Context(), userID, otherID)
		}
		if err != nil {
			s.writeError(w, r, apperrors.NewDependencyError("store", "update block", err))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleSetReadReceipts() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := middleware.UserID(r)
		if err := validation.ValidateUserID(userID); err != nil {
			s.writeError(w, r, err)
			return
		}

		var req readReceiptsRequest
		if err := s.decodeBody(w, r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}

		if err := s.deps.Settings.SetReadReceipts(r.Context(), userID, req.Enabled); err != nil {
			s.writeError(w, r, apperrors.NewDependencyError("store", "set read receipts", err))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleSetAutoDelete() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, otherID := middleware.UserID(r), mux.Vars(r)["otherId"]
		if err := validateUserPair(userID, otherID); err != nil {
			s.writeError(w, r, err)
			return
		}

		var req autoDeleteRequest
		if err := s.decodeBody(w, r, &req); err != nil {
			s.writeError(w, r, err)
			return
		}
		if !req.Setting.Valid() {
			s.writeError(w, r, apperrors.NewValidationError("setting", "must be one of 10s, 60s, 1d, 3d, 7d, never"))
			return
		}

		if err := s.deps.Settings.SetAutoDelete(r.Context(), userID, otherID, req.Setting); err != nil {
			s.writeError(w, r, apperrors.NewDependencyError("store", "set auto-delete", err))
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func validateUserPair(userID, otherID string) error {
	if err := validation.ValidateUserID(userID); err != nil {
		return err
	}
	return validation.ValidateUserID(otherID)
}

// uploadMimeType fills in the MIME type when the client left it out.
func uploadMimeType(data []byte, fileName, declared string) string {
	if len(data) == 0 {
		return declared
	}
	return media.ResolveMimeType(data, fileName, declared)
}

func nonNil(msgs []*models.Message) []*models.Message {
	if msgs == nil {
		return []*models.Message{}
	}
	return msgs
}
