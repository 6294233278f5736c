package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	apperrors "dmserver/internal/errors"
	"dmserver/internal/middleware"
	"dmserver/internal/models"
	"dmserver/internal/tracing"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"
)

// MessageEngine is the part of the lifecycle engine the HTTP API exposes.
type MessageEngine interface {
	CreateMessage(ctx context.Context, senderID, receiverID string, payload models.SendPayload) (*models.Message, error)
	RetryMessage(ctx context.Context, senderID, messageID string, media *models.RetryMedia) (*models.Message, error)
	ForwardMessage(ctx context.Context, senderID, messageID, targetReceiverID string) (*models.Message, error)
	MarkMessageAsSeen(ctx context.Context, userID, messageID string) (*models.Message, error)
	RecallMessage(ctx context.Context, senderID, messageID string) (*models.Message, error)
	PinMessage(ctx context.Context, userID, messageID string) (*models.Message, error)
	UnpinMessage(ctx context.Context, userID, messageID string) (*models.Message, error)
	DeleteMessage(ctx context.Context, userID, messageID string) error
	RestoreMessage(ctx context.Context, userID, messageID string) (*models.Message, error)
	GetMessages(ctx context.Context, userID, otherID string) ([]*models.Message, error)
	GetMessage(ctx context.Context, userID, messageID string) (*models.Message, error)
	SetReminder(ctx context.Context, userID, messageID string, r models.Reminder) (*models.Message, error)
	EditReminder(ctx context.Context, userID, messageID string, r models.Reminder) (*models.Message, error)
	UnsetReminder(ctx context.Context, userID, messageID string) (*models.Message, error)
	GetRemindersBetweenUsers(ctx context.Context, userID, otherID string) ([]*models.Message, error)
	GetReminderHistory(ctx context.Context, userID, otherID string) ([]models.ReminderHistoryEntry, error)
}

// SettingsStore holds the per-user switches the engine reads.
type SettingsStore interface {
	Block(ctx context.Context, blockerID, blockedID string) error
	Unblock(ctx context.Context, blockerID, blockedID string) error
	SetReadReceipts(ctx context.Context, userID string, enabled bool) error
	SetAutoDelete(ctx context.Context, ownerID, otherID string, setting models.AutoDeleteSetting) error
}

type HealthChecker interface {
	Ping(ctx context.Context) error
}

type ServerDeps struct {
	Engine    MessageEngine
	Settings  SettingsStore
	Health    HealthChecker
	Websocket http.Handler
	Limiter   *middleware.UserRateLimiter
}

type Server struct {
	router  *mux.Router
	deps    ServerDeps
	cfg     models.ServerConfig
	maxBody int64
	logger  *logrus.Logger
	errs    *apperrors.Logger
	server  *http.Server
	stopGC  chan struct{}
}

func NewServer(cfg models.ServerConfig, maxBody int64, deps ServerDeps, logger *logrus.Logger) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		deps:    deps,
		cfg:     cfg,
		maxBody: maxBody,
		logger:  logger,
		errs:    apperrors.FromLogrus(logger),
		stopGC:  make(chan struct{}),
	}

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.ObservabilityMiddleware(s.logger))

	s.router.HandleFunc("/health", s.handleHealth()).Methods(http.MethodGet)
	s.router.HandleFunc("/metrics", s.handleMetrics()).Methods(http.MethodGet)
	if s.deps.Websocket != nil {
		s.router.Handle("/ws", s.deps.Websocket).Methods(http.MethodGet)
	}

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(requireUser)
	if s.deps.Limiter != nil {
		api.Use(s.deps.Limiter.Middleware)
	}

	api.HandleFunc("/messages", s.handleCreateMessage()).Methods(http.MethodPost)
	api.HandleFunc("/messages/{id}", s.handleGetMessage()).Methods(http.MethodGet)
	api.HandleFunc("/messages/{id}", s.handleDeleteMessage()).Methods(http.MethodDelete)
	api.HandleFunc("/messages/{id}/retry", s.handleRetryMessage()).Methods(http.MethodPost)
	api.HandleFunc("/messages/{id}/forward", s.handleForwardMessage()).Methods(http.MethodPost)
	api.HandleFunc("/messages/{id}/seen", s.messageAction(s.deps.Engine.MarkMessageAsSeen)).Methods(http.MethodPost)
	api.HandleFunc("/messages/{id}/recall", s.messageAction(s.deps.Engine.RecallMessage)).Methods(http.MethodPost)
	api.HandleFunc("/messages/{id}/pin", s.messageAction(s.deps.Engine.PinMessage)).Methods(http.MethodPost)
	api.HandleFunc("/messages/{id}/pin", s.messageAction(s.deps.Engine.UnpinMessage)).Methods(http.MethodDelete)
	api.HandleFunc("/messages/{id}/restore", s.messageAction(s.deps.Engine.RestoreMessage)).Methods(http.MethodPost)
	api.HandleFunc("/messages/{id}/reminder", s.handleWriteReminder(s.deps.Engine.SetReminder)).Methods(http.MethodPost)
	api.HandleFunc("/messages/{id}/reminder", s.handleWriteReminder(s.deps.Engine.EditReminder)).Methods(http.MethodPut)
	api.HandleFunc("/messages/{id}/reminder", s.messageAction(s.deps.Engine.UnsetReminder)).Methods(http.MethodDelete)

	api.HandleFunc("/conversations/{otherId}/messages", s.handleGetMessages()).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{otherId}/reminders", s.handleGetReminders()).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{otherId}/reminders/history", s.handleGetReminderHistory()).Methods(http.MethodGet)
	api.HandleFunc("/conversations/{otherId}/auto-delete", s.handleSetAutoDelete()).Methods(http.MethodPut)

	api.HandleFunc("/blocks/{otherId}", s.handleBlock(true)).Methods(http.MethodPut)
	api.HandleFunc("/blocks/{otherId}", s.handleBlock(false)).Methods(http.MethodDelete)
	api.HandleFunc("/settings/read-receipts", s.handleSetReadReceipts()).Methods(http.MethodPut)
}

func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(s.cfg.WriteTimeoutSec) * time.Second,
		IdleTimeout:  time.Duration(s.cfg.IdleTimeoutSec) * time.Second,
	}

	if s.deps.Limiter != nil {
		go s.deps.Limiter.CleanupLoop(time.Minute, s.stopGC)
	}

	s.logger.Infof("Starting server on port %d", s.cfg.Port)
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	select {
	case <-s.stopGC:
	default:
		close(s.stopGC)
	}
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// requireUser rejects API calls that do not name a caller.
func requireUser(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if middleware.UserID(r) == "" {
			err := apperrors.New(apperrors.ErrCodeAuthentication, "missing "+middleware.UserIDHeader+" header").
				WithUserMessage("Caller identity is required")
			writeJSON(w, apperrors.HTTPStatusCode(err), apperrors.ToHTTPResponse(err, tracing.GetRequestID(r.Context())))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.deps.Health != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := s.deps.Health.Ping(ctx); err != nil {
				s.logger.WithError(err).Warn("Health check failed")
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}

// writeError renders err as the standard error body. Unexpected failures are
// logged; business rejections are not.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatusCode(err)
	if status >= http.StatusInternalServerError {
		s.errs.LogError(err, "Request failed", logrus.Fields{
			"request_id": tracing.GetRequestID(r.Context()),
		})
	}
	writeJSON(w, status, apperrors.ToHTTPResponse(err, tracing.GetRequestID(r.Context())))
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}
