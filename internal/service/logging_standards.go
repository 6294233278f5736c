package service

// Logging Standards for dmserver
//
// This file defines standard field names, log levels, and patterns
// to ensure consistent logging across the application.

// Standard Field Names
// Use these exact field names for consistency across all logging calls
const (
	// Core identifiers
	LogFieldMessageID  = "message_id"
	LogFieldUserID     = "user_id"
	LogFieldSenderID   = "sender_id"
	LogFieldReceiverID = "receiver_id"
	LogFieldOwnerID    = "owner_id"
	LogFieldRequestID  = "request_id"
	LogFieldTraceID    = "trace_id"

	// Service and operation fields
	LogFieldService   = "service"
	LogFieldOperation = "operation"
	LogFieldComponent = "component"
	LogFieldMethod    = "method"

	// Message lifecycle fields
	LogFieldEvent       = "event"
	LogFieldMessageType = "message_type"
	LogFieldStatus      = "status"
	LogFieldScope       = "scope"
	LogFieldRepeat      = "repeat"

	// Performance and metrics
	LogFieldDuration = "duration_ms"
	LogFieldCount    = "count"
	LogFieldSize     = "size_bytes"

	// Network and external services
	LogFieldURL        = "url"
	LogFieldStatusCode = "status_code"
	LogFieldRemoteIP   = "remote_ip"
	LogFieldUserAgent  = "user_agent"

	// Media
	LogFieldMediaRef = "media_ref"
	LogFieldMimeType = "mime_type"

	// Error and debugging
	LogFieldErrorCode = "error_code"
	LogFieldAttempt   = "attempt"
)

// Log Level Usage Guidelines
//
// DEBUG: Detailed flow information. Notifications, skipped status updates,
//   lost reminder claims.
//
// INFO: Key lifecycle events.
//   - Application startup/shutdown
//   - Background jobs started/stopped
//   - Reminders fired, expired replicas purged
//
// WARN: The operation continues but something was lost.
//   - Compensation steps that failed (orphaned blob, replica not marked failed)
//   - Presence or queue unavailable
//   - Messages stuck in sending
//
// ERROR: An operation failed and the caller got a DependencyError.
//
// FATAL: Startup cannot continue (config, database).

// Standard Log Message Patterns
//
// Starting operations: "Starting [operation]"
// Completed operations: "[Operation] completed"
// Failed operations: "Failed to [operation]"
// Skipping operations: "Skipping [operation]: [reason]"

// Example Usage:
//
// logger.WithFields(logrus.Fields{
//     LogFieldMessageID: SanitizeMessageID(ctx, msg.MessageID),
//     LogFieldSenderID:  SanitizeUserID(ctx, msg.SenderID),
//     LogFieldStatus:    msg.Status,
// }).Info("Message created")
