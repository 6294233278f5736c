package service

import (
	"context"

	"dmserver/internal/privacy"

	"github.com/sirupsen/logrus"
)

// ContextKey is a package-local type to prevent context key collisions
// See staticcheck SA1029 guidance
type ContextKey string

// VerboseContextKey is the strongly-typed context key for verbose logging flag
const VerboseContextKey ContextKey = "verbose"

// WithVerbose marks ctx so identifiers are logged unmasked.
func WithVerbose(ctx context.Context, verbose bool) context.Context {
	return context.WithValue(ctx, VerboseContextKey, verbose)
}

// IsVerboseLogging checks if verbose logging is enabled from context
func IsVerboseLogging(ctx context.Context) bool {
	if verbose, ok := ctx.Value(VerboseContextKey).(bool); ok {
		return verbose
	}
	return false
}

func SanitizeUserID(ctx context.Context, userID string) string {
	if IsVerboseLogging(ctx) {
		return userID
	}
	return privacy.MaskUserID(userID)
}

func SanitizeMessageID(ctx context.Context, messageID string) string {
	if IsVerboseLogging(ctx) {
		return messageID
	}
	return privacy.MaskMessageID(messageID)
}

// SanitizeContent reports only the length of message text outside verbose mode.
func SanitizeContent(ctx context.Context, content *string) string {
	if content == nil {
		return ""
	}
	if IsVerboseLogging(ctx) {
		return *content
	}
	return privacy.MaskContent(*content)
}

// messageFields returns the standard identifying fields of a replica.
func messageFields(ctx context.Context, messageID, senderID, receiverID string) logrus.Fields {
	return logrus.Fields{
		LogFieldMessageID:  SanitizeMessageID(ctx, messageID),
		LogFieldSenderID:   SanitizeUserID(ctx, senderID),
		LogFieldReceiverID: SanitizeUserID(ctx, receiverID),
	}
}

// LogWithContext creates a logger entry with optional sensitive information
func LogWithContext(ctx context.Context, logger *logrus.Logger) *logrus.Entry {
	return logger.WithField("verbose", IsVerboseLogging(ctx))
}
