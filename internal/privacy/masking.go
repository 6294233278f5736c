package privacy

import (
	"fmt"
	"strings"

	"dmserver/internal/constants"
)

// MaskUserID masks a user identifier showing only the last 4 characters
// Example: "user123456" -> "******3456"
func MaskUserID(userID string) string {
	if userID == "" {
		return ""
	}
	return maskString(userID, constants.DefaultUserIDMaskLength)
}

// MaskMessageID masks a message ID while keeping enough of the tail to
// correlate log lines
// Example: "0f8e2b7c-1d2a-4c55-9f7e-a1b2c3d4e5f6" -> "****************************c3d4e5f6"
func MaskMessageID(messageID string) string {
	if messageID == "" {
		return ""
	}
	return maskString(messageID, constants.DefaultMessageIDLength)
}

// MaskContent never reveals message text, only its size
// Example: "see you at 8" -> "[12 chars]"
func MaskContent(content string) string {
	if content == "" {
		return ""
	}
	return fmt.Sprintf("[%d chars]", len([]rune(content)))
}

// MaskMediaRef hides the message id segment of a blob key but keeps the
// extension for debugging
// Example: "messages/abc123456789/photo.jpg" -> "messages/****23456789/*****.jpg"
func MaskMediaRef(ref string) string {
	if ref == "" {
		return ""
	}

	parts := strings.Split(ref, "/")
	if len(parts) != 3 {
		return maskString(ref, 4)
	}

	name := parts[2]
	ext := ""
	if i := strings.LastIndex(name, "."); i > 0 {
		ext = name[i:]
		name = name[:i]
	}
	return parts[0] + "/" + MaskMessageID(parts[1]) + "/" + strings.Repeat("*", len(name)) + ext
}

// maskString masks a string showing only the last n characters
func maskString(s string, keepLast int) string {
	if s == "" {
		return ""
	}

	if len(s) <= keepLast {
		return strings.Repeat("*", len(s))
	}

	return strings.Repeat("*", len(s)-keepLast) + s[len(s)-keepLast:]
}

// MaskSensitiveFields applies appropriate masking to common logging fields
func MaskSensitiveFields(fields map[string]interface{}) map[string]interface{} {
	if fields == nil {
		return nil
	}

	masked := make(map[string]interface{})
	for k, v := range fields {
		s, isString := v.(string)
		if !isString {
			masked[k] = v
			continue
		}

		switch k {
		case "user_id", "userId", "sender_id", "receiver_id", "owner_id", "requester":
			masked[k] = MaskUserID(s)
		case "message_id", "messageId", "msg_id":
			masked[k] = MaskMessageID(s)
		case "content", "text", "reminder_content":
			masked[k] = MaskContent(s)
		case "media_ref", "mediaRef":
			masked[k] = MaskMediaRef(s)
		default:
			masked[k] = v
		}
	}

	return masked
}
