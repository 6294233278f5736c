package validation

import (
	"fmt"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	"dmserver/internal/constants"
	"dmserver/internal/errors"
	"dmserver/internal/models"
)

// ValidateUserID validates user ID format and length
func ValidateUserID(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return errors.NewValidationError("userId", "cannot be empty")
	}

	if len(userID) > constants.MaxUserIDLength {
		return errors.NewValidationError("userId",
			fmt.Sprintf("too long (max %d characters)", constants.MaxUserIDLength))
	}

	if hasControlChars(userID) {
		return errors.NewValidationError("userId", "contains invalid characters")
	}

	return nil
}

// ValidateMessageID validates message ID format and length
func ValidateMessageID(messageID string) error {
	if messageID == "" {
		return errors.NewValidationError("messageId", "cannot be empty")
	}

	if len(messageID) > constants.MaxMessageIDLength {
		return errors.NewValidationError("messageId",
			fmt.Sprintf("too long (max %d characters)", constants.MaxMessageIDLength))
	}

	// Control characters would corrupt blob keys and log lines
	if hasControlChars(messageID) || strings.Contains(messageID, "/") {
		return errors.NewValidationError("messageId", "contains invalid characters")
	}

	return nil
}

func hasControlChars(s string) bool {
	for _, char := range s {
		if char == '\x00' || char == '\n' || char == '\r' || char == '\t' {
			return true
		}
	}
	return false
}

// ValidateMediaSize validates media file size against configured limits
func ValidateMediaSize(sizeBytes int64, msgType models.MessageType, limits models.MediaSizeLimits) error {
	if sizeBytes < 0 {
		return errors.NewValidationError("media", "size cannot be negative")
	}

	if sizeBytes == 0 {
		return errors.NewValidationError("media", "file is empty")
	}

	maxSizeMB := limitFor(msgType, limits)
	if maxSizeMB <= 0 {
		return nil
	}

	maxSizeBytes := int64(maxSizeMB) * constants.BytesPerMegabyte
	if sizeBytes > maxSizeBytes {
		return errors.NewValidationError("media",
			fmt.Sprintf("file too large: %d bytes (max %d MB)", sizeBytes, maxSizeMB))
	}

	return nil
}

func limitFor(msgType models.MessageType, limits models.MediaSizeLimits) int {
	switch msgType {
	case models.MessageTypeImage, models.MessageTypeSticker, models.MessageTypeGif:
		return limits.Image
	case models.MessageTypeVideo:
		return limits.Video
	case models.MessageTypeVoice:
		return limits.Voice
	default:
		return limits.File
	}
}

func mimeAllowed(msgType models.MessageType, mimeType string) bool {
	var prefixes []string
	switch msgType {
	case models.MessageTypeImage:
		prefixes = constants.ImageMimePrefixes
	case models.MessageTypeVideo:
		prefixes = constants.VideoMimePrefixes
	case models.MessageTypeVoice:
		prefixes = constants.VoiceMimePrefixes
	case models.MessageTypeSticker:
		prefixes = constants.StickerMimePrefixes
	case models.MessageTypeGif:
		prefixes = constants.GifMimePrefixes
	}
	if len(prefixes) == 0 {
		return true
	}
	for _, prefix := range prefixes {
		if strings.HasPrefix(mimeType, prefix) {
			return true
		}
	}
	return false
}

// ValidateSendPayload checks that a payload carries the fields its type needs.
func ValidateSendPayload(p models.SendPayload, limits models.MediaSizeLimits) error {
	if !p.Type.Valid() {
		return errors.NewValidationError("type", fmt.Sprintf("unsupported message type %q", p.Type))
	}

	if p.Content != nil && utf8.RuneCountInString(*p.Content) > constants.MaxTextContentLength {
		return errors.NewValidationError("content",
			fmt.Sprintf("too long (max %d characters)", constants.MaxTextContentLength))
	}

	md := p.Metadata
	switch {
	case p.Type == models.MessageTypeText:
		if p.Content == nil || strings.TrimSpace(*p.Content) == "" {
			return errors.NewValidationError("content", "text messages need content")
		}

	case p.Type.IsMedia():
		if p.MediaRef != "" {
			return nil
		}
		if !p.HasMediaBuffer() || p.MimeType == "" {
			return errors.NewValidationError("media", "media messages need a blob reference or a buffer with a MIME type")
		}
		if !mimeAllowed(p.Type, p.MimeType) {
			return errors.NewValidationError("mimeType", fmt.Sprintf("%s is not allowed for %s messages", p.MimeType, p.Type))
		}
		return ValidateMediaSize(int64(len(p.Media)), p.Type, limits)

	case p.Type == models.MessageTypeLocation:
		if md.Location == nil {
			return errors.NewValidationError("metadata.location", "location messages need latitude and longitude")
		}
		lat, lng := md.Location.Latitude, md.Location.Longitude
		if lat == nil {
			return errors.NewValidationError("metadata.location.latitude", "required")
		}
		if lng == nil {
			return errors.NewValidationError("metadata.location.longitude", "required")
		}
		if *lat < -90 || *lat > 90 {
			return errors.NewValidationError("metadata.location.latitude", "out of range")
		}
		if *lng < -180 || *lng > 180 {
			return errors.NewValidationError("metadata.location.longitude", "out of range")
		}

	case p.Type == models.MessageTypeContact:
		if md.Contact == nil || strings.TrimSpace(md.Contact.Name) == "" || strings.TrimSpace(md.Contact.Phone) == "" {
			return errors.NewValidationError("metadata.contact", "contact messages need a name and phone")
		}

	case p.Type == models.MessageTypePoll:
		if md.Poll == nil || strings.TrimSpace(md.Poll.Question) == "" {
			return errors.NewValidationError("metadata.poll", "poll messages need a question")
		}
		n := len(md.Poll.Options)
		if n < constants.MinPollOptions || n > constants.MaxPollOptions {
			return errors.NewValidationError("metadata.poll.options",
				fmt.Sprintf("need between %d and %d options", constants.MinPollOptions, constants.MaxPollOptions))
		}
		for _, opt := range md.Poll.Options {
			if strings.TrimSpace(opt) == "" {
				return errors.NewValidationError("metadata.poll.options", "options cannot be empty")
			}
		}

	case p.Type == models.MessageTypeEvent:
		if md.Event == nil || strings.TrimSpace(md.Event.Title) == "" || md.Event.Date.IsZero() {
			return errors.NewValidationError("metadata.event", "event messages need a title and date")
		}
	}

	return nil
}

// ValidateReminder checks a reminder before it is attached to a replica.
// daysOfWeek must be present exactly when the reminder repeats on several weekdays.
func ValidateReminder(r models.Reminder, now time.Time) error {
	if r.At.IsZero() || !r.At.After(now) {
		return errors.NewValidationError("reminder", "must be in the future")
	}

	if !r.Scope.Valid() {
		return errors.NewValidationError("scope", fmt.Sprintf("unknown scope %q", r.Scope))
	}

	if !r.Repeat.Valid() {
		return errors.NewValidationError("repeat", fmt.Sprintf("unknown repeat %q", r.Repeat))
	}

	if r.Repeat == models.RepeatMultipleDaysWeekly {
		if len(r.DaysOfWeek) == 0 {
			return errors.NewValidationError("daysOfWeek", "required for multipleDaysWeekly")
		}
		for _, d := range r.DaysOfWeek {
			if d < 1 || d > 7 {
				return errors.NewValidationError("daysOfWeek", fmt.Sprintf("day %d outside 1-7", d))
			}
		}
	} else if r.DaysOfWeek != nil {
		return errors.NewValidationError("daysOfWeek", "only allowed for multipleDaysWeekly")
	}

	if _, err := models.LoadTimeZone(r.TimeZone); err != nil {
		return errors.NewValidationError("timeZone", err.Error())
	}

	if utf8.RuneCountInString(r.Content) > constants.MaxTextContentLength {
		return errors.NewValidationError("reminderContent",
			fmt.Sprintf("too long (max %d characters)", constants.MaxTextContentLength))
	}

	return nil
}

// ValidateHTTPRequestSize validates incoming HTTP request size
func ValidateHTTPRequestSize(r *http.Request, maxSizeBytes int64) error {
	if r.ContentLength < -1 {
		return errors.NewValidationError("body", "invalid content length")
	}

	if r.ContentLength > maxSizeBytes {
		return errors.NewValidationError("body",
			fmt.Sprintf("request too large: %d bytes (max %d bytes)", r.ContentLength, maxSizeBytes))
	}

	return nil
}

// ValidateTimeout validates timeout values
func ValidateTimeout(timeoutSec int, fieldName string) error {
	if timeoutSec < 1 {
		return errors.NewValidationError(fieldName, "must be at least 1 second")
	}

	if timeoutSec > 3600 { // Max 1 hour
		return errors.NewValidationError(fieldName, "too large (max 3600 seconds)")
	}

	return nil
}

// ValidateNumericRange validates numeric values against bounds
func ValidateNumericRange(value int, fieldName string, min, max int) error {
	if value < min {
		return errors.NewValidationError(fieldName, fmt.Sprintf("too small (min %d)", min))
	}

	if value > max {
		return errors.NewValidationError(fieldName, fmt.Sprintf("too large (max %d)", max))
	}

	return nil
}
