package models

import (
	"fmt"
	"time"
)

// AutoDeleteSetting is one of the named auto-delete durations a user can pick
// for messages they own in a conversation.
type AutoDeleteSetting string

const (
	AutoDelete10s   AutoDeleteSetting = "10s"
	AutoDelete60s   AutoDeleteSetting = "60s"
	AutoDelete1d    AutoDeleteSetting = "1d"
	AutoDelete3d    AutoDeleteSetting = "3d"
	AutoDelete7d    AutoDeleteSetting = "7d"
	AutoDeleteNever AutoDeleteSetting = "never"
)

var autoDeleteDurations = map[AutoDeleteSetting]time.Duration{
	AutoDelete10s:   10 * time.Second,
	AutoDelete60s:   60 * time.Second,
	AutoDelete1d:    24 * time.Hour,
	AutoDelete3d:    3 * 24 * time.Hour,
	AutoDelete7d:    7 * 24 * time.Hour,
	AutoDeleteNever: 0,
}

// Duration returns the TTL of the setting. ok is false for "never".
func (s AutoDeleteSetting) Duration() (time.Duration, bool, error) {
	d, known := autoDeleteDurations[s]
	if !known {
		return 0, false, fmt.Errorf("unknown auto-delete setting %q", s)
	}
	return d, d > 0, nil
}

func (s AutoDeleteSetting) Valid() bool {
	_, ok := autoDeleteDurations[s]
	return ok
}

// Notification event names pushed to clients
const (
	EventNewMessage      = "new_message"
	EventMessageStatus   = "message_status"
	EventMessageRecalled = "message_recalled"
	EventMessagePinned   = "message_pinned"
	EventMessageUnpinned = "message_unpinned"
	EventReminderSet     = "reminder_set"
	EventReminderUnset   = "reminder_unset"
	EventReminderDue     = "reminder_due"
)

// StatusEvent is the payload of a message_status notification.
type StatusEvent struct {
	MessageID string        `json:"messageId"`
	Status    MessageStatus `json:"status"`
	Error     string        `json:"error,omitempty"`
}
