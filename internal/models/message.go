package models

import (
	"time"
)

type MessageType string

const (
	MessageTypeText     MessageType = "text"
	MessageTypeImage    MessageType = "image"
	MessageTypeFile     MessageType = "file"
	MessageTypeVideo    MessageType = "video"
	MessageTypeVoice    MessageType = "voice"
	MessageTypeSticker  MessageType = "sticker"
	MessageTypeGif      MessageType = "gif"
	MessageTypeLocation MessageType = "location"
	MessageTypeContact  MessageType = "contact"
	MessageTypePoll     MessageType = "poll"
	MessageTypeEvent    MessageType = "event"
)

// Valid reports whether t is one of the supported message types.
func (t MessageType) Valid() bool {
	switch t {
	case MessageTypeText, MessageTypeImage, MessageTypeFile, MessageTypeVideo,
		MessageTypeVoice, MessageTypeSticker, MessageTypeGif, MessageTypeLocation,
		MessageTypeContact, MessageTypePoll, MessageTypeEvent:
		return true
	}
	return false
}

// IsMedia reports whether messages of this type carry a blob.
func (t MessageType) IsMedia() bool {
	switch t {
	case MessageTypeImage, MessageTypeFile, MessageTypeVideo,
		MessageTypeVoice, MessageTypeSticker, MessageTypeGif:
		return true
	}
	return false
}

type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusSeen      MessageStatus = "seen"
	StatusFailed    MessageStatus = "failed"
	StatusRecalled  MessageStatus = "recalled"
)

var statusRank = map[MessageStatus]int{
	StatusPending:   0,
	StatusSending:   1,
	StatusSent:      2,
	StatusDelivered: 3,
	StatusSeen:      4,
}

// CanTransition reports whether a replica may move from one status to another.
// Progress along pending, sending, sent, delivered, seen only moves forward.
// failed is reachable from any unfinished state and only leaves towards sending.
// recalled is terminal and reachable from anything except failed.
func CanTransition(from, to MessageStatus) bool {
	if from == to {
		return false
	}
	switch from {
	case StatusRecalled:
		return false
	case StatusFailed:
		return to == StatusSending
	}
	switch to {
	case StatusRecalled:
		return true
	case StatusFailed:
		return from != StatusSeen
	}
	fromRank, ok := statusRank[from]
	if !ok {
		return false
	}
	toRank, ok := statusRank[to]
	if !ok {
		return false
	}
	return toRank > fromRank
}

// Location is the payload of a location message. The coordinates are
// pointers so an omitted one is told apart from 0.
type Location struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Name      string   `json:"name,omitempty"`
}

// Contact is the payload of a shared contact card
type Contact struct {
	Name  string `json:"name"`
	Phone string `json:"phone"`
}

// Poll is the payload of a poll message
type Poll struct {
	Question string   `json:"question"`
	Options  []string `json:"options"`
}

// Event is the payload of a calendar event message
type Event struct {
	Title    string    `json:"title"`
	Date     time.Time `json:"date"`
	Location string    `json:"location,omitempty"`
}

// Metadata holds the type-specific fields of a message. It is stored as one JSON column.
type Metadata struct {
	FileName      string    `json:"fileName,omitempty"`
	MimeType      string    `json:"mimeType,omitempty"`
	Size          int64     `json:"size,omitempty"`
	Width         int       `json:"width,omitempty"`
	Height        int       `json:"height,omitempty"`
	DurationSec   float64   `json:"duration,omitempty"`
	Location      *Location `json:"location,omitempty"`
	Contact       *Contact  `json:"contact,omitempty"`
	Poll          *Poll     `json:"poll,omitempty"`
	Event         *Event    `json:"event,omitempty"`
	ForwardedFrom string    `json:"forwardedFrom,omitempty"`
	Transcribe    bool      `json:"transcribe,omitempty"`
	Transcription string    `json:"transcription,omitempty"`
}

// Message is one replica of a logical message. Every logical message is stored
// twice, once for the sender and once for the receiver, under the same MessageID.
type Message struct {
	MessageID  string        `json:"messageId"`
	OwnerID    string        `json:"ownerId"`
	Type       MessageType   `json:"type"`
	Content    *string       `json:"content"`
	MediaRef   *string       `json:"mediaRef"`
	Metadata   Metadata      `json:"metadata"`
	SenderID   string        `json:"senderId"`
	ReceiverID string        `json:"receiverId"`
	Status     MessageStatus `json:"status"`
	IsRecalled bool          `json:"isRecalled"`
	IsPinned   bool          `json:"isPinned"`
	PinnedBy   *string       `json:"pinnedBy"`
	Timestamp  time.Time     `json:"timestamp"`
	ExpiresAt  *time.Time    `json:"expiresAt"`
	Reminder   *Reminder     `json:"reminder,omitempty"`
}

// Counterpart returns the participant that does not own this replica.
func (m *Message) Counterpart() string {
	if m.OwnerID == m.SenderID {
		return m.ReceiverID
	}
	return m.SenderID
}

// IsExpired reports whether the replica's auto-delete deadline has passed.
func (m *Message) IsExpired(now time.Time) bool {
	return m.ExpiresAt != nil && !now.Before(*m.ExpiresAt)
}

// Clone returns a deep copy so a replica can be derived from another.
func (m *Message) Clone() *Message {
	c := *m
	if m.Content != nil {
		v := *m.Content
		c.Content = &v
	}
	if m.MediaRef != nil {
		v := *m.MediaRef
		c.MediaRef = &v
	}
	if m.PinnedBy != nil {
		v := *m.PinnedBy
		c.PinnedBy = &v
	}
	if m.ExpiresAt != nil {
		v := *m.ExpiresAt
		c.ExpiresAt = &v
	}
	if m.Reminder != nil {
		r := m.Reminder.Clone()
		c.Reminder = &r
	}
	c.Metadata = m.Metadata.Clone()
	return &c
}

// Clone copies the nested structs of the metadata.
func (md Metadata) Clone() Metadata {
	c := md
	if md.Location != nil {
		v := *md.Location
		v.Latitude = cloneFloat(md.Location.Latitude)
		v.Longitude = cloneFloat(md.Location.Longitude)
		c.Location = &v
	}
	if md.Contact != nil {
		v := *md.Contact
		c.Contact = &v
	}
	if md.Poll != nil {
		v := *md.Poll
		v.Options = append([]string(nil), md.Poll.Options...)
		c.Poll = &v
	}
	if md.Event != nil {
		v := *md.Event
		c.Event = &v
	}
	return c
}

// MessageUpdate is a partial update of one replica. Nil pointers leave the field
// untouched; the Clear flags null the field out.
type MessageUpdate struct {
	Status        *MessageStatus
	Content       *string
	ClearContent  bool
	MediaRef      *string
	ClearMediaRef bool
	IsRecalled    *bool
	IsPinned      *bool
	PinnedBy      *string
	ClearPinnedBy bool
	Metadata      *Metadata
	ExpiresAt     *time.Time
	Reminder      *Reminder
	ClearReminder bool
}

// Apply writes the update onto m.
func (u MessageUpdate) Apply(m *Message) {
	if u.Status != nil {
		m.Status = *u.Status
	}
	if u.ClearContent {
		m.Content = nil
	} else if u.Content != nil {
		v := *u.Content
		m.Content = &v
	}
	if u.ClearMediaRef {
		m.MediaRef = nil
	} else if u.MediaRef != nil {
		v := *u.MediaRef
		m.MediaRef = &v
	}
	if u.IsRecalled != nil {
		m.IsRecalled = *u.IsRecalled
	}
	if u.IsPinned != nil {
		m.IsPinned = *u.IsPinned
	}
	if u.ClearPinnedBy {
		m.PinnedBy = nil
	} else if u.PinnedBy != nil {
		v := *u.PinnedBy
		m.PinnedBy = &v
	}
	if u.Metadata != nil {
		m.Metadata = u.Metadata.Clone()
	}
	if u.ExpiresAt != nil {
		v := *u.ExpiresAt
		m.ExpiresAt = &v
	}
	if u.ClearReminder {
		m.Reminder = nil
	} else if u.Reminder != nil {
		r := u.Reminder.Clone()
		m.Reminder = &r
	}
}

// StatusUpdate is shorthand for an update that only moves the status.
func StatusUpdate(status MessageStatus) MessageUpdate {
	return MessageUpdate{Status: &status}
}

// SendPayload is what a client submits to create a message.
type SendPayload struct {
	Type     MessageType `json:"type"`
	Content  *string     `json:"content,omitempty"`
	MediaRef string      `json:"mediaRef,omitempty"`
	Media    []byte      `json:"-"`
	MimeType string      `json:"mimeType,omitempty"`
	FileName string      `json:"fileName,omitempty"`
	Metadata Metadata    `json:"metadata"`
}

// HasMediaBuffer reports whether the payload carries bytes to upload.
func (p SendPayload) HasMediaBuffer() bool {
	return len(p.Media) > 0
}

// RetryMedia re-supplies the attachment of a failed message whose blob was
// removed during cleanup.
type RetryMedia struct {
	Data     []byte
	MimeType string
	FileName string
}

// UserDeletedMessage is a per-user tombstone hiding a message from that user only.
type UserDeletedMessage struct {
	UserID    string    `json:"userId"`
	MessageID string    `json:"messageId"`
	Timestamp time.Time `json:"timestamp"`
}

// TranscriptionJob asks the transcription workers to process a voice message.
type TranscriptionJob struct {
	MessageID   string    `json:"messageId"`
	SenderID    string    `json:"senderId"`
	ReceiverID  string    `json:"receiverId"`
	MediaRef    string    `json:"mediaRef"`
	MimeType    string    `json:"mimeType"`
	RequestedAt time.Time `json:"requestedAt"`
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}
