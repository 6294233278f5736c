package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to MessageStatus
		allowed  bool
	}{
		{StatusPending, StatusSending, true},
		{StatusSending, StatusSent, true},
		{StatusSending, StatusDelivered, true},
		{StatusSent, StatusDelivered, true},
		{StatusSent, StatusSeen, true},
		{StatusDelivered, StatusSeen, true},
		{StatusDelivered, StatusSent, false},
		{StatusSeen, StatusDelivered, false},
		{StatusSent, StatusSending, false},
		{StatusSent, StatusSent, false},
		{StatusPending, StatusFailed, true},
		{StatusSending, StatusFailed, true},
		{StatusSeen, StatusFailed, false},
		{StatusFailed, StatusSending, true},
		{StatusFailed, StatusSent, false},
		{StatusFailed, StatusRecalled, false},
		{StatusSent, StatusRecalled, true},
		{StatusSeen, StatusRecalled, true},
		{StatusRecalled, StatusSeen, false},
		{StatusRecalled, StatusFailed, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"_to_"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.allowed, CanTransition(tt.from, tt.to))
		})
	}
}

func TestMessageType(t *testing.T) {
	assert.True(t, MessageTypeVoice.Valid())
	assert.True(t, MessageTypeVoice.IsMedia())
	assert.True(t, MessageTypePoll.Valid())
	assert.False(t, MessageTypePoll.IsMedia())
	assert.False(t, MessageType("sms").Valid())
}

func TestMessage_Counterpart(t *testing.T) {
	m := &Message{SenderID: "alice", ReceiverID: "bob", OwnerID: "alice"}
	assert.Equal(t, "bob", m.Counterpart())

	m.OwnerID = "bob"
	assert.Equal(t, "alice", m.Counterpart())
}

func TestMessage_IsExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Second)
	future := now.Add(time.Second)

	assert.False(t, (&Message{}).IsExpired(now))
	assert.True(t, (&Message{ExpiresAt: &past}).IsExpired(now))
	assert.True(t, (&Message{ExpiresAt: &now}).IsExpired(now))
	assert.False(t, (&Message{ExpiresAt: &future}).IsExpired(now))
}

func TestMessage_CloneIsDeep(t *testing.T) {
	content := "hi"
	orig := &Message{
		MessageID: "m1",
		Content:   &content,
		Metadata:  Metadata{Poll: &Poll{Question: "q", Options: []string{"a", "b"}}},
		Reminder:  &Reminder{Repeat: RepeatMultipleDaysWeekly, DaysOfWeek: []int{1, 3}},
	}

	c := orig.Clone()
	*c.Content = "changed"
	c.Metadata.Poll.Options[0] = "z"
	c.Reminder.DaysOfWeek[0] = 7

	assert.Equal(t, "hi", *orig.Content)
	assert.Equal(t, "a", orig.Metadata.Poll.Options[0])
	assert.Equal(t, 1, orig.Reminder.DaysOfWeek[0])
}

func TestMessageUpdate_Apply(t *testing.T) {
	content := "hello"
	ref := "messages/m1/a.jpg"
	pinner := "bob"
	m := &Message{Content: &content, MediaRef: &ref, Status: StatusSent, Reminder: &Reminder{Scope: ReminderScopeOnlyMe}}

	recalled := StatusRecalled
	yes := true
	MessageUpdate{
		Status:        &recalled,
		IsRecalled:    &yes,
		ClearContent:  true,
		ClearMediaRef: true,
		IsPinned:      &yes,
		PinnedBy:      &pinner,
		ClearReminder: true,
	}.Apply(m)

	assert.Equal(t, StatusRecalled, m.Status)
	assert.True(t, m.IsRecalled)
	assert.Nil(t, m.Content)
	assert.Nil(t, m.MediaRef)
	assert.True(t, m.IsPinned)
	require.NotNil(t, m.PinnedBy)
	assert.Equal(t, "bob", *m.PinnedBy)
	assert.Nil(t, m.Reminder)
}

func TestReminder_Equal(t *testing.T) {
	at := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	a := Reminder{At: at, Scope: ReminderScopeBoth, Repeat: RepeatMultipleDaysWeekly, DaysOfWeek: []int{1, 5}}
	b := a.Clone()
	b.At = at.In(time.FixedZone("x", 3600))

	assert.True(t, a.Equal(b))

	b.DaysOfWeek = []int{1, 6}
	assert.False(t, a.Equal(b))
}

func TestAutoDeleteSetting_Duration(t *testing.T) {
	tests := []struct {
		setting AutoDeleteSetting
		ttl     time.Duration
		ok      bool
		err     bool
	}{
		{AutoDelete10s, 10 * time.Second, true, false},
		{AutoDelete60s, time.Minute, true, false},
		{AutoDelete1d, 24 * time.Hour, true, false},
		{AutoDelete3d, 72 * time.Hour, true, false},
		{AutoDelete7d, 168 * time.Hour, true, false},
		{AutoDeleteNever, 0, false, false},
		{AutoDeleteSetting("2d"), 0, false, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.setting), func(t *testing.T) {
			ttl, ok, err := tt.setting.Duration()
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.ttl, ttl)
			assert.Equal(t, tt.ok, ok)
		})
	}
}
