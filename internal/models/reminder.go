package models

import (
	"fmt"
	"strconv"
	"time"
	// IANA zones must resolve in images without /usr/share/zoneinfo.
	_ "time/tzdata"
)

type ReminderScope string

const (
	ReminderScopeOnlyMe ReminderScope = "onlyMe"
	ReminderScopeBoth   ReminderScope = "both"
)

func (s ReminderScope) Valid() bool {
	return s == ReminderScopeOnlyMe || s == ReminderScopeBoth
}

type RepeatType string

const (
	RepeatNone               RepeatType = "none"
	RepeatDaily              RepeatType = "daily"
	RepeatWeekly             RepeatType = "weekly"
	RepeatMultipleDaysWeekly RepeatType = "multipleDaysWeekly"
	RepeatMonthly            RepeatType = "monthly"
	RepeatYearly             RepeatType = "yearly"
)

func (r RepeatType) Valid() bool {
	switch r {
	case RepeatNone, RepeatDaily, RepeatWeekly, RepeatMultipleDaysWeekly, RepeatMonthly, RepeatYearly:
		return true
	}
	return false
}

// Reminder is attached to a single replica. DaysOfWeek uses 1=Monday through 7=Sunday
// and is only set for RepeatMultipleDaysWeekly. TimeZone is an IANA name or a
// fixed "+hh:mm" offset; recurrence and weekdays are evaluated in it.
type Reminder struct {
	At         time.Time     `json:"at"`
	Scope      ReminderScope `json:"scope"`
	Content    string        `json:"content,omitempty"`
	Repeat     RepeatType    `json:"repeat"`
	DaysOfWeek []int         `json:"daysOfWeek,omitempty"`
	TimeZone   string        `json:"timeZone,omitempty"`
}

// FormatOffset renders a UTC offset in seconds as "+hh:mm", or "UTC" for zero.
func FormatOffset(seconds int) string {
	if seconds == 0 {
		return "UTC"
	}
	sign := '+'
	if seconds < 0 {
		sign = '-'
		seconds = -seconds
	}
	return fmt.Sprintf("%c%02d:%02d", sign, seconds/3600, seconds%3600/60)
}

func parseOffset(tz string) (*time.Location, bool) {
	if len(tz) != 6 || (tz[0] != '+' && tz[0] != '-') || tz[3] != ':' {
		return nil, false
	}
	hh, err1 := strconv.Atoi(tz[1:3])
	mm, err2 := strconv.Atoi(tz[4:6])
	if err1 != nil || err2 != nil || hh > 14 || mm > 59 {
		return nil, false
	}
	secs := hh*3600 + mm*60
	if tz[0] == '-' {
		secs = -secs
	}
	return time.FixedZone(tz, secs), true
}

// LoadTimeZone resolves a reminder time zone. Empty means UTC.
func LoadTimeZone(tz string) (*time.Location, error) {
	if tz == "" || tz == "UTC" {
		return time.UTC, nil
	}
	if loc, ok := parseOffset(tz); ok {
		return loc, nil
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("unknown time zone %q: %w", tz, err)
	}
	return loc, nil
}

// Location is the zone the reminder recurs in, falling back to UTC.
func (r Reminder) Location() *time.Location {
	loc, err := LoadTimeZone(r.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (r Reminder) Clone() Reminder {
	c := r
	c.DaysOfWeek = append([]int(nil), r.DaysOfWeek...)
	if len(r.DaysOfWeek) == 0 {
		c.DaysOfWeek = nil
	}
	return c
}

// Equal compares two reminders field by field. Times are compared as instants.
func (r Reminder) Equal(o Reminder) bool {
	if !r.At.Equal(o.At) || r.Scope != o.Scope || r.Content != o.Content || r.Repeat != o.Repeat || r.TimeZone != o.TimeZone {
		return false
	}
	if len(r.DaysOfWeek) != len(o.DaysOfWeek) {
		return false
	}
	for i := range r.DaysOfWeek {
		if r.DaysOfWeek[i] != o.DaysOfWeek[i] {
			return false
		}
	}
	return true
}

// ReminderLogEntry is the append-only record written every time a reminder fires.
type ReminderLogEntry struct {
	LogID           string    `json:"logId"`
	MessageID       string    `json:"messageId"`
	UserID          string    `json:"userId"`
	Reminder        time.Time `json:"reminder"`
	ReminderContent string    `json:"reminderContent"`
	Timestamp       time.Time `json:"timestamp"`
}

// ReminderHistoryEntry pairs a log entry with the replica it fired on.
type ReminderHistoryEntry struct {
	Entry   ReminderLogEntry `json:"entry"`
	Message *Message         `json:"message"`
}
