package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatOffset(t *testing.T) {
	tests := []struct {
		seconds int
		want    string
	}{
		{0, "UTC"},
		{7 * 3600, "+07:00"},
		{-(3*3600 + 30*60), "-03:30"},
		{5*3600 + 45*60, "+05:45"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatOffset(tt.seconds))
		})
	}
}

func TestLoadTimeZone(t *testing.T) {
	tests := []struct {
		tz         string
		wantOffset int
		wantErr    bool
	}{
		{tz: "", wantOffset: 0},
		{tz: "UTC", wantOffset: 0},
		{tz: "+07:00", wantOffset: 7 * 3600},
		{tz: "-03:30", wantOffset: -(3*3600 + 30*60)},
		{tz: "Asia/Bangkok", wantOffset: 7 * 3600},
		{tz: "+15:00", wantErr: true},
		{tz: "+07:60", wantErr: true},
		{tz: "Mars/Olympus", wantErr: true},
	}

	at := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)
	for _, tt := range tests {
		t.Run(tt.tz, func(t *testing.T) {
			loc, err := LoadTimeZone(tt.tz)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			_, offset := at.In(loc).Zone()
			assert.Equal(t, tt.wantOffset, offset)
		})
	}
}

func TestReminderLocation_FallsBackToUTC(t *testing.T) {
	assert.Equal(t, time.UTC, Reminder{TimeZone: "Mars/Olympus"}.Location())
	assert.Equal(t, time.UTC, Reminder{}.Location())
}

func TestReminderEqual_ComparesTimeZone(t *testing.T) {
	at := time.Date(2026, 3, 9, 6, 0, 0, 0, time.UTC)
	a := Reminder{At: at, Repeat: RepeatDaily, TimeZone: "+07:00"}
	b := a.Clone()
	assert.True(t, a.Equal(b))

	b.TimeZone = "UTC"
	assert.False(t, a.Equal(b))
}
