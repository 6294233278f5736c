package security

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateFilePath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"relative file", "dm.db", false},
		{"nested relative", "data/dm.db", false},
		{"absolute allowed", "/var/lib/dmserver/dm.db", false},
		{"dots in name", "data/my..db", false},
		{"empty", "", true},
		{"traversal", "../etc/passwd", true},
		{"embedded traversal", "data/../../etc", true},
		{"nul byte", "dm\x00.db", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateFilePath(tt.path)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateRelativePath(t *testing.T) {
	assert.NoError(t, ValidateRelativePath("messages/m1/photo.jpg"))
	assert.Error(t, ValidateRelativePath("/messages/m1/photo.jpg"))
	assert.Error(t, ValidateRelativePath("messages/../secrets"))
}

func TestValidateFilePathWithBase(t *testing.T) {
	assert.NoError(t, ValidateFilePathWithBase("config.json", "/etc/dmserver"))
	assert.Error(t, ValidateFilePathWithBase("../config.json", "/etc/dmserver"))
	assert.Error(t, ValidateFilePathWithBase("/etc/passwd", "/etc/dmserver"))
}

func TestSanitizeFileName(t *testing.T) {
	tests := []struct {
		in, out string
	}{
		{"photo.jpg", "photo.jpg"},
		{"my holiday photo.png", "my_holiday_photo.png"},
		{"../../etc/passwd", "passwd"},
		{`C:\Users\a\doc.pdf`, "doc.pdf"},
		{"..", "file"},
		{"", "file"},
		{"résumé.pdf", "rsum.pdf"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.out, SanitizeFileName(tt.in))
		})
	}
}
