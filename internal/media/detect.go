// Package media resolves the MIME type of uploaded attachments.
package media

import (
	"mime"
	"net/http"
	"path/filepath"
	"strings"

	"dmserver/internal/constants"
)

// sniffLength is the number of leading bytes http.DetectContentType inspects.
const sniffLength = 512

var extensionToMime = buildExtensionIndex()

func buildExtensionIndex() map[string]string {
	index := make(map[string]string, len(constants.MimeTypeToExtension)+1)
	for mimeType, ext := range constants.MimeTypeToExtension {
		index[ext] = mimeType
	}
	index[".jpeg"] = "image/jpeg"
	return index
}

// ResolveMimeType returns the MIME type for an upload. A declared type wins
// once normalized; otherwise the file extension is consulted and finally the
// payload itself is sniffed.
func ResolveMimeType(data []byte, fileName, declared string) string {
	if normalized := Normalize(declared); normalized != "" {
		return normalized
	}
	if mimeType := FromFileName(fileName); mimeType != "" {
		return mimeType
	}
	if len(data) == 0 {
		return ""
	}
	if len(data) > sniffLength {
		data = data[:sniffLength]
	}
	return Normalize(http.DetectContentType(data))
}

// FromFileName maps a file extension to a MIME type, or "" when unknown.
func FromFileName(fileName string) string {
	ext := strings.ToLower(filepath.Ext(fileName))
	if ext == "" {
		return ""
	}
	return extensionToMime[ext]
}

// Normalize lowercases a MIME type and strips its parameters.
func Normalize(mimeType string) string {
	mimeType = strings.TrimSpace(mimeType)
	if mimeType == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		if i := strings.IndexByte(mimeType, ';'); i >= 0 {
			mimeType = mimeType[:i]
		}
		return strings.ToLower(strings.TrimSpace(mimeType))
	}
	return mediaType
}
