package constants

// MimeTypeToExtension maps MIME types to the extension used when building blob keys
var MimeTypeToExtension = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/gif":  ".gif",
	"image/webp": ".webp",

	"video/mp4":       ".mp4",
	"video/quicktime": ".mov",
	"video/webm":      ".webm",

	"application/pdf":    ".pdf",
	"application/msword": ".doc",
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": ".docx",
	"application/zip": ".zip",
	"text/plain":      ".txt",

	"audio/ogg":  ".ogg",
	"audio/mpeg": ".mp3",
	"audio/wav":  ".wav",
	"audio/aac":  ".aac",
	"audio/mp4":  ".m4a",
	"audio/webm": ".weba",
}

// DefaultMimeType is the fallback MIME type for unknown payloads
const DefaultMimeType = "application/octet-stream"

// Allowed MIME prefixes per message type. An empty list accepts any type.
var (
	ImageMimePrefixes   = []string{"image/"}
	VideoMimePrefixes   = []string{"video/"}
	VoiceMimePrefixes   = []string{"audio/"}
	StickerMimePrefixes = []string{"image/"}
	GifMimePrefixes     = []string{"image/gif", "video/mp4"}
)

// CompressibleImageTypes are decoded and re-encoded before upload
var CompressibleImageTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
}

// ExtensionForMime returns the blob key extension for a MIME type
func ExtensionForMime(mimeType string) string {
	if ext, ok := MimeTypeToExtension[mimeType]; ok {
		return ext
	}
	return ".bin"
}
