package constants

// Default scheduler configuration values
const (
	DefaultReminderSweepIntervalSec = 30
	DefaultExpirySweepIntervalSec   = 60
	DefaultStaleCheckIntervalSec    = 300
	DefaultStaleSendingThresholdSec = 120
	DefaultReminderLeaseTTLSec      = 25
	DefaultServerPort               = 8085
)

// Lifecycle policy defaults
const (
	DefaultMaxPinnedPerConversation = 3
	DefaultRecallWindowHours        = 24
)

// Presence and fan-out
const (
	DefaultPresenceTTLSec         = 90
	DefaultPresenceRefreshSec     = 30
	DefaultEventsChannel          = "dm:events"
	DefaultTranscriptionTopic     = "dm.transcription"
	DefaultReminderLeaseKey       = "dm:lease:reminder-sweep"
	DefaultNotificationSendBuffer = 64
)

// Retry defaults
const (
	DefaultRetryBackoffMs        = 200
	DefaultMaxBackoffMs          = 5000
	DefaultMaxAttempts           = 3
	DefaultDatabaseRetryAttempts = 3
)

// Default media configuration values
const (
	DefaultMaxImageSizeMB    = 10
	DefaultMaxVideoSizeMB    = 100
	DefaultMaxFileSizeMB     = 100
	DefaultMaxVoiceSizeMB    = 16
	DefaultImageMaxDimension = 1920
	DefaultJPEGQuality       = 80
	DefaultCompressWorkers   = 2
	BytesPerMegabyte         = 1024 * 1024
)

// Default timeout values
const (
	DefaultStoreTimeoutSec        = 5
	DefaultBlobTimeoutSec         = 30
	DefaultQueueTimeoutSec        = 10
	DefaultGracefulShutdownSec    = 30
	DefaultServerReadTimeoutSec   = 15
	DefaultServerWriteTimeoutSec  = 15
	DefaultServerIdleTimeoutSec   = 60
	DefaultConfigWatchIntervalSec = 5
	ServerErrorChannelSize        = 1
)

// Blob store circuit breaker
const (
	DefaultBlobBreakerMaxFailures = 5
	DefaultBlobBreakerTimeoutSec  = 30
	CBHalfOpenMaxCalls            = 3
)

// Rate limiting
const (
	DefaultUserRequestsPerSecond = 10
	DefaultUserRequestBurst      = 20
)

// Validation limits
const (
	MaxMessageIDLength   = 64
	MaxUserIDLength      = 128
	MaxTextContentLength = 10000
	MaxPollOptions       = 12
	MinPollOptions       = 2
)

// Privacy settings
const (
	DefaultUserIDMaskLength = 4
	DefaultMessageIDLength  = 8
)

// Encryption
const (
	EncryptionSalt = "dmserver-content-v1"
)
