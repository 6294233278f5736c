package models

// Config holds the application configuration
type Config struct {
	Server    ServerConfig    `json:"server"`
	Database  DatabaseConfig  `json:"database"`
	Blob      BlobConfig      `json:"blob"`
	Redis     RedisConfig     `json:"redis"`
	Kafka     KafkaConfig     `json:"kafka"`
	Policy    PolicyConfig    `json:"policy"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Media     MediaConfig     `json:"media"`
	Retry     RetryConfig     `json:"retry"`
	Tracing   TracingConfig   `json:"tracing"`
	RateLimit RateLimitConfig `json:"rateLimit"`
	LogLevel  string          `json:"log_level"`
}

// ServerConfig holds HTTP server settings
type ServerConfig struct {
	Port               int      `json:"port"`
	ReadTimeoutSec     int      `json:"readTimeoutSec"`
	WriteTimeoutSec    int      `json:"writeTimeoutSec"`
	IdleTimeoutSec     int      `json:"idleTimeoutSec"`
	AllowedWSOrigins   []string `json:"allowedWsOrigins"`
	StoreTimeoutSec    int      `json:"storeTimeoutSec"`
	ShutdownTimeoutSec int      `json:"shutdownTimeoutSec"`
}

// DatabaseConfig holds database related configurations
type DatabaseConfig struct {
	Path string `json:"path"`
}

// BlobConfig holds the S3 bucket used for attachments
type BlobConfig struct {
	Bucket             string `json:"bucket"`
	Region             string `json:"region"`
	Endpoint           string `json:"endpoint"`
	UsePathStyle       bool   `json:"usePathStyle"`
	TimeoutSec         int    `json:"timeoutSec"`
	BreakerMaxFailures int    `json:"breakerMaxFailures"`
	BreakerTimeoutSec  int    `json:"breakerTimeoutSec"`
}

// RedisConfig holds presence and lease settings
type RedisConfig struct {
	Addr           string `json:"addr"`
	Password       string `json:"password"`
	DB             int    `json:"db"`
	PresenceTTLSec int    `json:"presenceTtlSec"`
	EventsChannel  string `json:"eventsChannel"`
}

// KafkaConfig holds the transcription queue settings
type KafkaConfig struct {
	Brokers            []string `json:"brokers"`
	TranscriptionTopic string   `json:"transcriptionTopic"`
	TimeoutSec         int      `json:"timeoutSec"`
}

// PolicyConfig holds lifecycle limits
type PolicyConfig struct {
	MaxPinnedPerConversation int `json:"maxPinnedPerConversation"`
	RecallWindowHours        int `json:"recallWindowHours"`
}

// SchedulerConfig holds background job intervals
type SchedulerConfig struct {
	ReminderIntervalSec   int  `json:"reminderIntervalSec"`
	ExpiryIntervalSec     int  `json:"expiryIntervalSec"`
	StaleCheckIntervalSec int  `json:"staleCheckIntervalSec"`
	StaleThresholdSec     int  `json:"staleThresholdSec"`
	LeaseEnabled          bool `json:"leaseEnabled"`
	LeaseTTLSec           int  `json:"leaseTtlSec"`
}

// MediaConfig holds media related configurations
type MediaConfig struct {
	MaxSizeMB         MediaSizeLimits `json:"maxSizeMB"`
	CompressImages    bool            `json:"compressImages"`
	ImageMaxDimension int             `json:"imageMaxDimension"`
	JPEGQuality       int             `json:"jpegQuality"`
	CompressWorkers   int             `json:"compressWorkers"`
}

// MediaSizeLimits defines size limits for different media types in MB
type MediaSizeLimits struct {
	Image int `json:"image"`
	Video int `json:"video"`
	File  int `json:"file"`
	Voice int `json:"voice"`
}

// RetryConfig holds retry related configurations
type RetryConfig struct {
	InitialBackoffMs int `json:"initialBackoffMs"`
	MaxBackoffMs     int `json:"maxBackoffMs"`
	MaxAttempts      int `json:"maxAttempts"`
}

// TracingConfig mirrors tracing.TracingConfig in the config file
type TracingConfig struct {
	Enabled      bool    `json:"enabled"`
	ServiceName  string  `json:"service_name"`
	Environment  string  `json:"environment"`
	OTLPEndpoint string  `json:"otlp_endpoint"`
	SampleRate   float64 `json:"sample_rate"`
	UseStdout    bool    `json:"use_stdout"`
}

// RateLimitConfig holds per-user request limits
type RateLimitConfig struct {
	RequestsPerSecond float64 `json:"requestsPerSecond"`
	Burst             int     `json:"burst"`
}

type ConfigError struct {
	Message string
}

func (e ConfigError) Error() string {
	return e.Message
}
