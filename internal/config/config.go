package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"dmserver/internal/constants"
	"dmserver/internal/models"
	"dmserver/internal/security"

	"github.com/sirupsen/logrus"
)

var (
	ErrMissingDBPath = models.ConfigError{Message: "missing database path"}
	ErrMissingBucket = models.ConfigError{Message: "missing blob bucket"}
)

func LoadConfig(path string) (*models.Config, error) {
	// Validate config file path to prevent directory traversal
	if err := security.ValidateFilePath(path); err != nil {
		return nil, fmt.Errorf("invalid config path: %w", err)
	}

	file, err := os.ReadFile(path) // #nosec G304 - Path validated by security.ValidateFilePath above
	if err != nil {
		return nil, err
	}

	var config models.Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, err
	}

	if err := applyEnvironmentOverrides(&config); err != nil {
		return nil, err
	}

	if err := validate(&config); err != nil {
		return nil, err
	}

	if err := validateSecurity(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

func validate(c *models.Config) error {
	if c.Database.Path == "" {
		return ErrMissingDBPath
	}
	if c.Blob.Bucket == "" {
		return ErrMissingBucket
	}
	if c.LogLevel != "" {
		if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
			return models.ConfigError{Message: fmt.Sprintf("invalid log level %q", c.LogLevel)}
		}
	}
	if c.Policy.MaxPinnedPerConversation < 0 {
		return models.ConfigError{Message: "maxPinnedPerConversation cannot be negative"}
	}
	if c.Policy.RecallWindowHours < 0 {
		return models.ConfigError{Message: "recallWindowHours cannot be negative"}
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return models.ConfigError{Message: "tracing sample_rate must be between 0 and 1"}
	}

	applyDefaults(c)
	return nil
}

func applyDefaults(c *models.Config) {
	if c.Server.Port <= 0 {
		c.Server.Port = constants.DefaultServerPort
	}
	if c.Server.ReadTimeoutSec <= 0 {
		c.Server.ReadTimeoutSec = constants.DefaultServerReadTimeoutSec
	}
	if c.Server.WriteTimeoutSec <= 0 {
		c.Server.WriteTimeoutSec = constants.DefaultServerWriteTimeoutSec
	}
	if c.Server.IdleTimeoutSec <= 0 {
		c.Server.IdleTimeoutSec = constants.DefaultServerIdleTimeoutSec
	}
	if c.Server.StoreTimeoutSec <= 0 {
		c.Server.StoreTimeoutSec = constants.DefaultStoreTimeoutSec
	}
	if c.Server.ShutdownTimeoutSec <= 0 {
		c.Server.ShutdownTimeoutSec = constants.DefaultGracefulShutdownSec
	}

	if c.Blob.TimeoutSec <= 0 {
		c.Blob.TimeoutSec = constants.DefaultBlobTimeoutSec
	}
	if c.Blob.BreakerMaxFailures <= 0 {
		c.Blob.BreakerMaxFailures = constants.DefaultBlobBreakerMaxFailures
	}
	if c.Blob.BreakerTimeoutSec <= 0 {
		c.Blob.BreakerTimeoutSec = constants.DefaultBlobBreakerTimeoutSec
	}

	if c.Redis.PresenceTTLSec <= 0 {
		c.Redis.PresenceTTLSec = constants.DefaultPresenceTTLSec
	}
	if c.Redis.EventsChannel == "" {
		c.Redis.EventsChannel = constants.DefaultEventsChannel
	}

	if c.Kafka.TranscriptionTopic == "" {
		c.Kafka.TranscriptionTopic = constants.DefaultTranscriptionTopic
	}
	if c.Kafka.TimeoutSec <= 0 {
		c.Kafka.TimeoutSec = constants.DefaultQueueTimeoutSec
	}

	if c.Media.MaxSizeMB.Image == 0 {
		c.Media.MaxSizeMB.Image = constants.DefaultMaxImageSizeMB
	}
	if c.Media.MaxSizeMB.Video == 0 {
		c.Media.MaxSizeMB.Video = constants.DefaultMaxVideoSizeMB
	}
	if c.Media.MaxSizeMB.File == 0 {
		c.Media.MaxSizeMB.File = constants.DefaultMaxFileSizeMB
	}
	if c.Media.MaxSizeMB.Voice == 0 {
		c.Media.MaxSizeMB.Voice = constants.DefaultMaxVoiceSizeMB
	}
	if c.Media.ImageMaxDimension <= 0 {
		c.Media.ImageMaxDimension = constants.DefaultImageMaxDimension
	}
	if c.Media.JPEGQuality <= 0 || c.Media.JPEGQuality > 100 {
		c.Media.JPEGQuality = constants.DefaultJPEGQuality
	}
	if c.Media.CompressWorkers <= 0 {
		c.Media.CompressWorkers = constants.DefaultCompressWorkers
	}

	if c.Policy.MaxPinnedPerConversation == 0 {
		c.Policy.MaxPinnedPerConversation = constants.DefaultMaxPinnedPerConversation
	}
	if c.Policy.RecallWindowHours == 0 {
		c.Policy.RecallWindowHours = constants.DefaultRecallWindowHours
	}

	if c.Scheduler.ReminderIntervalSec <= 0 {
		c.Scheduler.ReminderIntervalSec = constants.DefaultReminderSweepIntervalSec
	}
	if c.Scheduler.ExpiryIntervalSec <= 0 {
		c.Scheduler.ExpiryIntervalSec = constants.DefaultExpirySweepIntervalSec
	}
	if c.Scheduler.StaleCheckIntervalSec <= 0 {
		c.Scheduler.StaleCheckIntervalSec = constants.DefaultStaleCheckIntervalSec
	}
	if c.Scheduler.StaleThresholdSec <= 0 {
		c.Scheduler.StaleThresholdSec = constants.DefaultStaleSendingThresholdSec
	}
	if c.Scheduler.LeaseTTLSec <= 0 {
		c.Scheduler.LeaseTTLSec = constants.DefaultReminderLeaseTTLSec
	}

	if c.Retry.InitialBackoffMs <= 0 {
		c.Retry.InitialBackoffMs = constants.DefaultRetryBackoffMs
	}
	if c.Retry.MaxBackoffMs <= 0 {
		c.Retry.MaxBackoffMs = constants.DefaultMaxBackoffMs
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = constants.DefaultMaxAttempts
	}

	if c.RateLimit.RequestsPerSecond <= 0 {
		c.RateLimit.RequestsPerSecond = constants.DefaultUserRequestsPerSecond
	}
	if c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = constants.DefaultUserRequestBurst
	}

	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "dmserver"
	}

	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func applyEnvironmentOverrides(c *models.Config) error {
	if path := os.Getenv("DM_DB_PATH"); path != "" {
		c.Database.Path = path
	}
	if bucket := os.Getenv("DM_S3_BUCKET"); bucket != "" {
		c.Blob.Bucket = bucket
	}
	if addr := os.Getenv("DM_REDIS_ADDR"); addr != "" {
		c.Redis.Addr = addr
	}
	// SECURITY: the Redis password should come from the environment, not the file
	if password := os.Getenv("DM_REDIS_PASSWORD"); password != "" {
		c.Redis.Password = password
	}
	if brokers := os.Getenv("DM_KAFKA_BROKERS"); brokers != "" {
		c.Kafka.Brokers = splitList(brokers)
	}
	if level := os.Getenv("DM_LOG_LEVEL"); level != "" {
		c.LogLevel = level
	}
	if port := os.Getenv("PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil || p <= 0 || p > 65535 {
			return models.ConfigError{Message: fmt.Sprintf("invalid PORT %q", port)}
		}
		c.Server.Port = p
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// validateSecurity performs security-specific validation
func validateSecurity(c *models.Config) error {
	isProduction := os.Getenv("DM_ENV") == "production"

	if isProduction {
		if len(c.Server.AllowedWSOrigins) == 0 {
			return models.ConfigError{Message: "allowedWsOrigins is required in production"}
		}
		if c.LogLevel == "debug" {
			return models.ConfigError{Message: "debug logging should not be used in production (security risk)"}
		}
	} else if len(c.Server.AllowedWSOrigins) == 0 {
		fmt.Fprintf(os.Stderr, "WARNING: allowedWsOrigins not set; websocket connections are limited to same-origin requests.\n")
	}

	return nil
}
