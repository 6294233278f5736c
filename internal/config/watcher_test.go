package config

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"dmserver/internal/constants"
	"dmserver/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type writerFunc func([]byte) (int, error)

func (f writerFunc) Write(p []byte) (int, error) {
	return f(p)
}

type safeBuffer struct {
	mu  sync.Mutex
	buf strings.Builder
}

func (s *safeBuffer) writer() io.Writer {
	return writerFunc(func(p []byte) (int, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.buf.Write(p)
	})
}

func (s *safeBuffer) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func TestNewConfigWatcher(t *testing.T) {
	logger := logrus.New()
	configPath := "/path/to/config.json"

	watcher := NewConfigWatcher(configPath, logger)

	assert.NotNil(t, watcher)
	assert.Equal(t, configPath, watcher.configPath)
	assert.Equal(t, time.Duration(constants.DefaultConfigWatchIntervalSec)*time.Second, watcher.interval)
	assert.Equal(t, logger, watcher.logger)
	assert.Empty(t, watcher.callbacks)
}

func TestConfigWatcher_Start_InvalidPath(t *testing.T) {
	watcher := NewConfigWatcher("/nonexistent/config.json", logrus.New())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	assert.Error(t, watcher.Start(ctx))
}

func TestConfigWatcher_Start_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, validConfigJSON)

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	watcher := NewConfigWatcher(configPath, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	assert.NoError(t, watcher.Start(ctx))

	config := watcher.GetConfig()
	require.NotNil(t, config)
	assert.Equal(t, "dm-attachments", config.Blob.Bucket)
}

func TestConfigWatcher_Start_PicksUpChanges(t *testing.T) {
	configPath := writeConfig(t, validConfigJSON)

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	watcher := NewConfigWatcher(configPath, logger)
	watcher.interval = 20 * time.Millisecond

	changed := make(chan *models.Config, 1)
	watcher.OnConfigChange(func(c *models.Config) { changed <- c })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- watcher.Start(ctx) }()

	require.Eventually(t, func() bool { return watcher.GetConfig() != nil }, time.Second, 5*time.Millisecond)

	// Push the mtime forward so coarse filesystem clocks still register a change
	updated := strings.Replace(validConfigJSON, `"log_level": "warn"`, `"log_level": "error"`, 1)
	require.NoError(t, writeFileWithFutureMtime(configPath, updated))

	select {
	case c := <-changed:
		assert.Equal(t, "error", c.LogLevel)
	case <-time.After(5 * time.Second):
		t.Fatal("config change was not detected")
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not stop")
	}
}

func TestConfigWatcher_GetConfig(t *testing.T) {
	watcher := NewConfigWatcher("/path/to/config.json", logrus.New())

	assert.Nil(t, watcher.GetConfig())

	testConfig := &models.Config{LogLevel: "warn"}
	watcher.mu.Lock()
	watcher.config = testConfig
	watcher.mu.Unlock()

	assert.Equal(t, testConfig, watcher.GetConfig())
}

func TestConfigWatcher_ReloadConfig_FileChanged(t *testing.T) {
	configPath := writeConfig(t, validConfigJSON)

	var logOutput safeBuffer
	logger := logrus.New()
	logger.SetOutput(logOutput.writer())

	watcher := NewConfigWatcher(configPath, logger)

	config, err := LoadConfig(configPath)
	require.NoError(t, err)
	watcher.mu.Lock()
	watcher.config = config
	watcher.mu.Unlock()

	received := make(chan *models.Config, 1)
	watcher.OnConfigChange(func(c *models.Config) { received <- c })

	updated := strings.Replace(validConfigJSON, `"maxPinnedPerConversation": 5`, `"maxPinnedPerConversation": 7`, 1)
	require.NoError(t, writeFileWithFutureMtime(configPath, updated))

	watcher.reloadConfig()

	select {
	case c := <-received:
		assert.Equal(t, 7, c.Policy.MaxPinnedPerConversation)
	case <-time.After(5 * time.Second):
		t.Fatal("callback was not invoked")
	}

	logStr := logOutput.String()
	assert.Contains(t, logStr, "Configuration reloaded successfully")
	assert.Contains(t, logStr, "Policy limits changed")
}

func TestConfigWatcher_ReloadConfig_InvalidFile(t *testing.T) {
	configPath := writeConfig(t, validConfigJSON)

	var logOutput safeBuffer
	logger := logrus.New()
	logger.SetOutput(logOutput.writer())

	watcher := NewConfigWatcher(configPath, logger)

	config, err := LoadConfig(configPath)
	require.NoError(t, err)
	watcher.mu.Lock()
	watcher.config = config
	watcher.mu.Unlock()

	require.NoError(t, writeFileWithFutureMtime(configPath, `invalid json`))

	watcher.reloadConfig()

	assert.Contains(t, logOutput.String(), "Failed to reload configuration")
	assert.Equal(t, config, watcher.GetConfig())
}

func TestConfigWatcher_CallbackPanic(t *testing.T) {
	configPath := writeConfig(t, validConfigJSON)

	var logOutput safeBuffer
	logger := logrus.New()
	logger.SetOutput(logOutput.writer())

	watcher := NewConfigWatcher(configPath, logger)
	watcher.OnConfigChange(func(config *models.Config) {
		panic("test panic")
	})

	watcher.reloadConfig()

	assert.Eventually(t, func() bool {
		return strings.Contains(logOutput.String(), "Config change callback panicked")
	}, time.Second, 5*time.Millisecond)
}

func TestConfigWatcher_CallbacksRunInOrder(t *testing.T) {
	configPath := writeConfig(t, validConfigJSON)

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	watcher := NewConfigWatcher(configPath, logger)

	order := make(chan string, 3)
	watcher.OnConfigChange(func(*models.Config) { order <- "first" })
	watcher.OnConfigChange(func(*models.Config) { panic("boom") })
	watcher.OnConfigChange(func(*models.Config) { order <- "third" })

	watcher.reloadConfig()

	for _, want := range []string{"first", "third"} {
		select {
		case got := <-order:
			assert.Equal(t, want, got)
		case <-time.After(time.Second):
			t.Fatalf("callback %q did not run", want)
		}
	}
}

func TestConfigWatcher_LogConfigChanges(t *testing.T) {
	tests := []struct {
		name     string
		old      *models.Config
		new      *models.Config
		contains []string
		absent   []string
	}{
		{
			name:   "no previous config",
			old:    nil,
			new:    &models.Config{},
			absent: []string{"Policy limits changed", "Scheduler settings changed"},
		},
		{
			name:     "rate limit changed",
			old:      &models.Config{RateLimit: models.RateLimitConfig{RequestsPerSecond: 10, Burst: 20}},
			new:      &models.Config{RateLimit: models.RateLimitConfig{RequestsPerSecond: 5, Burst: 20}},
			contains: []string{"Rate limit changed"},
			absent:   []string{"restart to apply"},
		},
		{
			name:     "policy changed",
			old:      &models.Config{Policy: models.PolicyConfig{MaxPinnedPerConversation: 3}},
			new:      &models.Config{Policy: models.PolicyConfig{MaxPinnedPerConversation: 4}},
			contains: []string{"Policy limits changed"},
			absent:   []string{"Scheduler settings changed"},
		},
		{
			name:     "scheduler changed",
			old:      &models.Config{Scheduler: models.SchedulerConfig{ReminderIntervalSec: 30}},
			new:      &models.Config{Scheduler: models.SchedulerConfig{ReminderIntervalSec: 10}},
			contains: []string{"Scheduler settings changed"},
			absent:   []string{"Policy limits changed"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var logOutput safeBuffer
			logger := logrus.New()
			logger.SetOutput(logOutput.writer())

			watcher := NewConfigWatcher("/path/to/config.json", logger)
			watcher.logConfigChanges(tt.old, tt.new)

			out := logOutput.String()
			for _, s := range tt.contains {
				assert.Contains(t, out, s)
			}
			for _, s := range tt.absent {
				assert.NotContains(t, out, s)
			}
		})
	}
}

func TestApplyLogLevel(t *testing.T) {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	logger.SetLevel(logrus.InfoLevel)

	apply := ApplyLogLevel(logger)

	apply(&models.Config{LogLevel: "warn"})
	assert.Equal(t, logrus.WarnLevel, logger.GetLevel())

	apply(&models.Config{LogLevel: "nonsense"})
	assert.Equal(t, logrus.WarnLevel, logger.GetLevel())
}

func writeFileWithFutureMtime(path, content string) error {
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return err
	}
	future := time.Now().Add(2 * time.Second)
	return os.Chtimes(path, future, future)
}
