package config

import (
	"context"
	"os"
	"sync"
	"time"

	"dmserver/internal/constants"
	"dmserver/internal/models"

	"github.com/sirupsen/logrus"
)

// fileStamp identifies one version of the config file on disk.
type fileStamp struct {
	modTime time.Time
	size    int64
}

func stampOf(path string) (fileStamp, error) {
	info, err := os.Stat(path)
	if err != nil {
		return fileStamp{}, err
	}
	return fileStamp{modTime: info.ModTime(), size: info.Size()}, nil
}

// ConfigWatcher polls the config file and hands reloaded configurations to
// registered callbacks. Settings without a callback take effect on restart.
type ConfigWatcher struct {
	configPath string
	interval   time.Duration
	logger     *logrus.Logger
	mu         sync.RWMutex
	config     *models.Config
	callbacks  []func(*models.Config)
}

func NewConfigWatcher(configPath string, logger *logrus.Logger) *ConfigWatcher {
	return &ConfigWatcher{
		configPath: configPath,
		interval:   time.Duration(constants.DefaultConfigWatchIntervalSec) * time.Second,
		logger:     logger,
	}
}

// Start loads the config and polls until ctx is cancelled. A change is applied
// once the file has stayed the same for a full poll interval, so a reload never
// sees a half-written file.
func (cw *ConfigWatcher) Start(ctx context.Context) error {
	config, err := LoadConfig(cw.configPath)
	if err != nil {
		return err
	}
	applied, err := stampOf(cw.configPath)
	if err != nil {
		return err
	}

	cw.mu.Lock()
	cw.config = config
	cw.mu.Unlock()

	cw.logger.WithFields(logrus.Fields{
		"path":     cw.configPath,
		"interval": cw.interval,
	}).Info("Configuration watcher started")

	ticker := time.NewTicker(cw.interval)
	defer ticker.Stop()

	pending := applied
	for {
		select {
		case <-ctx.Done():
			cw.logger.Info("Configuration watcher stopping")
			return nil

		case <-ticker.C:
			current, err := stampOf(cw.configPath)
			if err != nil {
				cw.logger.WithError(err).Error("Failed to stat configuration file")
				continue
			}
			switch {
			case current == applied:
				pending = current
			case current != pending:
				cw.logger.Debug("Configuration file changed; waiting for it to settle")
				pending = current
			default:
				applied = current
				cw.reloadConfig()
			}
		}
	}
}

// GetConfig returns the most recently loaded configuration.
func (cw *ConfigWatcher) GetConfig() *models.Config {
	cw.mu.RLock()
	defer cw.mu.RUnlock()
	return cw.config
}

func (cw *ConfigWatcher) OnConfigChange(callback func(*models.Config)) {
	cw.mu.Lock()
	defer cw.mu.Unlock()
	cw.callbacks = append(cw.callbacks, callback)
}

// ApplyLogLevel returns a callback that moves logger to the configured level.
func ApplyLogLevel(logger *logrus.Logger) func(*models.Config) {
	return func(c *models.Config) {
		level, err := logrus.ParseLevel(c.LogLevel)
		if err != nil {
			logger.WithError(err).Warn("Ignoring invalid log level")
			return
		}
		if logger.GetLevel() != level {
			logger.SetLevel(level)
			logger.WithField("level", level.String()).Info("Log level changed")
		}
	}
}

func (cw *ConfigWatcher) reloadConfig() {
	next, err := LoadConfig(cw.configPath)
	if err != nil {
		cw.logger.WithError(err).Error("Failed to reload configuration; keeping the previous one")
		return
	}

	cw.mu.Lock()
	prev := cw.config
	cw.config = next
	callbacks := append(([]func(*models.Config))(nil), cw.callbacks...)
	cw.mu.Unlock()

	cw.logger.Info("Configuration reloaded")
	cw.logConfigChanges(prev, next)

	// callbacks run in registration order, off the polling goroutine
	go func() {
		for _, cb := range callbacks {
			cw.runCallback(cb, next)
		}
	}()
}

func (cw *ConfigWatcher) runCallback(cb func(*models.Config), c *models.Config) {
	defer func() {
		if r := recover(); r != nil {
			cw.logger.WithField("panic", r).Error("Config change callback panicked")
		}
	}()
	cb(c)
}

func (cw *ConfigWatcher) logConfigChanges(old, new *models.Config) {
	if old == nil {
		return
	}

	if old.RateLimit != new.RateLimit {
		cw.logger.WithFields(logrus.Fields{
			"old": old.RateLimit,
			"new": new.RateLimit,
		}).Info("Rate limit changed")
	}

	if old.Policy != new.Policy {
		cw.logger.WithFields(logrus.Fields{
			"old": old.Policy,
			"new": new.Policy,
		}).Warn("Policy limits changed; restart to apply")
	}

	if old.Scheduler != new.Scheduler {
		cw.logger.WithFields(logrus.Fields{
			"old": old.Scheduler,
			"new": new.Scheduler,
		}).Warn("Scheduler settings changed; restart to apply")
	}
}
