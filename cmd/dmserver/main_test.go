package main

import (
	"context"
	"path/filepath"
	"testing"

	"dmserver/internal/constants"
	"dmserver/internal/models"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigureLogLevel(t *testing.T) {
	tests := []struct {
		name     string
		level    string
		verbose  bool
		expected logrus.Level
	}{
		{"configured warn", "warn", false, logrus.WarnLevel},
		{"empty defaults to info", "", false, logrus.InfoLevel},
		{"invalid defaults to info", "chatty", false, logrus.InfoLevel},
		{"verbose forces debug", "error", true, logrus.DebugLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := testLogger()
			configureLogLevel(logger, tt.level, tt.verbose)
			assert.Equal(t, tt.expected, logger.GetLevel())
		})
	}
}

func TestMaxRequestBody(t *testing.T) {
	limits := models.MediaSizeLimits{Image: 10, Video: 100, File: 50, Voice: 16}

	got := maxRequestBody(limits)

	assert.Equal(t, int64(100)*constants.BytesPerMegabyte*4/3+64*1024, got)
	assert.Greater(t, got, int64(100*constants.BytesPerMegabyte))
}

func TestOpenDatabase(t *testing.T) {
	cfg := &models.Config{
		Database: models.DatabaseConfig{Path: filepath.Join(t.TempDir(), "dm.db")},
		Retry:    models.RetryConfig{InitialBackoffMs: 1, MaxBackoffMs: 5},
	}

	db, err := openDatabase(context.Background(), cfg, testLogger())
	require.NoError(t, err)
	defer db.Close()

	assert.NoError(t, db.Ping(context.Background()))
}

func TestOpenDatabase_GivesUp(t *testing.T) {
	cfg := &models.Config{
		Database: models.DatabaseConfig{Path: filepath.Join(t.TempDir(), "missing", "dir", "dm.db")},
		Retry:    models.RetryConfig{InitialBackoffMs: 1, MaxBackoffMs: 5},
	}

	_, err := openDatabase(context.Background(), cfg, testLogger())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "after retries")
}
