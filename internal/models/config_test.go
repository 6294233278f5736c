package models

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestConfigError(t *testing.T) {
	missing := ConfigError{Message: "missing database path"}
	wrapped := fmt.Errorf("failed to load config: %w", missing)

	assert.EqualError(t, missing, "missing database path")
	assert.True(t, errors.Is(wrapped, missing))

	var cfgErr ConfigError
	assert.True(t, errors.As(wrapped, &cfgErr))
	assert.Equal(t, "missing database path", cfgErr.Message)
}
