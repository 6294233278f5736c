package database

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"dmserver/internal/constants"
)

// withRetry runs a write against SQLite, retrying while the database reports
// lock contention. Concurrent replica writes make that common.
func withRetry(ctx context.Context, operationName string, operation func() error) error {
	var lastErr error

	maxAttempts := constants.DefaultDatabaseRetryAttempts
	initialBackoff := time.Duration(constants.DefaultRetryBackoffMs) * time.Millisecond
	maxBackoff := time.Duration(constants.DefaultMaxBackoffMs) * time.Millisecond

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := operation()
		if err == nil {
			return nil
		}
		lastErr = err

		if !isRetryableDBError(err) {
			return fmt.Errorf("%s failed: %w", operationName, err)
		}
		if attempt == maxAttempts {
			break
		}

		backoff := time.Duration(attempt) * initialBackoff
		if backoff > maxBackoff {
			backoff = maxBackoff
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", operationName, maxAttempts, lastErr)
}

// isRetryableDBError determines if a database error is worth retrying
func isRetryableDBError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	errStr := err.Error()
	switch {
	case strings.Contains(errStr, "database is locked"),
		strings.Contains(errStr, "database table is locked"),
		strings.Contains(errStr, "SQLITE_BUSY"),
		strings.Contains(errStr, "disk I/O error"):
		return true
	}
	return false
}
