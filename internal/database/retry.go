package database

import (
	"context"
	"errors"
	"strings"
	"time"

	"wanderlink/internal/constants"
	"wanderlink/internal/retry"
)

var dbBackoff = retry.BackoffConfig{
	InitialDelay: 50 * time.Millisecond,
	MaxDelay:     time.Duration(constants.DefaultMaxBackoffMs) * time.Millisecond,
	Multiplier:   2,
	MaxAttempts:  constants.DefaultDatabaseRetryAttempts,
	Jitter:       true,
}

// withRetry runs a database operation, retrying only on transient SQLite errors
func withRetry(ctx context.Context, operation func(ctx context.Context) error) error {
	return retry.NewBackoff(dbBackoff).RetryWithPredicate(ctx, operation, isRetryableDBError)
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
		strings.Contains(errStr, "disk I/O error"):
		return true
	}
	return false
}
