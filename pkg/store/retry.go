package store

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	defaultMaxAttempts  = 5
	defaultBaseDelay    = 10 * time.Millisecond
	defaultJitterFactor = 0.3
)

// retryOnConflict runs fn with exponential backoff while it fails with a
// transient conflict. Exhaustion is reported as ErrConflict.
func retryOnConflict(ctx context.Context, maxAttempts int, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := defaultBaseDelay * time.Duration(1<<(attempt-1))
			jitter := rand.Float64() * float64(delay) * defaultJitterFactor //nolint:gosec // jitter only
			select {
			case <-time.After(delay + time.Duration(jitter)):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !isConflict(lastErr) {
			return lastErr
		}
	}
	return fmt.Errorf("%w: %v", ErrConflict, lastErr)
}

// isConflict reports whether err is a transient concurrency failure that a
// fresh attempt may not hit again.
func isConflict(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", // serialization_failure
			"40P01", // deadlock_detected
			"55P03": // lock_not_available
			return true
		}
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}
