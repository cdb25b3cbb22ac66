package sqlite

import (
	"context"
	"strings"
	"time"
)

// busyBaseDelay is the first backoff step on SQLITE_BUSY.
const busyBaseDelay = 25 * time.Millisecond

// withBusyRetry runs fn, re-attempting with short exponential backoff when
// the database reports a transient busy condition. This absorbs contention
// between the scheduler's writes and the read-only health/statistics paths.
// Structural errors propagate immediately.
func (s *Store) withBusyRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	delay := busyBaseDelay

	for attempt := 0; attempt <= s.busyRetries; attempt++ {
		if attempt > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
			delay *= 2
		}

		opCtx, cancel := s.opCtx(ctx)
		err := fn(opCtx)
		cancel()
		if err == nil {
			return nil
		}
		if !isBusyError(err) {
			return err
		}
		lastErr = err
	}
	return lastErr
}

// isBusyError reports whether the error is a transient SQLite busy/locked
// condition. modernc.org/sqlite surfaces these as SQLITE_BUSY (5) and
// SQLITE_LOCKED (6); match on message to stay driver-version agnostic.
func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "sqlite_busy") ||
		strings.Contains(msg, "sqlite_locked") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}
