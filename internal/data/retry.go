package data

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
)

// retryMaxAttempts bounds how many times a transient storage failure is
// retried before the error surfaces to the caller.
const retryMaxAttempts = 3

// newStorageBackOff returns the retry policy for storage operations: short
// exponential waits with jitter, bounded so a dead database fails fast rather
// than stalling a scheduler tick.
func newStorageBackOff() *backoff.ExponentialBackOff {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 50 * time.Millisecond
	expo.MaxInterval = time.Second
	expo.MaxElapsedTime = 10 * time.Second
	return expo
}

// withRetry runs fn, retrying transient storage failures up to
// retryMaxAttempts times. Permanent failures (constraint violations,
// not-found sentinels, context cancellation) surface immediately. fn must be
// idempotent: callers wrap reads and single-statement writes whose replay is
// harmless, never multi-statement transactions with external side effects.
func withRetry(ctx context.Context, logger *slog.Logger, op string, fn func() error) error {
	policy := backoff.WithContext(
		backoff.WithMaxRetries(newStorageBackOff(), retryMaxAttempts),
		ctx,
	)

	attempt := 0
	return backoff.Retry(func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if !isTransientStorageErr(err) {
			return backoff.Permanent(err)
		}
		attempt++
		if logger != nil {
			logger.WarnContext(ctx, "retrying storage operation",
				"op", op,
				"attempt", attempt,
				"error", err,
			)
		}
		return err
	}, policy)
}

// isTransientStorageErr reports whether err looks like a failure that a clean
// replay could resolve: dropped connections, serialization conflicts,
// resource exhaustion, or a server mid-restart. SQLSTATEs describing the
// statement itself (constraint violations, bad data) are permanent, as are
// lock timeouts: the claim path converts those to an empty batch and a retry
// here would defeat that.
func isTransientStorageErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgerrcode.IsConnectionException(pgErr.Code),
			pgerrcode.IsTransactionRollback(pgErr.Code),
			pgerrcode.IsInsufficientResources(pgErr.Code),
			pgerrcode.IsOperatorIntervention(pgErr.Code):
			return true
		}
		return false
	}

	if pgconn.SafeToRetry(err) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	return errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF)
}
