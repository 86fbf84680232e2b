package data

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"testing"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsTransientStorageErr(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "context canceled", err: context.Canceled, want: false},
		{name: "context deadline", err: context.DeadlineExceeded, want: false},
		{
			name: "connection exception",
			err:  &pgconn.PgError{Code: pgerrcode.ConnectionFailure},
			want: true,
		},
		{
			name: "serialization failure",
			err:  &pgconn.PgError{Code: pgerrcode.SerializationFailure},
			want: true,
		},
		{
			name: "deadlock",
			err:  &pgconn.PgError{Code: pgerrcode.DeadlockDetected},
			want: true,
		},
		{
			name: "too many connections",
			err:  &pgconn.PgError{Code: pgerrcode.TooManyConnections},
			want: true,
		},
		{
			name: "server shutting down",
			err:  &pgconn.PgError{Code: pgerrcode.AdminShutdown},
			want: true,
		},
		{
			name: "unique violation is permanent",
			err:  &pgconn.PgError{Code: pgerrcode.UniqueViolation},
			want: false,
		},
		{
			name: "foreign key violation is permanent",
			err:  &pgconn.PgError{Code: pgerrcode.ForeignKeyViolation},
			want: false,
		},
		{
			name: "lock timeout is permanent",
			err:  &pgconn.PgError{Code: pgerrcode.LockNotAvailable},
			want: false,
		},
		{
			name: "wrapped pg error",
			err:  errors.Join(errors.New("query runs"), &pgconn.PgError{Code: pgerrcode.CannotConnectNow}),
			want: true,
		},
		{
			name: "net error",
			err:  &net.OpError{Op: "dial", Err: errors.New("connection refused")},
			want: true,
		},
		{name: "bad conn", err: driver.ErrBadConn, want: true},
		{name: "eof", err: io.EOF, want: true},
		{name: "unexpected eof", err: io.ErrUnexpectedEOF, want: true},
		{name: "sentinel not found", err: ErrEndpointNotFound, want: false},
		{name: "plain error", err: errors.New("boom"), want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isTransientStorageErr(tt.err))
		})
	}
}

func TestWithRetry_TransientThenSuccess(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), nil, "test.op", func() error {
		calls++
		if calls < 3 {
			return &pgconn.PgError{Code: pgerrcode.ConnectionFailure}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetry_PermanentSurfacesImmediately(t *testing.T) {
	calls := 0
	err := withRetry(context.Background(), nil, "test.op", func() error {
		calls++
		return ErrRunNotFound
	})
	require.ErrorIs(t, err, ErrRunNotFound)
	assert.Equal(t, 1, calls, "permanent failures are not retried")
}

func TestWithRetry_ExhaustsAttempts(t *testing.T) {
	transient := &pgconn.PgError{Code: pgerrcode.ConnectionFailure}
	calls := 0
	err := withRetry(context.Background(), nil, "test.op", func() error {
		calls++
		return transient
	})
	require.Error(t, err)
	assert.Equal(t, 1+retryMaxAttempts, calls, "initial attempt plus bounded retries")
}

func TestWithRetry_CanceledContextStops(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	err := withRetry(ctx, nil, "test.op", func() error {
		calls++
		cancel()
		return &pgconn.PgError{Code: pgerrcode.ConnectionFailure}
	})
	require.Error(t, err)
	assert.Equal(t, 1, calls, "cancellation halts the retry loop")
}
