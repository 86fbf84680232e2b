package errors

import (
	"context"
	goerrors "errors"
	"fmt"
	"net"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"

	apperrors "github.com/weskerllc/cronicorn/internal/errors"
)

type timestampError struct{}

func (timestampError) Error() string { return "bad timestamp" }

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: ""},
		{name: "app code", err: apperrors.NotFound("job missing"), want: "not_found"},
		{
			name: "wrapped app code",
			err:  fmt.Errorf("claim endpoint: %w", apperrors.Quotaf("daily run quota reached")),
			want: "quota",
		},
		{
			name: "internal without cause",
			err:  &apperrors.AppError{Code: apperrors.ErrCodeInternal, Message: "unexpected"},
			want: "internal",
		},
		{
			name: "internal defers to cause",
			err: &apperrors.AppError{
				Code:    apperrors.ErrCodeInternal,
				Message: "insert run",
				Cause:   &pgconn.PgError{Code: "40001"},
			},
			want: "pg_40001",
		},
		{name: "pg error", err: &pgconn.PgError{Code: "23505"}, want: "pg_23505"},
		{
			name: "deadline",
			err:  fmt.Errorf("dispatch: %w", context.DeadlineExceeded),
			want: "deadline_exceeded",
		},
		{name: "canceled", err: context.Canceled, want: "canceled"},
		{name: "net timeout", err: &net.DNSError{IsTimeout: true}, want: "net_timeout"},
		{name: "plain error", err: goerrors.New("boom"), want: "errors_errorstring"},
		{
			name: "custom type innermost",
			err:  fmt.Errorf("parse response: %w", timestampError{}),
			want: "errors_timestamperror",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			if got := Classify(tc.err); got != tc.want {
				t.Fatalf("Classify(%v) = %q, want %q", tc.err, got, tc.want)
			}
		})
	}
}
