// Package errors maps Go errors onto low-cardinality class names for
// metric tags. Structured application errors carry their code as the
// class; everything else degrades to the innermost concrete type.
package errors

import (
	"cmp"
	"context"
	goerrors "errors"
	"net"
	"reflect"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"

	apperrors "github.com/weskerllc/cronicorn/internal/errors"
)

// Classify returns a snake_case class for err, or "" when err is nil.
// Callers use the result as a metric tag value, so the set of possible
// returns must stay small and stable across releases.
func Classify(err error) string {
	if err == nil {
		return ""
	}

	var appErr *apperrors.AppError
	if goerrors.As(err, &appErr) {
		// Codes are already lowercase snake_case (not_found, quota, ...).
		// An internal error wraps an arbitrary cause, and the concrete
		// cause type is the more useful tag, so fall through for those.
		if appErr.Code != apperrors.ErrCodeInternal || appErr.Cause == nil {
			return string(appErr.Code)
		}
	}

	var pgErr *pgconn.PgError
	if goerrors.As(err, &pgErr) {
		return "pg_" + strings.ToLower(pgErr.Code)
	}

	switch {
	case goerrors.Is(err, context.DeadlineExceeded):
		return "deadline_exceeded"
	case goerrors.Is(err, context.Canceled):
		return "canceled"
	}

	var netErr net.Error
	if goerrors.As(err, &netErr) && netErr.Timeout() {
		return "net_timeout"
	}

	return innermostTypeName(err)
}

// typeTagName strips pointer markers and turns package qualifiers into
// tag-safe underscores.
var typeTagName = strings.NewReplacer("*", "", ".", "_")

// innermostTypeName unwraps err to its root cause and snake_cases the
// concrete type name, e.g. *url.Error becomes url_error.
func innermostTypeName(err error) string {
	for next := goerrors.Unwrap(err); next != nil; next = goerrors.Unwrap(err) {
		err = next
	}

	t := reflect.TypeOf(err)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return "unknown"
	}
	return cmp.Or(typeTagName.Replace(strings.ToLower(t.String())), "unknown")
}
