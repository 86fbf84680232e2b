package errors

import (
	"context"
	"errors"
	"regexp"
	"strings"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// knownConstraints pins the mapping for every named constraint in the schema
// migrations. Violations of these produce exact codes, fields, and messages;
// the parsing fallbacks below only ever see constraints added after this
// table was last touched.
var knownConstraints = map[string]AppError{
	"jobs_user_name_key": {
		Code:    ErrCodeConflict,
		Field:   "name",
		Message: "a job with this name already exists",
	},
	"jobs_status_check": {
		Code:    ErrCodeValidation,
		Field:   "status",
		Message: "job status must be active, paused, or archived",
	},
	"runs_status_check": {
		Code:    ErrCodeValidation,
		Field:   "status",
		Message: "run status must be success, failed, or timeout",
	},
	"job_endpoints_job_id_fkey": {
		Code:    ErrCodeForeignKey,
		Field:   "job_id",
		Message: "the referenced job does not exist",
	},
	"runs_endpoint_id_fkey": {
		Code:    ErrCodeForeignKey,
		Field:   "endpoint_id",
		Message: "the referenced endpoint does not exist",
	},
	"ai_analysis_sessions_endpoint_id_fkey": {
		Code:    ErrCodeForeignKey,
		Field:   "endpoint_id",
		Message: "the referenced endpoint does not exist",
	},
}

// Postgres detail lines carry the most precise description of a constraint
// violation: "Key (name)=(x) already exists." for unique indexes, or
// "Key (id)=(1) is not present in table "jobs"." for foreign keys.
var (
	reDetailKey        = regexp.MustCompile(`Key \(([^)]+)\)=`)
	reDetailNotPresent = regexp.MustCompile(`is not present in table "?([^".]+)"?`)
	reDetailReferenced = regexp.MustCompile(`is still referenced from table "?([^".]+)"?`)
)

// MapDBError converts storage failures into coded application errors: context
// expiry to timeout or canceled, missing rows to not_found, and Postgres
// constraint violations to conflict, foreign_key, or validation errors
// carrying the offending field where it can be determined. Anything
// unrecognized passes through unchanged so callers can wrap it with their own
// context.
//
// Repositories keep their sentinel checks for violations they expect; this is
// the fallback that gives every other database failure a code before it
// reaches a caller or a metric tag.
func MapDBError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &AppError{Code: ErrCodeTimeout, Message: "the operation timed out", Cause: err}
	case errors.Is(err, context.Canceled):
		return &AppError{Code: ErrCodeCanceled, Message: "the operation was canceled", Cause: err}
	case errors.Is(err, pgx.ErrNoRows):
		return &AppError{Code: ErrCodeNotFound, Message: "resource not found", Cause: err}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return mapPgError(pgErr)
	}
	return err
}

// IsUniqueViolation reports whether err is a unique violation of the named
// constraint.
func IsUniqueViolation(err error, constraint string) bool {
	return isPgViolation(err, pgerrcode.UniqueViolation, constraint)
}

// IsForeignKeyViolation reports whether err is a foreign key violation of the
// named constraint.
func IsForeignKeyViolation(err error, constraint string) bool {
	return isPgViolation(err, pgerrcode.ForeignKeyViolation, constraint)
}

func isPgViolation(err error, code, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == code && pgErr.ConstraintName == constraint
}

func mapPgError(pgErr *pgconn.PgError) error {
	if known, ok := knownConstraints[pgErr.ConstraintName]; ok {
		known.Cause = pgErr
		return &known
	}

	switch pgErr.Code {
	case pgerrcode.UniqueViolation:
		return uniqueConflict(pgErr)
	case pgerrcode.ForeignKeyViolation:
		return foreignKeyError(pgErr)
	case pgerrcode.NotNullViolation:
		return columnValidation(pgErr, "a required field is missing", "is required")
	case pgerrcode.CheckViolation:
		return columnValidation(pgErr, "a field has an invalid value", "has an invalid value")
	case pgerrcode.InvalidTextRepresentation:
		// Typically a malformed UUID or enum literal in a query parameter.
		return &AppError{Code: ErrCodeValidation, Message: "a value has the wrong format for its column type", Cause: pgErr}
	default:
		return &AppError{Code: ErrCodeInternal, Message: "a database error occurred", Cause: pgErr}
	}
}

// uniqueConflict handles unique violations on constraints the pinned table
// does not know, typically ones added by later migrations. The offending
// column comes from the error metadata when Postgres provides it, then from
// the detail line, then from a conventionally named single-column constraint.
func uniqueConflict(pgErr *pgconn.PgError) error {
	field := pgErr.ColumnName
	if field == "" && pgErr.Detail != "" {
		if m := reDetailKey.FindStringSubmatch(pgErr.Detail); m != nil {
			field = m[1]
		}
	}
	if field == "" {
		field = fieldFromConstraint(pgErr.ConstraintName)
	}
	return &AppError{Code: ErrCodeConflict, Message: "this value already exists", Field: field, Cause: pgErr}
}

// foreignKeyError handles foreign key violations on unknown constraints. The
// detail line distinguishes a missing parent from a delete blocked by child
// rows; without it the table metadata is the best remaining signal.
func foreignKeyError(pgErr *pgconn.PgError) error {
	fk := func(message string) error {
		return &AppError{Code: ErrCodeForeignKey, Message: message, Cause: pgErr}
	}

	if m := reDetailNotPresent.FindStringSubmatch(pgErr.Detail); m != nil {
		return fk("the referenced " + domainNoun(m[1]) + " does not exist")
	}
	if m := reDetailReferenced.FindStringSubmatch(pgErr.Detail); m != nil {
		return fk("still referenced by " + domainNoun(m[1]) + " rows")
	}
	if pgErr.TableName != "" {
		return fk("a reference involving " + domainNoun(pgErr.TableName) + " rows failed")
	}
	return fk("the operation violates a reference between records")
}

// columnValidation builds a validation error for a constraint tied to one
// column. Postgres names the column for not-null violations but usually not
// for check constraints, so the message degrades to the generic form.
func columnValidation(pgErr *pgconn.PgError, generic, withColumn string) error {
	appErr := &AppError{Code: ErrCodeValidation, Message: generic, Cause: pgErr}
	if pgErr.ColumnName != "" {
		appErr.Field = pgErr.ColumnName
		appErr.Message = pgErr.ColumnName + " " + withColumn
	}
	return appErr
}

// domainNoun names a table in user-facing messages.
func domainNoun(table string) string {
	t := strings.ToLower(strings.TrimSpace(table))
	switch t {
	case "jobs":
		return "job"
	case "job_endpoints":
		return "endpoint"
	case "runs":
		return "run"
	case "ai_analysis_sessions":
		return "analysis session"
	default:
		return strings.ReplaceAll(t, "_", " ")
	}
}

// fieldFromConstraint extracts the column from a conventionally named
// single-column constraint such as jobs_name_key. Multi-column constraints
// and expression indexes (jobs_lower_key) stay anonymous rather than
// reporting a misleading field.
func fieldFromConstraint(name string) string {
	parts := strings.Split(name, "_")
	if len(parts) != 3 {
		return ""
	}
	if sqlFunctions[strings.ToLower(parts[1])] {
		return ""
	}
	return parts[1]
}

// sqlFunctions lists function names that show up as the middle segment of an
// expression index name.
var sqlFunctions = map[string]bool{
	"lower":  true,
	"upper":  true,
	"trim":   true,
	"ltrim":  true,
	"rtrim":  true,
	"md5":    true,
	"sha1":   true,
	"sha256": true,
	"encode": true,
	"decode": true,
}
