// Package schedule contains the pure scheduling logic of cronicorn: cron
// evaluation, the governor that plans each endpoint's next fire time, and the
// lease duration policy. Nothing in this package touches storage or the clock.
package schedule

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrInvalidCronExpr indicates an expression outside the five-field dialect.
var ErrInvalidCronExpr = errors.New("invalid cron expression")

// CronHorizon is the safety bound on how far ahead a cron occurrence may land.
// Expressions whose next occurrence exceeds it are treated as misconfigured.
const CronHorizon = 366 * 24 * time.Hour

// cronParser accepts exactly five fields: minute hour day-of-month month
// day-of-week. No seconds, no descriptors, all times UTC.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// cronFieldCount is the number of fields in the supported dialect.
const cronFieldCount = 5

// InvalidScheduleError reports a syntactically valid expression that cannot be
// scheduled: its next occurrence is absent or beyond the safety horizon.
type InvalidScheduleError struct {
	Expr string
	Next time.Time
}

func (e *InvalidScheduleError) Error() string {
	if e.Next.IsZero() {
		return fmt.Sprintf("cron %q has no upcoming occurrence", e.Expr)
	}
	return fmt.Sprintf("cron %q next occurrence %s exceeds the %s horizon",
		e.Expr, e.Next.UTC().Format(time.RFC3339), CronHorizon)
}

// ParseCron parses a five-field UTC cron expression.
func ParseCron(expr string) (cron.Schedule, error) {
	fields := strings.Fields(expr)
	if len(fields) != cronFieldCount {
		return nil, fmt.Errorf("%w: expected %d fields, got %d", ErrInvalidCronExpr, cronFieldCount, len(fields))
	}
	// The dialect has no month or weekday names; reject them before the parser
	// accepts more than the contract allows.
	for _, f := range fields {
		if strings.ContainsFunc(f, func(r rune) bool {
			return (r < '0' || r > '9') && r != '*' && r != ',' && r != '-' && r != '/'
		}) {
			return nil, fmt.Errorf("%w: field %q contains unsupported characters", ErrInvalidCronExpr, f)
		}
	}
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCronExpr, err)
	}
	return sched, nil
}

// ValidateCron reports whether expr is acceptable as a baseline schedule.
func ValidateCron(expr string) error {
	_, err := ParseCron(expr)
	return err
}

// NextCron computes the next occurrence of expr strictly after the given
// instant, in UTC. An occurrence landing exactly on after is skipped. Returns
// *InvalidScheduleError when no occurrence exists within the safety horizon.
func NextCron(expr string, after time.Time) (time.Time, error) {
	sched, err := ParseCron(expr)
	if err != nil {
		return time.Time{}, err
	}
	next := sched.Next(after.UTC())
	if next.IsZero() {
		return time.Time{}, &InvalidScheduleError{Expr: expr}
	}
	if next.Sub(after) > CronHorizon {
		return time.Time{}, &InvalidScheduleError{Expr: expr, Next: next}
	}
	return next, nil
}
