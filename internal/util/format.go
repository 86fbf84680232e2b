package util //nolint:revive // package name util hosts shared formatting helpers for CLI reports

import "time"

// FormatRunDuration renders a run duration in whole milliseconds for display.
// A nil value means the run never finished and is rendered as "-".
func FormatRunDuration(ms *int64) string {
	if ms == nil {
		return "-"
	}
	return (time.Duration(*ms) * time.Millisecond).String()
}
