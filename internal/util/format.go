package util //nolint:revive // package name util hosts shared formatting helpers used by the admin CLI

import "time"

// FormatDuration formats a time.Duration for display.
// Returns "-" for zero or negative durations and truncates to milliseconds.
func FormatDuration(d time.Duration) string {
	switch {
	case d <= 0:
		return "-"
	case d < time.Millisecond:
		return d.String()
	default:
		return d.Truncate(time.Millisecond).String()
	}
}

// FormatElapsed formats the time a job has spent processing. An unfinished
// job is measured against now; a job that never started renders as "-".
func FormatElapsed(started, completed *time.Time, now time.Time) string {
	if started == nil {
		return FormatDuration(0)
	}
	end := now
	if completed != nil {
		end = *completed
	}
	return FormatDuration(end.Sub(*started))
}
