package core

import "time"

// LookbackStart computes the lower bound of the scan window for a run starting
// at now. Normally that is the start of the current day; on the first weekday
// of the work week it reaches back over the preceding non-working days so
// weekend mail is not missed. The offset is in calendar days, not a fixed
// duration.
func LookbackStart(now time.Time) time.Time {
	daysBack := 0
	if now.Weekday() == time.Monday {
		daysBack = 2
	}
	start := now.AddDate(0, 0, -daysBack)
	return time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, start.Location())
}
