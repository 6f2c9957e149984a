package scheduler

import "time"

// periodStart returns the start of the current billing period: the most
// recent monthly anniversary of the anchor's day-of-month at or before now,
// clamped for short months. Without an anchor the calendar month applies.
func periodStart(now time.Time, anchor *time.Time) time.Time {
	u := now.UTC()
	day := 1
	if anchor != nil {
		day = anchor.UTC().Day()
	}

	candidate := monthlyAnchor(u.Year(), u.Month(), day)
	if candidate.After(u) {
		prev := u.AddDate(0, -1, -u.Day()+1) // first of previous month
		candidate = monthlyAnchor(prev.Year(), prev.Month(), day)
	}
	return candidate
}

func monthlyAnchor(year int, month time.Month, day int) time.Time {
	if last := daysInMonth(year, month); day > last {
		day = last
	}
	return time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
}

func daysInMonth(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
