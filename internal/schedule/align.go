package schedule

import (
	"time"

	"github.com/robfig/cron/v3"
)

const minutesPerDay = 24 * 60

// NextRun returns the next run instant strictly after now for an interval
// aligned to local midnight in loc.
//
// Intervals of a day or more always land on the next local midnight.
// Shorter intervals land on the smallest multiple of the interval (counted in
// minutes from midnight) that is greater than now's minute of day; multiples
// at or past 24:00 roll into the next day.
func NextRun(now time.Time, intervalMinutes int, loc *time.Location) time.Time {
	if loc == nil {
		loc = time.Local
	}
	if intervalMinutes <= 0 {
		intervalMinutes = minutesPerDay
	}
	local := now.In(loc)
	y, mo, d := local.Date()

	if intervalMinutes >= minutesPerDay {
		return time.Date(y, mo, d+1, 0, 0, 0, 0, loc)
	}

	cur := local.Hour()*60 + local.Minute()
	boundary := (cur/intervalMinutes + 1) * intervalMinutes
	// time.Date normalizes minute overflow into hours/days.
	next := time.Date(y, mo, d, 0, boundary, 0, 0, loc)
	// An ambiguous wall time (DST fall-back) resolves to its first
	// occurrence, which can be an hour or more behind now.
	for !next.After(local) {
		next = next.Add(time.Duration(intervalMinutes) * time.Minute)
	}
	return next
}

// Aligned is a cron.Schedule producing midnight-aligned interval runs.
type Aligned struct {
	IntervalMinutes int
	Location        *time.Location
}

var _ cron.Schedule = Aligned{}

func (a Aligned) Next(t time.Time) time.Time {
	return NextRun(t, a.IntervalMinutes, a.Location)
}

// inLocation evaluates a schedule in a fixed zone regardless of the caller's.
type inLocation struct {
	base cron.Schedule
	loc  *time.Location
}

func (s inLocation) Next(t time.Time) time.Time {
	return s.base.Next(t.In(s.loc))
}
