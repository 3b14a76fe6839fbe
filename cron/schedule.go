package cron

import "time"

// Next returns the earliest instant strictly after from that satisfies the
// expression, in from's own time zone, or the zero Time if none exists
// within the configured search horizon (year 2099).
//
// The loop below re-checks every field from the top after any adjustment,
// relying on time.Date's normalization of out-of-range components to do
// carrying for us: bumping minute past 59 rolls into the hour, bumping a
// day past the end of the month rolls into the next month, and so on. That
// same normalization is what implements the DST policy in §4.1 without any
// special-casing: a constructed local time that does not exist (spring
// forward) is silently mapped by the time package to the first instant that
// does exist, which this loop then re-validates against every field — so a
// skipped 2:30 is "forgotten" and the search naturally continues from
// wherever the clock actually landed. Hour and minute bumps step back from t
// by its elapsed local minutes/seconds instead of rebuilding it with
// time.Date, so they never jump into the other occurrence of a repeated
// (fall back) hour, and a t inside the second occurrence of such an hour is
// moved past it before any field is checked: a repeated local time fires
// once, on its first occurrence.
func (e *Expression) Next(from time.Time) time.Time {
	loc := from.Location()
	t := from.Truncate(time.Second).Add(time.Second)

	for {
		if t.Year() > maxSearchYear {
			return time.Time{}
		}
		if start, _ := t.ZoneBounds(); !start.IsZero() {
			_, off := t.Zone()
			_, prevOff := start.Add(-time.Nanosecond).Zone()
			if repeat := time.Duration(prevOff-off) * time.Second; repeat > 0 && t.Sub(start) < repeat {
				t = start.Add(repeat)
				continue
			}
		}
		if !e.year.matches(t.Year()) {
			ny := e.year.nextYear(t.Year())
			if ny == 0 {
				return time.Time{}
			}
			t = time.Date(ny, time.January, 1, 0, 0, 0, 0, loc)
			continue
		}
		if !bitTest(e.months, uint(t.Month())) {
			first := time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, loc)
			t = first.AddDate(0, 1, 0)
			continue
		}
		if !e.dayMatches(t) {
			dayStart := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
			t = dayStart.AddDate(0, 0, 1)
			continue
		}
		if !bitTest(e.hours, uint(t.Hour())) {
			hourStart := t.Add(-time.Duration(t.Minute()*60+t.Second()) * time.Second)
			t = hourStart.Add(time.Hour)
			continue
		}
		if !bitTest(e.minutes, uint(t.Minute())) {
			minStart := t.Add(-time.Duration(t.Second()) * time.Second)
			t = minStart.Add(time.Minute)
			continue
		}
		if !bitTest(e.seconds, uint(t.Second())) {
			t = t.Add(time.Second)
			continue
		}
		return t
	}
}

// dayMatches reports whether t's day satisfies whichever of dom/dow is
// constraining (exactly one is, by the parse-time '?' rule).
func (e *Expression) dayMatches(t time.Time) bool {
	if e.dom.kind != domAny {
		return e.domMatches(t)
	}
	return e.dowMatches(t)
}

func (e *Expression) domMatches(t time.Time) bool {
	year, month, day := t.Year(), t.Month(), t.Day()
	switch e.dom.kind {
	case domList:
		return bitTest(e.dom.bits, uint(day))
	case domLast:
		return day == lastDayOfMonth(year, month)
	case domLastWeekday:
		return day == lastWeekdayOfMonth(year, month)
	case domNearestWeekday:
		return day == nearestWeekday(year, month, e.dom.target)
	default:
		return false
	}
}

func (e *Expression) dowMatches(t time.Time) bool {
	weekday := uint(t.Weekday()) + 1 // Go: 0=Sunday -> ours: 1=Sunday
	switch e.dow.kind {
	case dowList:
		return bitTest(e.dow.bits, weekday)
	case dowLast:
		if weekday != e.dow.weekday {
			return false
		}
		daysInMonth := lastDayOfMonth(t.Year(), t.Month())
		return t.Day()+7 > daysInMonth
	case dowNth:
		if weekday != e.dow.weekday {
			return false
		}
		occurrence := (t.Day()-1)/7 + 1
		return uint(occurrence) == e.dow.n
	default:
		return false
	}
}

func lastDayOfMonth(year int, month time.Month) int {
	firstOfNext := time.Date(year, month+1, 1, 0, 0, 0, 0, time.UTC)
	return firstOfNext.AddDate(0, 0, -1).Day()
}

// lastWeekdayOfMonth returns the day-of-month of the last weekday
// (Mon-Fri) in the given month.
func lastWeekdayOfMonth(year int, month time.Month) int {
	last := lastDayOfMonth(year, month)
	d := time.Date(year, month, last, 0, 0, 0, 0, time.UTC)
	switch d.Weekday() {
	case time.Saturday:
		return last - 1
	case time.Sunday:
		return last - 2
	default:
		return last
	}
}

// nearestWeekday returns the weekday (Mon-Fri) day-of-month nearest to
// target, never crossing into the previous or next month.
func nearestWeekday(year int, month time.Month, target uint) int {
	daysInMonth := lastDayOfMonth(year, month)
	day := int(target)
	if day > daysInMonth {
		day = daysInMonth
	}
	d := time.Date(year, month, day, 0, 0, 0, 0, time.UTC)
	switch d.Weekday() {
	case time.Saturday:
		if day == 1 {
			return day + 2 // can't cross into previous month; move to Monday
		}
		return day - 1
	case time.Sunday:
		if day == daysInMonth {
			return day - 2 // can't cross into next month; move to Friday
		}
		return day + 1
	default:
		return day
	}
}
