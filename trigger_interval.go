package scheduler

import "time"

// NewCalendarIntervalTrigger builds a KindCalendarInterval trigger that
// repeats every `interval` `unit`s of calendar time (so a 1-month interval
// lands on the same day next month, unlike Simple's fixed duration; months
// are added with time.AddDate, so a start on the 29th-31st rolls over into
// the following month when the target month is shorter). Included per
// SPEC_FULL §C.5.
func NewCalendarIntervalTrigger(key, jobKey Key, startTime time.Time, interval int, unit CalendarIntervalUnit, tz *time.Location) *Trigger {
	if tz == nil {
		tz = time.UTC
	}
	return &Trigger{
		Key:       key,
		JobKey:    jobKey,
		Priority:  defaultPriority,
		StartTime: startTime,
		Kind:      KindCalendarInterval,
		CalendarInterval: &CalendarIntervalSpec{
			Interval: interval,
			Unit:     unit,
			TimeZone: tz,
		},
	}
}

func addUnits(t time.Time, n int, unit CalendarIntervalUnit) time.Time {
	switch unit {
	case IntervalSecond:
		return t.Add(time.Duration(n) * time.Second)
	case IntervalMinute:
		return t.Add(time.Duration(n) * time.Minute)
	case IntervalHour:
		return t.Add(time.Duration(n) * time.Hour)
	case IntervalDay:
		return t.AddDate(0, 0, n)
	case IntervalWeek:
		return t.AddDate(0, 0, 7*n)
	case IntervalMonth:
		return t.AddDate(0, n, 0)
	case IntervalYear:
		return t.AddDate(n, 0, 0)
	default:
		return t
	}
}

func calendarIntervalFireTimeAfter(t *Trigger, after time.Time) *time.Time {
	s := t.CalendarInterval
	if s.Interval <= 0 {
		return nil
	}
	loc := s.TimeZone
	if loc == nil {
		loc = time.UTC
	}
	candidate := t.StartTime.In(loc)
	afterLoc := after.In(loc)
	for !candidate.After(afterLoc) {
		candidate = addUnits(candidate, s.Interval, s.Unit)
	}
	return &candidate
}

// NewDailyTimeIntervalTrigger builds a KindDailyTimeInterval trigger that
// fires every `interval` `unit`s (Second/Minute/Hour) inside the daily
// window [startOfDay, endOfDay) on the given days of week. Included per
// SPEC_FULL §C.5.
func NewDailyTimeIntervalTrigger(key, jobKey Key, startTime time.Time, startOfDay, endOfDay TimeOfDay, interval int, unit CalendarIntervalUnit, daysOfWeek []time.Weekday, tz *time.Location) *Trigger {
	if tz == nil {
		tz = time.UTC
	}
	days := make(map[time.Weekday]bool, len(daysOfWeek))
	if len(daysOfWeek) == 0 {
		for d := time.Sunday; d <= time.Saturday; d++ {
			days[d] = true
		}
	} else {
		for _, d := range daysOfWeek {
			days[d] = true
		}
	}
	return &Trigger{
		Key:       key,
		JobKey:    jobKey,
		Priority:  defaultPriority,
		StartTime: startTime,
		Kind:      KindDailyTimeInterval,
		DailyTimeInterval: &DailyTimeIntervalSpec{
			StartTimeOfDay: startOfDay,
			EndTimeOfDay:   endOfDay,
			Interval:       interval,
			Unit:           unit,
			DaysOfWeek:     days,
			TimeZone:       tz,
		},
	}
}

func dailyUnitDuration(n int, unit CalendarIntervalUnit) time.Duration {
	switch unit {
	case IntervalHour:
		return time.Duration(n) * time.Hour
	case IntervalMinute:
		return time.Duration(n) * time.Minute
	default:
		return time.Duration(n) * time.Second
	}
}

func dailyTimeIntervalFireTimeAfter(t *Trigger, after time.Time) *time.Time {
	s := t.DailyTimeInterval
	if s.Interval <= 0 {
		return nil
	}
	loc := s.TimeZone
	if loc == nil {
		loc = time.UTC
	}
	step := dailyUnitDuration(s.Interval, s.Unit)
	afterLoc := after.In(loc)

	day := afterLoc
	for i := 0; i < 370; i++ { // bounded scan: at most a little over a year of days
		windowStart := s.StartTimeOfDay.onDate(day.Year(), day.Month(), day.Day(), loc)
		windowEnd := s.EndTimeOfDay.onDate(day.Year(), day.Month(), day.Day(), loc)

		if s.DaysOfWeek[windowStart.Weekday()] && windowEnd.After(windowStart) {
			candidate := windowStart
			if !candidate.After(afterLoc) {
				// Jump forward by whole steps so we don't re-scan one tick
				// at a time when `after` is deep inside the window.
				elapsed := afterLoc.Sub(windowStart)
				steps := elapsed/step + 1
				candidate = windowStart.Add(time.Duration(steps) * step)
			}
			if candidate.Before(windowEnd) {
				return &candidate
			}
		}

		// Advance to the start of the next day and keep scanning.
		next := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1)
		day = next
		afterLoc = next.Add(-time.Nanosecond)
	}
	return nil
}
