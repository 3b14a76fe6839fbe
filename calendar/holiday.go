package calendar

import "time"

// maxLookahead bounds how many days GetNextIncludedTime will scan before
// concluding that "all time" is effectively excluded ahead of it.
const maxLookahead = 10 * 365

// Holiday excludes a fixed set of whole calendar days, identified by
// year/month/day in a given time zone — enough to model bank holidays
// without pulling in a recurring-rule engine.
type Holiday struct {
	*Base
	loc      *time.Location
	excluded map[string]bool
}

// NewHoliday returns a Holiday calendar evaluated in loc (time.UTC if nil).
func NewHoliday(description string, loc *time.Location) *Holiday {
	if loc == nil {
		loc = time.UTC
	}
	return &Holiday{
		Base:     NewBase(description),
		loc:      loc,
		excluded: make(map[string]bool),
	}
}

func dayKey(t time.Time) string {
	return t.Format("2006-01-02")
}

// AddExcludedDate marks the whole day containing d as excluded.
func (h *Holiday) AddExcludedDate(d time.Time) {
	h.excluded[dayKey(d.In(h.loc))] = true
}

// RemoveExcludedDate un-marks the whole day containing d.
func (h *Holiday) RemoveExcludedDate(d time.Time) {
	delete(h.excluded, dayKey(d.In(h.loc)))
}

func (h *Holiday) IsTimeIncluded(t time.Time) bool {
	return !h.excluded[dayKey(t.In(h.loc))]
}

// Location returns the time zone this calendar evaluates excluded days in.
func (h *Holiday) Location() *time.Location { return h.loc }

// ExcludedDates returns the midnight-in-Location instant of each excluded
// day, in no particular order — enough for a store to persist and rebuild
// the calendar elsewhere.
func (h *Holiday) ExcludedDates() []time.Time {
	out := make([]time.Time, 0, len(h.excluded))
	for key := range h.excluded {
		if d, err := time.ParseInLocation("2006-01-02", key, h.loc); err == nil {
			out = append(out, d)
		}
	}
	return out
}

func (h *Holiday) GetNextIncludedTime(t time.Time) time.Time {
	candidate := t.Add(time.Nanosecond)
	for i := 0; i < maxLookahead; i++ {
		if h.IsTimeIncluded(candidate) {
			return candidate
		}
		// Advance to the start of the next day in the calendar's zone.
		local := candidate.In(h.loc)
		nextDay := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, h.loc).AddDate(0, 0, 1)
		candidate = nextDay
	}
	return time.Time{}
}
