package calendar_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/novaq/scheduler/calendar"
)

func TestBase_IncludesEverything(t *testing.T) {
	b := calendar.NewBase("no exclusions")
	require.Equal(t, "no exclusions", b.Description())
	now := time.Now()
	require.True(t, b.IsTimeIncluded(now))
	require.Equal(t, now, b.GetNextIncludedTime(now))
}

func TestHoliday_ExcludesWholeDay(t *testing.T) {
	loc := time.UTC
	h := calendar.NewHoliday("new year", loc)
	jan1 := time.Date(2026, 1, 1, 0, 0, 0, 0, loc)
	h.AddExcludedDate(jan1)

	require.False(t, h.IsTimeIncluded(time.Date(2026, 1, 1, 23, 59, 0, 0, loc)))
	require.True(t, h.IsTimeIncluded(time.Date(2026, 1, 2, 0, 0, 0, 0, loc)))
}

func TestHoliday_RemoveExcludedDate(t *testing.T) {
	h := calendar.NewHoliday("temp", time.UTC)
	day := time.Date(2026, 3, 17, 12, 0, 0, 0, time.UTC)
	h.AddExcludedDate(day)
	require.False(t, h.IsTimeIncluded(day))

	h.RemoveExcludedDate(day)
	require.True(t, h.IsTimeIncluded(day))
}

func TestHoliday_GetNextIncludedTime_SkipsExcludedDay(t *testing.T) {
	h := calendar.NewHoliday("one day off", time.UTC)
	excluded := time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC)
	h.AddExcludedDate(excluded)

	next := h.GetNextIncludedTime(time.Date(2026, 6, 15, 10, 0, 0, 0, time.UTC))
	require.Equal(t, time.Date(2026, 6, 16, 0, 0, 0, 0, time.UTC), next)
}

func TestHoliday_LocationAndExcludedDatesRoundTrip(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	h := calendar.NewHoliday("nyc holiday", loc)
	d1 := time.Date(2026, 7, 4, 0, 0, 0, 0, loc)
	d2 := time.Date(2026, 12, 25, 0, 0, 0, 0, loc)
	h.AddExcludedDate(d1)
	h.AddExcludedDate(d2)

	require.Equal(t, loc, h.Location())
	dates := h.ExcludedDates()
	require.Len(t, dates, 2)

	rebuilt := calendar.NewHoliday(h.Description(), h.Location())
	for _, d := range dates {
		rebuilt.AddExcludedDate(d)
	}
	require.False(t, rebuilt.IsTimeIncluded(d1.Add(6*time.Hour)))
	require.False(t, rebuilt.IsTimeIncluded(d2.Add(6*time.Hour)))
}

func TestHoliday_NilLocationDefaultsToUTC(t *testing.T) {
	h := calendar.NewHoliday("no tz given", nil)
	require.Equal(t, time.UTC, h.Location())
}
