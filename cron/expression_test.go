package cron

import (
	"testing"
	"time"
)

func mustParse(t *testing.T, expr string) *Expression {
	e, err := Parse(expr)
	if err != nil {
		t.Fatalf("Parse(%q): %v", expr, err)
	}
	return e
}

func TestDailyCron(t *testing.T) {
	e := mustParse(t, "0 0 12 * * ?")
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	want := []time.Time{
		time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 2, 12, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 3, 12, 0, 0, 0, time.UTC),
	}
	for _, w := range want {
		got := e.Next(from)
		if !got.Equal(w) {
			t.Fatalf("Next(%v) = %v, want %v", from, got, w)
		}
		from = got
	}
}

func TestWeekdayCron(t *testing.T) {
	e := mustParse(t, "0 15 10 ? * MON-FRI")
	from := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC) // Saturday
	want := time.Date(2024, 6, 3, 10, 15, 0, 0, time.UTC)
	got := e.Next(from)
	if !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}
}

func TestNthWeekdayCron(t *testing.T) {
	e := mustParse(t, "0 15 10 ? * 6#3")
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	want := []time.Time{
		time.Date(2024, 1, 19, 10, 15, 0, 0, time.UTC),
		time.Date(2024, 2, 16, 10, 15, 0, 0, time.UTC),
		time.Date(2024, 3, 15, 10, 15, 0, 0, time.UTC),
	}
	for _, w := range want {
		got := e.Next(from)
		if !got.Equal(w) {
			t.Fatalf("Next(%v) = %v, want %v", from, got, w)
		}
		from = got
	}
}

func TestLastDayOfMonthCron(t *testing.T) {
	e := mustParse(t, "0 15 10 L * ?")
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	want := []time.Time{
		time.Date(2024, 1, 31, 10, 15, 0, 0, time.UTC),
		time.Date(2024, 2, 29, 10, 15, 0, 0, time.UTC), // leap year
		time.Date(2024, 3, 31, 10, 15, 0, 0, time.UTC),
	}
	for _, w := range want {
		got := e.Next(from)
		if !got.Equal(w) {
			t.Fatalf("Next(%v) = %v, want %v", from, got, w)
		}
		from = got
	}
}

func TestLastWeekdayOfMonth(t *testing.T) {
	e := mustParse(t, "0 0 12 LW * ?")
	// March 2024's last day (31st) is a Sunday; last weekday is the 29th (Friday).
	got := e.Next(time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC))
	want := time.Date(2024, 3, 29, 12, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}
}

func TestNearestWeekday(t *testing.T) {
	e := mustParse(t, "0 0 12 15W * ?")
	// June 15 2024 is a Saturday; nearest weekday is June 14 (Friday).
	got := e.Next(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC))
	want := time.Date(2024, 6, 14, 12, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}
}

func TestAmbiguousDomDowRejected(t *testing.T) {
	if _, err := Parse("0 0 12 * * *"); err == nil {
		t.Fatal("expected error when neither dom nor dow is '?'")
	}
	if _, err := Parse("0 0 12 ? * ?"); err == nil {
		t.Fatal("expected error when both dom and dow are '?'")
	}
}

func TestYearField(t *testing.T) {
	e := mustParse(t, "0 0 0 1 1 ? 2030")
	got := e.Next(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	want := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}
}

func TestNoMatchWithinHorizonReturnsZero(t *testing.T) {
	e := mustParse(t, "0 0 0 30 2 ?") // Feb 30 never exists
	got := e.Next(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	if !got.IsZero() {
		t.Fatalf("expected zero time, got %v", got)
	}
}

func TestRoundTripEquivalence(t *testing.T) {
	exprs := []string{
		"0 15 10 ? * MON-FRI",
		"0 0 12 * * ?",
		"0 15 10 L * ?",
		"0 15 10 ? * 6#3",
		"0/15 * * * * ?",
	}
	for _, s := range exprs {
		e1 := mustParse(t, s)
		e2 := mustParse(t, e1.String())
		if !e1.Equal(e2) {
			t.Errorf("round trip mismatch for %q", s)
		}
	}
}

func TestDSTSpringForwardSkipped(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	// 2024-03-10: US spring-forward, 02:00 jumps to 03:00 local.
	e := mustParse(t, "0 30 2 * * ?")
	from := time.Date(2024, 3, 9, 12, 0, 0, 0, loc)
	got := e.Next(from)
	// The skipped 02:30 on 03-10 is forgotten; next fire is 03-11 02:30.
	want := time.Date(2024, 3, 11, 2, 30, 0, 0, loc)
	if !got.Equal(want) {
		t.Fatalf("Next = %v, want %v", got, want)
	}
}
