// Package calendar provides the predicate-over-instants interface triggers
// consult to skip excluded fire times (§4.2 "Calendar filtering"), plus a
// reference holiday implementation. Richer calendar evaluation (business
// hours, recurring annual holidays, ...) is explicitly out of scope per
// spec.md §1 — only the interface and a minimal implementation live here.
package calendar

import "time"

// Calendar excludes certain instants from a trigger's fire-time sequence.
type Calendar interface {
	// IsTimeIncluded reports whether t is a permitted fire instant.
	IsTimeIncluded(t time.Time) bool

	// GetNextIncludedTime returns the earliest included instant strictly
	// after t, or the zero Time if the calendar excludes all time from
	// that point forward.
	GetNextIncludedTime(t time.Time) time.Time

	// Description is a human-readable label, mirroring Quartz's
	// BaseCalendar.getDescription.
	Description() string
}

// Base is a Calendar that excludes nothing. Embed it to get sensible
// defaults for a calendar that only needs to override one method.
type Base struct {
	desc string
}

// NewBase returns a Calendar that includes every instant.
func NewBase(description string) *Base {
	return &Base{desc: description}
}

func (b *Base) IsTimeIncluded(t time.Time) bool { return true }

func (b *Base) GetNextIncludedTime(t time.Time) time.Time { return t }

func (b *Base) Description() string { return b.desc }
