package scheduler

import (
	"time"

	"github.com/novaq/scheduler/calendar"
)

// TriggerState is one node of the state machine in §3.
type TriggerState int

const (
	StateWaiting TriggerState = iota
	StateAcquired
	StateExecuting
	StatePaused
	StatePausedBlocked
	StateBlocked
	StateComplete
	StateError
	// StateNone is returned by GetTriggerState for an unknown key.
	StateNone
)

func (s TriggerState) String() string {
	switch s {
	case StateWaiting:
		return "WAITING"
	case StateAcquired:
		return "ACQUIRED"
	case StateExecuting:
		return "EXECUTING"
	case StatePaused:
		return "PAUSED"
	case StatePausedBlocked:
		return "PAUSED_BLOCKED"
	case StateBlocked:
		return "BLOCKED"
	case StateComplete:
		return "COMPLETE"
	case StateError:
		return "ERROR"
	default:
		return "NONE"
	}
}

// TriggerKind tags which variant a Trigger is, per §9 "Dynamic dispatch on
// trigger variant": a closed, versioned tagged union rather than an open
// hierarchy.
type TriggerKind int

const (
	KindSimple TriggerKind = iota
	KindCron
	KindCalendarInterval
	KindDailyTimeInterval
)

// CompletedExecutionInstruction tells the store how to transition a trigger
// once a job run shell finishes with it (§4.3 triggeredJobComplete, §4.6).
type CompletedExecutionInstruction int

const (
	NoOp CompletedExecutionInstruction = iota
	DeleteTrigger
	SetTriggerComplete
	ReExecuteJob
	SetTriggerError
	SetAllJobTriggersError
	SetAllJobTriggersComplete
)

// Generic misfire instruction, meaning "let the variant decide" (Quartz's
// MISFIRE_INSTRUCTION_SMART_POLICY).
const MisfireSmartPolicy = 0

// Cron misfire instructions (§4.2).
const (
	MisfireCronFireOnceNow = 1
	MisfireCronDoNothing   = 2
)

// Simple-trigger misfire instructions (§4.2).
const (
	MisfireSimpleFireNow                               = 1
	MisfireSimpleRescheduleNowWithExistingRepeatCount  = 2
	MisfireSimpleRescheduleNowWithRemainingRepeatCount = 3
	MisfireSimpleRescheduleNextWithRemainingCount      = 4
	MisfireSimpleRescheduleNextWithExistingCount       = 5
)

// SimpleSpec is the variant-specific state of a Simple trigger (§3).
type SimpleSpec struct {
	RepeatCount    int // -1 == infinite
	RepeatInterval time.Duration
	TimesTriggered int
}

// CronSpec is the variant-specific state of a Cron trigger (§3, §4.1).
type CronSpec struct {
	Expression string
	TimeZone   *time.Location
}

// CalendarIntervalUnit names the unit a CalendarInterval trigger repeats by.
type CalendarIntervalUnit int

const (
	IntervalSecond CalendarIntervalUnit = iota
	IntervalMinute
	IntervalHour
	IntervalDay
	IntervalWeek
	IntervalMonth
	IntervalYear
)

// CalendarIntervalSpec repeats every Interval Units of calendar time (so
// "1 month" respects month lengths, unlike Simple's fixed-duration
// RepeatInterval) — §3 "may be omitted from an initial implementation",
// included here per SPEC_FULL §C.5.
type CalendarIntervalSpec struct {
	Interval       int
	Unit           CalendarIntervalUnit
	TimeZone       *time.Location
	TimesTriggered int
}

// TimeOfDay is a wall-clock time-of-day, independent of any date.
type TimeOfDay struct {
	Hour, Minute, Second int
}

func (t TimeOfDay) onDate(year int, month time.Month, day int, loc *time.Location) time.Time {
	return time.Date(year, month, day, t.Hour, t.Minute, t.Second, 0, loc)
}

// DailyTimeIntervalSpec fires every Interval Units within a daily
// [StartTimeOfDay, EndTimeOfDay) window, on the given days of week —
// §3 "may be omitted from an initial implementation", included here per
// SPEC_FULL §C.5.
type DailyTimeIntervalSpec struct {
	StartTimeOfDay TimeOfDay
	EndTimeOfDay   TimeOfDay
	Interval       int
	Unit           CalendarIntervalUnit // Second, Minute, or Hour
	DaysOfWeek     map[time.Weekday]bool
	TimeZone       *time.Location
	TimesTriggered int
}

// Trigger is a rule producing a monotone sequence of fire instants for one
// job (§3). Exactly one of the variant spec pointers is non-nil, selected
// by Kind.
type Trigger struct {
	Key          Key
	JobKey       Key
	CalendarName string
	Priority     int

	StartTime time.Time
	EndTime   *time.Time

	PreviousFireTime *time.Time
	NextFireTime     *time.Time

	MisfireInstruction int
	Data               JobDataMap
	State              TriggerState

	// Recovering marks that this trigger's next fire is a recovery replay
	// of a fire orphaned by a prior crash (§4.3 Recovery), set by a store's
	// Initialize and consumed by its TriggersFired, which clears it again
	// after building the bundle so only that one fire is flagged.
	Recovering bool

	Kind              TriggerKind
	Simple            *SimpleSpec
	Cron              *CronSpec
	CalendarInterval  *CalendarIntervalSpec
	DailyTimeInterval *DailyTimeIntervalSpec
}

const defaultPriority = 5

// Clone returns a deep-enough copy for safe handoff across goroutines and
// across a store boundary.
func (t *Trigger) Clone() *Trigger {
	if t == nil {
		return nil
	}
	c := *t
	c.Data = t.Data.Clone()
	if t.EndTime != nil {
		e := *t.EndTime
		c.EndTime = &e
	}
	if t.PreviousFireTime != nil {
		p := *t.PreviousFireTime
		c.PreviousFireTime = &p
	}
	if t.NextFireTime != nil {
		n := *t.NextFireTime
		c.NextFireTime = &n
	}
	if t.Simple != nil {
		s := *t.Simple
		c.Simple = &s
	}
	if t.Cron != nil {
		cs := *t.Cron
		c.Cron = &cs
	}
	if t.CalendarInterval != nil {
		ci := *t.CalendarInterval
		c.CalendarInterval = &ci
	}
	if t.DailyTimeInterval != nil {
		di := *t.DailyTimeInterval
		di.DaysOfWeek = make(map[time.Weekday]bool, len(t.DailyTimeInterval.DaysOfWeek))
		for k, v := range t.DailyTimeInterval.DaysOfWeek {
			di.DaysOfWeek[k] = v
		}
		c.DailyTimeInterval = &di
	}
	return &c
}

// rawFireTimeAfter computes the variant's next fire time strictly after
// `after`, ignoring calendar exclusions and EndTime — the dispatch point
// §9 describes ("next-fire computation is a match on the tag").
func (t *Trigger) rawFireTimeAfter(after time.Time) *time.Time {
	switch t.Kind {
	case KindSimple:
		return simpleFireTimeAfter(t, after)
	case KindCron:
		return cronFireTimeAfter(t, after)
	case KindCalendarInterval:
		return calendarIntervalFireTimeAfter(t, after)
	case KindDailyTimeInterval:
		return dailyTimeIntervalFireTimeAfter(t, after)
	default:
		return nil
	}
}

// withinWindow clamps a candidate fire time to [StartTime, EndTime]; a
// candidate before StartTime is advanced, one after EndTime is rejected.
func (t *Trigger) withinWindow(candidate *time.Time) *time.Time {
	if candidate == nil {
		return nil
	}
	if candidate.Before(t.StartTime) {
		candidate = t.rawFireTimeAfter(t.StartTime.Add(-time.Nanosecond))
		if candidate == nil {
			return nil
		}
	}
	if t.EndTime != nil && candidate.After(*t.EndTime) {
		return nil
	}
	return candidate
}

// GetFireTimeAfter returns the next instant strictly after `after` that
// both the variant and the associated calendar permit (§4.2, §4.3).
func (t *Trigger) GetFireTimeAfter(after time.Time, cal calendar.Calendar) *time.Time {
	candidate := t.withinWindow(t.rawFireTimeAfter(after))
	for candidate != nil && cal != nil && !cal.IsTimeIncluded(*candidate) {
		candidate = t.withinWindow(t.rawFireTimeAfter(*candidate))
	}
	return candidate
}

// ComputeFirstFireTime computes and stores the trigger's first fire time,
// honoring StartTime and the calendar, then returns it.
func (t *Trigger) ComputeFirstFireTime(cal calendar.Calendar) *time.Time {
	first := t.StartTime.Add(-time.Nanosecond) // GetFireTimeAfter wants strictly-after semantics
	ft := t.GetFireTimeAfter(first, cal)
	t.NextFireTime = ft
	return ft
}

// Triggered advances PreviousFireTime/NextFireTime and any variant-local
// counters after a fire has been committed (§4.2 "triggered(calendar)").
// Invariant 3/5 of §3 hold after this call: previous < next.
func (t *Trigger) Triggered(cal calendar.Calendar) {
	now := time.Time{}
	if t.NextFireTime != nil {
		now = *t.NextFireTime
	}
	switch t.Kind {
	case KindSimple:
		t.Simple.TimesTriggered++
	case KindCalendarInterval:
		t.CalendarInterval.TimesTriggered++
	case KindDailyTimeInterval:
		t.DailyTimeInterval.TimesTriggered++
	}
	t.PreviousFireTime = &now
	t.NextFireTime = t.GetFireTimeAfter(now, cal)
}

// UpdateAfterMisfire applies the trigger's misfire instruction, moving
// NextFireTime forward according to the policy named in §4.2.
func (t *Trigger) UpdateAfterMisfire(cal calendar.Calendar, now time.Time) {
	switch t.Kind {
	case KindSimple:
		simpleUpdateAfterMisfire(t, cal, now)
	case KindCron:
		cronUpdateAfterMisfire(t, cal, now)
	case KindCalendarInterval, KindDailyTimeInterval:
		// No variant-specific misfire policy beyond "skip to next" —
		// mirrors Quartz's CalendarIntervalTrigger default.
		t.NextFireTime = t.GetFireTimeAfter(now, cal)
	}
}
