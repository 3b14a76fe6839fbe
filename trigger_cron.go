package scheduler

import (
	"time"

	"github.com/novaq/scheduler/calendar"
	"github.com/novaq/scheduler/cron"
)

// NewCronTrigger builds a KindCron trigger from a parsed expression string.
// The zone defaults to time.UTC when nil.
func NewCronTrigger(key, jobKey Key, expr string, tz *time.Location) (*Trigger, error) {
	if _, err := cron.Parse(expr); err != nil {
		return nil, err
	}
	if tz == nil {
		tz = time.UTC
	}
	return &Trigger{
		Key:       key,
		JobKey:    jobKey,
		Priority:  defaultPriority,
		StartTime: time.Now(),
		Kind:      KindCron,
		Cron:      &CronSpec{Expression: expr, TimeZone: tz},
	}, nil
}

// cronFireTimeAfter implements §4.1's "next fire instant strictly after a
// given instant", evaluated in the trigger's configured time zone.
func cronFireTimeAfter(t *Trigger, after time.Time) *time.Time {
	expr, err := cron.Parse(t.Cron.Expression)
	if err != nil {
		return nil
	}
	loc := t.Cron.TimeZone
	if loc == nil {
		loc = time.UTC
	}
	next := expr.Next(after.In(loc))
	if next.IsZero() {
		return nil
	}
	return &next
}

// cronUpdateAfterMisfire applies FIRE_ONCE_NOW or DO_NOTHING (§4.2).
func cronUpdateAfterMisfire(t *Trigger, cal calendar.Calendar, now time.Time) {
	instr := t.MisfireInstruction
	if instr == MisfireSmartPolicy {
		instr = MisfireCronFireOnceNow
	}

	switch instr {
	case MisfireCronFireOnceNow:
		ft := now
		t.NextFireTime = &ft
	case MisfireCronDoNothing:
		t.NextFireTime = t.GetFireTimeAfter(now, cal)
	default:
		t.NextFireTime = t.GetFireTimeAfter(now, cal)
	}
}
