package scheduler

import (
	"time"

	"github.com/novaq/scheduler/calendar"
)

// NewSimpleTrigger builds a KindSimple trigger. repeatCount of -1 means
// infinite (§3).
func NewSimpleTrigger(key, jobKey Key, startTime time.Time, repeatCount int, repeatInterval time.Duration) *Trigger {
	return &Trigger{
		Key:       key,
		JobKey:    jobKey,
		Priority:  defaultPriority,
		StartTime: startTime,
		Kind:      KindSimple,
		Simple: &SimpleSpec{
			RepeatCount:    repeatCount,
			RepeatInterval: repeatInterval,
		},
	}
}

// simpleFireTimeAfter implements §4.2 "Simple trigger next-fire": from the
// trigger's start time, add RepeatInterval until strictly greater than
// `after`, stopping once RepeatCount+1 fires have been used.
func simpleFireTimeAfter(t *Trigger, after time.Time) *time.Time {
	s := t.Simple
	if s.RepeatCount != -1 && s.TimesTriggered > s.RepeatCount {
		return nil
	}
	if s.RepeatInterval <= 0 {
		// A one-shot trigger (RepeatCount == 0, RepeatInterval == 0):
		// fires exactly once, at StartTime.
		if s.TimesTriggered > 0 {
			return nil
		}
		if t.StartTime.After(after) {
			ft := t.StartTime
			return &ft
		}
		return nil
	}

	count := s.TimesTriggered
	candidate := t.StartTime.Add(time.Duration(count) * s.RepeatInterval)
	for !candidate.After(after) {
		count++
		if s.RepeatCount != -1 && count > s.RepeatCount {
			return nil
		}
		candidate = t.StartTime.Add(time.Duration(count) * s.RepeatInterval)
	}
	if s.RepeatCount != -1 && count > s.RepeatCount {
		return nil
	}
	return &candidate
}

// simpleUpdateAfterMisfire applies one of the five simple-trigger misfire
// instructions named in §4.2.
func simpleUpdateAfterMisfire(t *Trigger, cal calendar.Calendar, now time.Time) {
	instr := t.MisfireInstruction
	s := t.Simple

	if instr == MisfireSmartPolicy {
		if s.RepeatCount == 0 {
			instr = MisfireSimpleFireNow
		} else {
			instr = MisfireSimpleRescheduleNowWithRemainingRepeatCount
		}
	}

	switch instr {
	case MisfireSimpleFireNow:
		ft := now
		t.NextFireTime = &ft
	case MisfireSimpleRescheduleNowWithExistingRepeatCount:
		ft := now
		t.NextFireTime = &ft
	case MisfireSimpleRescheduleNowWithRemainingRepeatCount:
		if s.RepeatCount != -1 {
			s.RepeatCount = s.RepeatCount - s.TimesTriggered
		}
		ft := now
		t.NextFireTime = &ft
	case MisfireSimpleRescheduleNextWithRemainingCount:
		if s.RepeatCount != -1 {
			s.RepeatCount = s.RepeatCount - s.TimesTriggered
		}
		t.NextFireTime = t.GetFireTimeAfter(now, cal)
	case MisfireSimpleRescheduleNextWithExistingCount:
		t.NextFireTime = t.GetFireTimeAfter(now, cal)
	default:
		t.NextFireTime = t.GetFireTimeAfter(now, cal)
	}
}
