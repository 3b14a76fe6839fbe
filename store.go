package scheduler

import (
	"context"
	"time"

	"github.com/novaq/scheduler/calendar"
)

// TriggerFiredBundle is the snapshot handed to a job run shell once a
// trigger has been committed to EXECUTING (§4.3 triggersFired, §4.6).
type TriggerFiredBundle struct {
	JobDetail        *JobDetail
	Trigger          *Trigger
	Calendar         calendar.Calendar
	FireTime         time.Time
	ScheduledFireTime time.Time
	PrevFireTime     *time.Time
	NextFireTime     *time.Time
	IsRecovering     bool
	RecoveringTriggerKey Key
	FireInstanceID   string
}

// Well-known JobDataMap keys a recovery fire's merged data map carries the
// original orphaned trigger's identity under (§4.3 Recovery), mirroring
// Quartz's Scheduler.FAILED_JOB_ORIGINAL_TRIGGER_NAME/_GROUP
// (original_source/.../impl/JobExecutionContextImpl.java's
// getRecoveringTriggerKey).
const (
	FailedJobOriginalTriggerName              = "FAILED_JOB_ORIGINAL_TRIGGER_NAME"
	FailedJobOriginalTriggerGroup             = "FAILED_JOB_ORIGINAL_TRIGGER_GROUP"
	FailedJobOriginalTriggerFiretime          = "FAILED_JOB_ORIGINAL_TRIGGER_FIRETIME_IN_MILLISECONDS"
	FailedJobOriginalTriggerScheduledFiretime = "FAILED_JOB_ORIGINAL_TRIGGER_SCHEDULED_FIRETIME_IN_MILLISECONDS"
)

// ApplyRecoveryMarkers flags bundle as a recovery replay of originalKey's
// orphaned fire (§4.3 Recovery, §8 scenario 7): it sets IsRecovering and
// RecoveringTriggerKey, and layers the FailedJobOriginalTrigger* keys onto
// the bundle's trigger data so a job can recover the original identity
// through its merged data map too, the way Quartz's JobDataMap-based
// getRecoveringTriggerKey does. A store implementation calls this from
// TriggersFired when the trigger it is about to fire was marked Recovering
// by Initialize.
func ApplyRecoveryMarkers(bundle *TriggerFiredBundle, originalKey Key, fireTime time.Time) {
	bundle.IsRecovering = true
	bundle.RecoveringTriggerKey = originalKey
	data := bundle.Trigger.Data.Clone()
	if data == nil {
		data = make(JobDataMap)
	}
	data[FailedJobOriginalTriggerName] = originalKey.Name
	data[FailedJobOriginalTriggerGroup] = originalKey.Group
	data[FailedJobOriginalTriggerFiretime] = fireTime.UnixMilli()
	data[FailedJobOriginalTriggerScheduledFiretime] = bundle.ScheduledFireTime.UnixMilli()
	bundle.Trigger.Data = data
}

// TriggerFiredResult is one slot of triggersFired's return value: a nil
// Bundle means the trigger was paused, removed, or blocked since
// acquisition and should simply be skipped (§4.3).
type TriggerFiredResult struct {
	TriggerKey Key
	Bundle     *TriggerFiredBundle
	Err        error
}

// JobStore is the transactional, authoritative source of truth the
// scheduling loop relies on (§4.3). Any implementation must make
// AcquireNextTriggers/TriggersFired atomic with respect to concurrent
// callers — the "clustered nodes never see the same trigger" guarantee —
// and must never return a trigger from AcquireNextTriggers that is already
// ACQUIRED or EXECUTING (invariant 2, §3).
type JobStore interface {
	// Initialize is called once before the scheduler starts, to let the
	// store run §4.3 "Recovery": scan for ACQUIRED/EXECUTING triggers
	// orphaned by a prior crash, enqueue recovery fires for the
	// RequestsRecovery ones, and move all of them back to WAITING.
	Initialize(ctx context.Context) error

	// --- Mutation ---

	StoreJob(ctx context.Context, job *JobDetail, replaceExisting bool) error
	StoreTrigger(ctx context.Context, trigger *Trigger, replaceExisting bool) error
	StoreJobAndTrigger(ctx context.Context, job *JobDetail, trigger *Trigger) error
	RemoveJob(ctx context.Context, key Key) (bool, error)
	RemoveTrigger(ctx context.Context, key Key) (bool, error)
	ReplaceTrigger(ctx context.Context, key Key, newTrigger *Trigger) (bool, error)

	PauseTrigger(ctx context.Context, key Key) error
	PauseTriggerGroup(ctx context.Context, group string) error
	PauseJob(ctx context.Context, key Key) error
	PauseJobGroup(ctx context.Context, group string) error
	ResumeTrigger(ctx context.Context, key Key) error
	ResumeTriggerGroup(ctx context.Context, group string) error
	ResumeJob(ctx context.Context, key Key) error
	ResumeJobGroup(ctx context.Context, group string) error
	PauseAll(ctx context.Context) error
	ResumeAll(ctx context.Context) error

	StoreCalendar(ctx context.Context, name string, cal calendar.Calendar, replaceExisting, updateTriggers bool) error
	RemoveCalendar(ctx context.Context, name string) (bool, error)

	ClearAllSchedulingData(ctx context.Context) error
	ResetTriggerFromErrorState(ctx context.Context, key Key) error

	// --- Query ---

	RetrieveJob(ctx context.Context, key Key) (*JobDetail, error)
	RetrieveTrigger(ctx context.Context, key Key) (*Trigger, error)
	CheckJobExists(ctx context.Context, key Key) (bool, error)
	CheckTriggerExists(ctx context.Context, key Key) (bool, error)
	GetJobKeys(ctx context.Context, matcher Matcher) ([]Key, error)
	GetTriggerKeys(ctx context.Context, matcher Matcher) ([]Key, error)
	GetTriggersForJob(ctx context.Context, jobKey Key) ([]*Trigger, error)
	GetTriggerState(ctx context.Context, key Key) (TriggerState, error)
	GetCalendar(ctx context.Context, name string) (calendar.Calendar, error)
	GetCalendarNames(ctx context.Context) ([]string, error)
	GetNumberOfJobs(ctx context.Context) (int, error)
	GetNumberOfTriggers(ctx context.Context) (int, error)
	GetPausedTriggerGroups(ctx context.Context) ([]string, error)
	GetJobGroupNames(ctx context.Context) ([]string, error)
	GetTriggerGroupNames(ctx context.Context) ([]string, error)

	// --- Firing protocol (§4.3) ---

	// AcquireNextTriggers returns up to maxCount WAITING triggers due no
	// later than noLaterThan+timeWindow, ordered by (nextFireTime,
	// priority desc, key), transitioning each to ACQUIRED. Triggers more
	// than the store's misfire threshold in the past are resolved against
	// their misfire instruction before being considered.
	AcquireNextTriggers(ctx context.Context, noLaterThan time.Time, maxCount int, timeWindow time.Duration) ([]*Trigger, error)

	// ReleaseAcquiredTrigger reverts ACQUIRED -> WAITING. Idempotent.
	ReleaseAcquiredTrigger(ctx context.Context, trigger *Trigger) error

	// TriggersFired commits each still-ACQUIRED, still-due trigger to
	// EXECUTING and returns its fired bundle; a trigger paused, removed,
	// or blocked since acquisition yields a nil Bundle in its result slot.
	TriggersFired(ctx context.Context, triggers []*Trigger) ([]*TriggerFiredResult, error)

	// TriggeredJobComplete reverses the EXECUTING state change per
	// instruction (§4.3), persists job data if the job
	// PersistDataAfterExecution, unblocks sibling triggers, and deletes a
	// non-durable job left with no triggers.
	TriggeredJobComplete(ctx context.Context, trigger *Trigger, job *JobDetail, instruction CompletedExecutionInstruction, jobData JobDataMap) error

	// --- Retry / backoff ---

	// GetAcquireRetryDelay returns how long the loop should wait before
	// retrying AcquireNextTriggers after failureCount consecutive
	// failures; the loop clamps this to [20ms, 600s].
	GetAcquireRetryDelay(failureCount int) time.Duration

	// --- Capabilities ---

	SupportsPersistence() bool
	IsClustered() bool

	// Shutdown releases any resources the store holds (connections,
	// background goroutines).
	Shutdown(ctx context.Context) error
}
