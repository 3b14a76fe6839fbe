package scheduler

import "time"

// JobExecutionContext is the per-fire handle passed to Job.Execute, carrying
// everything §4.6 says a job run shell must expose: the firing trigger and
// job, the merged data map, and the §C.3 recovery metadata a RequestsRecovery
// job needs to tell a fresh fire from a replay of one that was interrupted
// by a crash.
type JobExecutionContext struct {
	Scheduler *Scheduler

	Trigger  *Trigger
	JobDetail *JobDetail
	Job       Job

	FireTime           time.Time
	ScheduledFireTime  time.Time
	PreviousFireTime   *time.Time
	NextFireTime       *time.Time

	// MergedJobDataMap is the trigger's data map merged over the job's
	// (§3 "trigger wins").
	MergedJobDataMap JobDataMap

	// Recovering is true when this fire is a recovery replay of a job that
	// was EXECUTING when the process previously died (§4.3 Recovery).
	Recovering           bool
	RecoveringTriggerKey Key

	// RefireCount is how many times this exact fire has been re-executed
	// via CompletedExecutionInstruction ReExecuteJob.
	RefireCount int

	FireInstanceID string

	// JobRunTime is filled in by the run shell after Execute returns, and
	// is visible to TriggerListener.TriggerComplete /
	// JobListener.JobWasExecuted (§4.6).
	JobRunTime time.Duration

	interrupted chan struct{}
}

// Interrupted reports whether Scheduler.Interrupt has been called for this
// fire instance. A long-running Job should poll this (or select on
// InterruptedChan) and return promptly when it fires.
func (jec *JobExecutionContext) Interrupted() bool {
	select {
	case <-jec.interrupted:
		return true
	default:
		return false
	}
}

// InterruptedChan is closed once Scheduler.Interrupt is called for this fire
// instance (§5 "Cancellation").
func (jec *JobExecutionContext) InterruptedChan() <-chan struct{} {
	return jec.interrupted
}
