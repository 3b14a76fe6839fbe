package scheduler

// JobExecutionError is the error type a Job.Execute implementation returns
// to request something other than the default "leave the trigger alone"
// completion behavior (§4.6's exception-override rules), grounded on
// Quartz's JobExecutionException unscheduleFiringTrigger/unscheduleAllTriggers/
// refireImmediately flags.
type JobExecutionError struct {
	Cause error

	// UnscheduleFiringTrigger requests SetTriggerComplete: the firing
	// trigger is retired, other triggers on the job are untouched.
	UnscheduleFiringTrigger bool
	// UnscheduleAllTriggers requests SetAllJobTriggersComplete: every
	// trigger on this job is retired.
	UnscheduleAllTriggers bool
	// Refire requests ReExecuteJob: the job runs again immediately with
	// the same fire instance, without waiting for the next scheduled
	// fire. RefireCount on the next JobExecutionContext is incremented.
	Refire bool
}

func (e *JobExecutionError) Error() string {
	if e.Cause != nil {
		return "job execution failed: " + e.Cause.Error()
	}
	return "job execution failed"
}

func (e *JobExecutionError) Unwrap() error { return e.Cause }

// NewJobExecutionError wraps cause with no override flags set, equivalent
// to a plain job error: the trigger is marked ERROR (SetTriggerError).
func NewJobExecutionError(cause error) *JobExecutionError {
	return &JobExecutionError{Cause: cause}
}
