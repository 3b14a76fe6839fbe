package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// runJob is the job run shell (§4.6): it resolves the executable Job,
// notifies listeners in the order Quartz's JobRunShell.run uses
// (trigger-fired -> veto check -> job-to-be-executed -> execute ->
// job-was-executed -> trigger-complete), tracks the fire instance for
// GetCurrentlyExecutingJobs/Interrupt, and reports completion back to the
// store. It runs on a pool worker goroutine; it must never panic past this
// frame or it would take the whole worker pool down with it.
func (s *Scheduler) runJob(bundle *TriggerFiredBundle) {
	ctx := context.Background()

	jec := &JobExecutionContext{
		Scheduler:            s,
		Trigger:              bundle.Trigger,
		JobDetail:            bundle.JobDetail,
		FireTime:             bundle.FireTime,
		ScheduledFireTime:    bundle.ScheduledFireTime,
		PreviousFireTime:     bundle.PrevFireTime,
		NextFireTime:         bundle.NextFireTime,
		MergedJobDataMap:     bundle.Trigger.Data.MergedOver(bundle.JobDetail.Data),
		Recovering:           bundle.IsRecovering,
		RecoveringTriggerKey: bundle.RecoveringTriggerKey,
		FireInstanceID:       bundle.FireInstanceID,
		interrupted:          make(chan struct{}),
	}

	// §4.6 step 8: RE_EXECUTE_JOB repeats steps 1-6 in place, incrementing
	// RefireCount, without returning this worker to the pool. The store
	// only sees the fire's final, non-refire instruction — the trigger
	// stays EXECUTING for the whole loop.
	for {
		if veto := s.listeners.broadcastTriggerFired(ctx, bundle.Trigger, jec); veto {
			s.listeners.broadcastJobExecutionVetoed(ctx, jec)
			if err := s.store.TriggeredJobComplete(ctx, bundle.Trigger, bundle.JobDetail, NoOp, nil); err != nil {
				s.log.Error().Err(err).Stringer("trigger", bundle.Trigger.Key).Msg("triggeredJobComplete failed after veto")
			}
			return
		}

		job, err := s.cfg.JobFactory.NewJob(bundle, s)
		if err != nil {
			s.log.Error().Err(err).Stringer("job", bundle.JobDetail.Key).Msg("jobFactory.NewJob failed")
			s.completeWithInstruction(ctx, jec, SetTriggerError, nil, err)
			return
		}
		jec.Job = job

		s.listeners.broadcastJobToBeExecuted(ctx, jec)
		s.trackExecuting(jec)

		start := time.Now()
		jobErr := s.safeExecute(job, jec)
		jec.JobRunTime = time.Since(start)

		s.untrackExecuting(jec.FireInstanceID)
		s.listeners.broadcastJobWasExecuted(ctx, jec, jobErr)

		instruction := resolveCompletionInstruction(jobErr)
		s.listeners.broadcastTriggerComplete(ctx, jec.Trigger, jec, instruction)

		if instruction == ReExecuteJob {
			jec.RefireCount++
			if jobErr != nil {
				s.log.Warn().Err(jobErr).Stringer("job", jec.JobDetail.Key).Str("fireInstance", jec.FireInstanceID).Int("refireCount", jec.RefireCount).Msg("job requested refire")
			}
			continue
		}

		var resultData JobDataMap
		if bundle.JobDetail.PersistDataAfterExecution {
			resultData = jec.MergedJobDataMap
		}
		if err := s.store.TriggeredJobComplete(ctx, jec.Trigger, jec.JobDetail, instruction, resultData); err != nil {
			s.log.Error().Err(err).Stringer("trigger", jec.Trigger.Key).Msg("triggeredJobComplete failed")
		}
		if jobErr != nil {
			s.log.Warn().Err(jobErr).Stringer("job", jec.JobDetail.Key).Str("fireInstance", jec.FireInstanceID).Msg("job returned an error")
		}
		return
	}
}

func (s *Scheduler) completeWithInstruction(ctx context.Context, jec *JobExecutionContext, instruction CompletedExecutionInstruction, resultData JobDataMap, jobErr error) {
	s.listeners.broadcastTriggerComplete(ctx, jec.Trigger, jec, instruction)
	if err := s.store.TriggeredJobComplete(ctx, jec.Trigger, jec.JobDetail, instruction, resultData); err != nil {
		s.log.Error().Err(err).Stringer("trigger", jec.Trigger.Key).Msg("triggeredJobComplete failed")
	}
	if jobErr != nil {
		s.log.Warn().Err(jobErr).Stringer("job", jec.JobDetail.Key).Str("fireInstance", jec.FireInstanceID).Msg("job returned an error")
	}
}

// resolveCompletionInstruction applies §4.6's exception-override rules.
func resolveCompletionInstruction(err error) CompletedExecutionInstruction {
	if err == nil {
		return NoOp
	}
	var jee *JobExecutionError
	if errors.As(err, &jee) {
		switch {
		case jee.UnscheduleAllTriggers:
			return SetAllJobTriggersComplete
		case jee.UnscheduleFiringTrigger:
			return SetTriggerComplete
		case jee.Refire:
			return ReExecuteJob
		}
	}
	return SetTriggerError
}

// safeExecute runs job.Execute, converting a panic into an error so one bad
// Job can never crash the worker pool (mirrors the pool's own safeRun, but
// at the job-shell layer so the panic is attributable to the job, not the
// pool).
func (s *Scheduler) safeExecute(job Job, jec *JobExecutionContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return job.Execute(jec)
}

func (s *Scheduler) trackExecuting(jec *JobExecutionContext) {
	s.executingMu.Lock()
	s.executing[jec.FireInstanceID] = jec
	s.executingMu.Unlock()
}

func (s *Scheduler) untrackExecuting(fireInstanceID string) {
	s.executingMu.Lock()
	delete(s.executing, fireInstanceID)
	s.executingMu.Unlock()
}

// NewFireInstanceID generates the unique identifier a store implementation
// uses to tell "this fire" apart from any other, including a retried fire
// of the same trigger (§4.3, §4.6), grounded on the teacher's use of
// github.com/google/uuid for opaque identifiers.
func NewFireInstanceID() string {
	return uuid.NewString()
}
