package scheduler

import (
	"context"
	"math/rand"
	"time"
)

// signalSchedulingChange wakes a sleeping dispatch loop early and records
// the earliest fire time it now needs to consider, per §4.4's requirement
// that adding/rescheduling a trigger with an earlier fire time than the one
// the loop is currently waiting on take effect promptly rather than after a
// full IdleWaitTime — grounded on QuartzSchedulerThread.signalSchedulingChange.
// candidate == nil means "something changed but the new earliest fire time
// is unknown", which waitForBatchOrReplan treats as earlier than the batch
// it holds.
func (s *Scheduler) signalSchedulingChange(candidate *time.Time) {
	s.signalMu.Lock()
	if candidate == nil {
		s.signaledNextFireTime = nil
	} else if s.signaledNextFireTime == nil || candidate.Before(*s.signaledNextFireTime) {
		t := *candidate
		s.signaledNextFireTime = &t
	}
	s.signalMu.Unlock()
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) clearSignaledSchedulingChange() {
	s.signalMu.Lock()
	s.signaledNextFireTime = nil
	s.signalMu.Unlock()
}

func (s *Scheduler) getSignaledNextFireTime() *time.Time {
	s.signalMu.Lock()
	defer s.signalMu.Unlock()
	if s.signaledNextFireTime == nil {
		return nil
	}
	t := *s.signaledNextFireTime
	return &t
}

// dispatchLoop is the scheduler's one background loop, implementing §4.4's
// seven steps. It is grounded on org.quartz.core.QuartzSchedulerThread.run,
// kept as a single goroutine (rather than Quartz's dedicated thread) started
// by Scheduler.Start and stopped by Scheduler.Shutdown; Scheduler.Standby
// parks it at the step 1 gate without stopping it.
func (s *Scheduler) dispatchLoop() {
	defer close(s.loopDone)

	acquireFailures := 0
	for {
		// Step 1: standby gate.
		for {
			if s.isHalted() {
				return
			}
			if !s.isStandby() {
				break
			}
			s.sleepOrWake(time.Second)
		}
		if s.isHalted() {
			return
		}

		// Step 2: reserve worker capacity, bound the batch by it.
		avail := s.pool.BlockForAvailableThreads()
		batchSize := s.cfg.MaxBatchSize
		if avail < batchSize {
			batchSize = avail
		}
		if batchSize < 1 {
			batchSize = 1
		}

		ctx := context.Background()
		triggers, err := s.store.AcquireNextTriggers(ctx, time.Now().Add(s.cfg.IdleWaitTime), batchSize, s.cfg.BatchTimeWindow)
		if err != nil {
			s.pool.CancelReservation()
			acquireFailures++
			s.log.Error().Err(err).Int("failures", acquireFailures).Msg("acquireNextTriggers failed")
			delay := s.store.GetAcquireRetryDelay(acquireFailures)
			delay = clampDuration(delay, 20*time.Millisecond, 600*time.Second)
			s.sleepOrWake(delay)
			continue
		}
		acquireFailures = 0

		if len(triggers) == 0 {
			s.pool.CancelReservation()
			s.idleWait()
			continue
		}

		// Step 3/4: wait until the batch's earliest fire time, watching
		// for a signal that an earlier trigger showed up in the meantime.
		if s.waitForBatchOrReplan(triggers) {
			s.releaseAll(ctx, triggers)
			s.pool.CancelReservation()
			continue
		}
		s.clearSignaledSchedulingChange()

		// Step 5: commit the batch to EXECUTING and dispatch each.
		results, err := s.store.TriggersFired(ctx, triggers)
		if err != nil {
			s.log.Error().Err(err).Msg("triggersFired failed")
			s.releaseAll(ctx, triggers)
			continue
		}
		for _, res := range results {
			if res.Err != nil {
				s.log.Error().Err(res.Err).Stringer("trigger", res.TriggerKey).Msg("trigger fire failed")
				continue
			}
			if res.Bundle == nil {
				continue // paused/removed/blocked since acquisition
			}
			if s.dispatchLimiter != nil {
				_ = s.dispatchLimiter.Wait(ctx)
			}
			bundle := res.Bundle
			s.pool.RunInThread(func() { s.runJob(bundle) })
		}
		// Step 6/7 (re-plan immediately, no idle sleep) happens by looping.
	}
}

// waitForBatchOrReplan blocks until the earliest trigger in triggers is due,
// returning true if it was abandoned instead because a signaled change
// reported a fire time earlier than the batch's (or an unknown one) while at
// least CostThreshold still remained before the batch was due (§4.4 step 4's
// "early replan").
func (s *Scheduler) waitForBatchOrReplan(triggers []*Trigger) bool {
	batchFireTime := time.Now()
	if triggers[0].NextFireTime != nil {
		batchFireTime = *triggers[0].NextFireTime
	}

	for {
		now := time.Now()
		remaining := batchFireTime.Sub(now)
		if remaining <= 0 {
			return false
		}
		step := remaining
		if step > time.Second {
			step = time.Second
		}

		select {
		case <-s.wakeCh:
			if s.isHalted() {
				return true
			}
			signaled := s.getSignaledNextFireTime()
			earlier := signaled == nil || signaled.Before(batchFireTime)
			if earlier && batchFireTime.Sub(time.Now()) >= s.cfg.CostThreshold {
				return true
			}
		case <-time.After(step):
		case <-s.stopLoop:
			return true
		}
	}
}

// idleWait sleeps at most IdleWaitTime, shaving off a small random jitter so
// that multiple clustered nodes polling an empty store don't stay in
// lockstep (§4.4 step 7: idleWaitTime - uniform[0, 0.2*idleWaitTime]), waking
// early on any signaled change.
func (s *Scheduler) idleWait() {
	jitter := time.Duration(rand.Int63n(int64(s.cfg.IdleWaitTime/5 + 1)))
	s.sleepOrWake(s.cfg.IdleWaitTime - jitter)
}

func (s *Scheduler) sleepOrWake(d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-s.wakeCh:
	case <-timer.C:
	case <-s.stopLoop:
	}
}

func (s *Scheduler) releaseAll(ctx context.Context, triggers []*Trigger) {
	for _, t := range triggers {
		if err := s.store.ReleaseAcquiredTrigger(ctx, t); err != nil {
			s.log.Error().Err(err).Stringer("trigger", t.Key).Msg("releaseAcquiredTrigger failed")
		}
	}
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
